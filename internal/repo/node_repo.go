package repo

import (
	"context"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

const nodeColumns = `
	id, routing_id, deployment_id, image, cpu_milli, memory_mb, storage_mb,
	state, url, provider_ref, health_checks, error, created_at,
	last_state_transition_at, registered_at`

// InsertNode создаёт node.
func (q *Queries) InsertNode(ctx context.Context, n *domain.Node) error {
	query := `
		INSERT INTO nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := q.db.Exec(ctx, query,
		n.ID,
		n.RoutingID,
		n.DeploymentID,
		n.Image,
		n.CPUMilli,
		n.MemoryMb,
		n.StorageMb,
		n.State,
		nullString(n.URL),
		nullString(n.ProviderRef),
		n.HealthChecks,
		nullString(n.Error),
		n.CreatedAt,
		n.LastStateTransitionAt,
		n.RegisteredAt,
	)
	return mapErr("insert node", err)
}

// GetNode возвращает node по ID.
func (q *Queries) GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	return scanNode(q.db.QueryRow(ctx, query, id))
}

// LockNode возвращает node, заблокировав строку.
func (q *Queries) LockNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1 FOR UPDATE`
	return scanNode(q.db.QueryRow(ctx, query, id))
}

// UpdateNode сохраняет изменяемые поля node.
func (q *Queries) UpdateNode(ctx context.Context, n *domain.Node) error {
	query := `
		UPDATE nodes
		SET state = $2, url = $3, provider_ref = $4, health_checks = $5,
		    error = $6, last_state_transition_at = $7, registered_at = $8
		WHERE id = $1
	`
	result, err := q.db.Exec(ctx, query,
		n.ID,
		n.State,
		nullString(n.URL),
		nullString(n.ProviderRef),
		n.HealthChecks,
		nullString(n.Error),
		n.LastStateTransitionAt,
		n.RegisteredAt,
	)
	if err != nil {
		return mapErr("update node", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchNodes возвращает nodes по фильтру в порядке создания.
func (q *Queries) SearchNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE ($1::text IS NULL OR routing_id = $1)
		  AND ($2::text[] IS NULL OR state = ANY($2))
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := q.db.Query(ctx, query,
		nullString(filter.RoutingID),
		nodeStateStrings(filter.States),
		limit,
	)
	if err != nil {
		return nil, mapErr("search nodes", err)
	}
	return collect(rows, scanNode)
}

// DeleteNode удаляет node.
func (q *Queries) DeleteNode(ctx context.Context, id uuid.UUID) error {
	result, err := q.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete node", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNode(row scanner) (*domain.Node, error) {
	var n domain.Node
	var url, providerRef, nodeErr *string

	err := row.Scan(
		&n.ID,
		&n.RoutingID,
		&n.DeploymentID,
		&n.Image,
		&n.CPUMilli,
		&n.MemoryMb,
		&n.StorageMb,
		&n.State,
		&url,
		&providerRef,
		&n.HealthChecks,
		&nodeErr,
		&n.CreatedAt,
		&n.LastStateTransitionAt,
		&n.RegisteredAt,
	)
	if err != nil {
		return nil, mapErr("scan node", err)
	}

	if url != nil {
		n.URL = *url
	}
	if providerRef != nil {
		n.ProviderRef = *providerRef
	}
	if nodeErr != nil {
		n.Error = *nodeErr
	}
	return &n, nil
}

func nodeStateStrings(states []domain.NodeState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// --- Deployments ---

// InsertDeployment создаёт неактивный deployment.
func (q *Queries) InsertDeployment(ctx context.Context, d *domain.Deployment) error {
	query := `
		INSERT INTO deployments (id, image, active, created_at, superseded_at)
		VALUES ($1, $2, FALSE, $3, NULL)
	`
	_, err := q.db.Exec(ctx, query, d.ID, d.Image, d.CreatedAt)
	return mapErr("insert deployment", err)
}

// ActivateDeployment переключает активный deployment.
func (q *Queries) ActivateDeployment(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE deployments SET active = FALSE, superseded_at = $2
		WHERE active AND id <> $1
	`, id, now)
	if err != nil {
		return mapErr("deactivate deployment", err)
	}

	result, err := q.db.Exec(ctx, `UPDATE deployments SET active = TRUE WHERE id = $1`, id)
	if err != nil {
		return mapErr("activate deployment", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveDeployment возвращает активный deployment.
func (q *Queries) GetActiveDeployment(ctx context.Context) (*domain.Deployment, error) {
	query := `SELECT id, image, active, created_at, superseded_at FROM deployments WHERE active`
	return scanDeployment(q.db.QueryRow(ctx, query))
}

// ListDeployments возвращает последние deployments.
func (q *Queries) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	query := `
		SELECT id, image, active, created_at, superseded_at
		FROM deployments
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := q.db.Query(ctx, query, limitOrDefault(limit))
	if err != nil {
		return nil, mapErr("list deployments", err)
	}
	return collect(rows, scanDeployment)
}

func scanDeployment(row scanner) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.Image, &d.Active, &d.CreatedAt, &d.SupersededAt); err != nil {
		return nil, mapErr("scan deployment", err)
	}
	return &d, nil
}

// --- Node config overrides ---

// UpsertNodeConfigOverride создаёт или заменяет override.
func (q *Queries) UpsertNodeConfigOverride(ctx context.Context, o *domain.NodeConfigOverride) error {
	query := `
		INSERT INTO node_config_overrides
		    (routing_id, image, cpu_milli, memory_mb, storage_mb, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (routing_id) DO UPDATE
		SET image = EXCLUDED.image,
		    cpu_milli = EXCLUDED.cpu_milli,
		    memory_mb = EXCLUDED.memory_mb,
		    storage_mb = EXCLUDED.storage_mb,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := q.db.Exec(ctx, query,
		o.RoutingID,
		o.Image,
		o.CPUMilli,
		o.MemoryMb,
		o.StorageMb,
		o.CreatedAt,
		o.UpdatedAt,
	)
	return mapErr("upsert override", err)
}

// DeleteNodeConfigOverride удаляет override.
func (q *Queries) DeleteNodeConfigOverride(ctx context.Context, routingID string) error {
	result, err := q.db.Exec(ctx, `DELETE FROM node_config_overrides WHERE routing_id = $1`, routingID)
	if err != nil {
		return mapErr("delete override", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNodeConfigOverrides возвращает overrides.
func (q *Queries) ListNodeConfigOverrides(ctx context.Context, routingIDs []string) ([]domain.NodeConfigOverride, error) {
	query := `
		SELECT routing_id, image, cpu_milli, memory_mb, storage_mb, created_at, updated_at
		FROM node_config_overrides
		WHERE ($1::text[] IS NULL OR routing_id = ANY($1))
		ORDER BY routing_id
	`
	rows, err := q.db.Query(ctx, query, nullStrings(routingIDs))
	if err != nil {
		return nil, mapErr("list overrides", err)
	}
	return collect(rows, func(row scanner) (*domain.NodeConfigOverride, error) {
		var o domain.NodeConfigOverride
		err := row.Scan(&o.RoutingID, &o.Image, &o.CPUMilli, &o.MemoryMb, &o.StorageMb, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, mapErr("scan override", err)
		}
		return &o, nil
	})
}
