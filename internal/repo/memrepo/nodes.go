package memrepo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

func (q *querier) InsertNode(ctx context.Context, n *domain.Node) error {
	if _, ok := q.st.nodes[n.ID]; ok {
		return fmt.Errorf("insert node: %w", repo.ErrAlreadyExists)
	}
	q.st.nodes[n.ID] = *n
	return nil
}

func (q *querier) GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	n, ok := q.st.nodes[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &n, nil
}

func (q *querier) LockNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	return q.GetNode(ctx, id)
}

func (q *querier) UpdateNode(ctx context.Context, n *domain.Node) error {
	if _, ok := q.st.nodes[n.ID]; !ok {
		return repo.ErrNotFound
	}
	q.st.nodes[n.ID] = *n
	return nil
}

func (q *querier) SearchNodes(ctx context.Context, f repo.NodeFilter) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range q.st.nodes {
		if f.RoutingID != "" && n.RoutingID != f.RoutingID {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, n.State) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, f.Limit), nil
}

func (q *querier) DeleteNode(ctx context.Context, id uuid.UUID) error {
	if _, ok := q.st.nodes[id]; !ok {
		return repo.ErrNotFound
	}
	delete(q.st.nodes, id)
	return nil
}

// --- Deployments ---

func (q *querier) InsertDeployment(ctx context.Context, d *domain.Deployment) error {
	if _, ok := q.st.deployments[d.ID]; ok {
		return fmt.Errorf("insert deployment: %w", repo.ErrAlreadyExists)
	}
	stored := *d
	stored.Active = false
	stored.SupersededAt = nil
	q.st.deployments[d.ID] = stored
	return nil
}

func (q *querier) ActivateDeployment(ctx context.Context, id uuid.UUID, now time.Time) error {
	target, ok := q.st.deployments[id]
	if !ok {
		return repo.ErrNotFound
	}
	for key, d := range q.st.deployments {
		if d.Active && key != id {
			d.Active = false
			d.SupersededAt = &now
			q.st.deployments[key] = d
		}
	}
	target.Active = true
	q.st.deployments[id] = target
	return nil
}

func (q *querier) GetActiveDeployment(ctx context.Context) (*domain.Deployment, error) {
	for _, d := range q.st.deployments {
		if d.Active {
			return &d, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (q *querier) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0, len(q.st.deployments))
	for _, d := range q.st.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limitOrDefault(limit)), nil
}

// --- Node config overrides ---

func (q *querier) UpsertNodeConfigOverride(ctx context.Context, o *domain.NodeConfigOverride) error {
	stored := *o
	if existing, ok := q.st.overrides[o.RoutingID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	q.st.overrides[o.RoutingID] = stored
	return nil
}

func (q *querier) DeleteNodeConfigOverride(ctx context.Context, routingID string) error {
	if _, ok := q.st.overrides[routingID]; !ok {
		return repo.ErrNotFound
	}
	delete(q.st.overrides, routingID)
	return nil
}

func (q *querier) ListNodeConfigOverrides(ctx context.Context, routingIDs []string) ([]domain.NodeConfigOverride, error) {
	var out []domain.NodeConfigOverride
	for id, o := range q.st.overrides {
		if len(routingIDs) > 0 && !slices.Contains(routingIDs, id) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutingID < out[j].RoutingID })
	return out, nil
}
