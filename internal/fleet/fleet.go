package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/google/uuid"
)

// Config — конфигурация Fleet.
type Config struct {
	Store    repo.Store
	Provider NodeProvider

	// Verifier проверяет образ перед Deploy. nil — NoopVerifier.
	Verifier ImageVerifier

	// Floor — сколько RUNNING nodes routing id сохраняет при ReportIdle.
	Floor int

	// HealthcheckSuccesses — 0 означает, что регистрация сразу
	// переводит STARTING node в RUNNING.
	HealthcheckSuccesses int

	// NodeIdleTimeout — сколько RUNNING node должен простаивать,
	// чтобы ReportIdle перевёл его в IDLE.
	NodeIdleTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Fleet — операции над fleet, вызываемые из API: регистрация nodes,
// отчёты о простое, deployments и overrides.
type Fleet struct {
	store       repo.Store
	provider    NodeProvider
	verifier    ImageVerifier
	floor       int
	successes   int
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New создаёт Fleet.
func New(cfg Config) *Fleet {
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Fleet{
		store:       cfg.Store,
		provider:    cfg.Provider,
		verifier:    verifier,
		floor:       cfg.Floor,
		successes:   cfg.HealthcheckSuccesses,
		idleTimeout: cfg.NodeIdleTimeout,
		logger:      telemetry.WithComponent(cfg.Logger, "fleet"),
		now:         clock,
	}
}

func (f *Fleet) clock() time.Time {
	return f.now().UTC().Truncate(time.Microsecond)
}

// Register фиксирует, что node поднялся и слушает url.
func (f *Fleet) Register(ctx context.Context, nodeID uuid.UUID, url string) (*domain.Node, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidArgument)
	}

	var out *domain.Node
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		now := f.clock()

		switch n.State {
		case domain.NodeStatePending, domain.NodeStateRunning:
			n.URL = url
		case domain.NodeStateStarting:
			n.URL = url
			if f.successes <= 0 {
				if err := n.TransitionTo(domain.NodeStateRunning, now); err != nil {
					return err
				}
			}
		case domain.NodeStateIdle:
			n.URL = url
			if err := n.TransitionTo(domain.NodeStateRunning, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: cannot register node in %s", ErrInvalidNodeState, n.State)
		}
		n.RegisteredAt = &now

		if err := q.UpdateNode(ctx, n); err != nil {
			return fmt.Errorf("update node: %w", err)
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.WithNodeID(f.logger, out.ID.String(), out.RoutingID).Info("node registered",
		"url", out.URL,
		"state", out.State,
	)
	return out, nil
}

// ReportIdle обрабатывает отчёт node о простое.
//
// FINISHING node переходит в IDLE сразу. RUNNING node — только если
// простаивает не меньше NodeIdleTimeout и routing id сохраняет floor
// RUNNING nodes. В остальных случаях node не меняется.
func (f *Fleet) ReportIdle(ctx context.Context, nodeID uuid.UUID, idleFor time.Duration) (*domain.Node, error) {
	var (
		out   *domain.Node
		moved bool
	)
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		out = n

		switch n.State {
		case domain.NodeStateFinishing:
		case domain.NodeStateRunning:
			if idleFor < f.idleTimeout {
				return nil
			}
			running, err := q.SearchNodes(ctx, repo.NodeFilter{
				RoutingID: n.RoutingID,
				States:    []domain.NodeState{domain.NodeStateRunning},
				Limit:     maxNodesPerTick,
			})
			if err != nil {
				return fmt.Errorf("search nodes: %w", err)
			}
			if len(running)-1 < f.floor {
				return nil
			}
		default:
			return nil
		}

		if err := n.TransitionTo(domain.NodeStateIdle, f.clock()); err != nil {
			return err
		}
		moved = true
		return q.UpdateNode(ctx, n)
	})
	if err != nil {
		return nil, err
	}

	if moved {
		telemetry.WithNodeID(f.logger, out.ID.String(), out.RoutingID).Info("node idle",
			"idle_for", idleFor,
		)
	}
	return out, nil
}

// RequestTermination выводит node из работы: RUNNING уходит в OUTDATED
// и будет заменён, IDLE останавливается у провайдера сразу.
func (f *Fleet) RequestTermination(ctx context.Context, nodeID uuid.UUID) (*domain.Node, error) {
	var out *domain.Node
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		now := f.clock()

		switch n.State {
		case domain.NodeStateRunning:
			if err := n.TransitionTo(domain.NodeStateOutdated, now); err != nil {
				return err
			}
		case domain.NodeStateIdle:
			if f.provider == nil {
				return fmt.Errorf("%w: no provider configured", ErrNodeProvider)
			}
			if err := f.provider.Terminate(ctx, *n); err != nil {
				return fmt.Errorf("%w: terminate: %v", ErrNodeProvider, err)
			}
			if err := n.TransitionTo(domain.NodeStateTerminated, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: cannot terminate node in %s", ErrInvalidNodeState, n.State)
		}

		out = n
		return q.UpdateNode(ctx, n)
	})
	if err != nil {
		return nil, err
	}

	telemetry.WithNodeID(f.logger, out.ID.String(), out.RoutingID).Info("node termination requested",
		"state", out.State,
	)
	return out, nil
}

// GetNode возвращает node по ID.
func (f *Fleet) GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	var out *domain.Node
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.GetNode(ctx, id)
		out = n
		return err
	})
	return out, err
}

// SearchNodes ищет nodes по фильтру.
func (f *Fleet) SearchNodes(ctx context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	var out []domain.Node
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		nodes, err := q.SearchNodes(ctx, filter)
		out = nodes
		return err
	})
	return out, err
}

// Deploy проверяет образ и делает новый deployment активным.
// Nodes прежнего deployment supervisor заменит на следующих тиках.
func (f *Fleet) Deploy(ctx context.Context, image string) (*domain.Deployment, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidArgument)
	}
	if err := f.verifier.Verify(ctx, image); err != nil {
		return nil, err
	}

	now := f.clock()
	d := &domain.Deployment{
		ID:        uuid.New(),
		Image:     image,
		CreatedAt: now,
	}
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		if err := q.InsertDeployment(ctx, d); err != nil {
			return err
		}
		return q.ActivateDeployment(ctx, d.ID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", image, err)
	}
	d.Active = true

	f.logger.Info("deployment activated", "deployment_id", d.ID, "image", image)
	return d, nil
}

// ActiveDeployment возвращает активный deployment.
func (f *Fleet) ActiveDeployment(ctx context.Context) (*domain.Deployment, error) {
	var out *domain.Deployment
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		d, err := q.GetActiveDeployment(ctx)
		out = d
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoActiveDeployment
	}
	return out, err
}

// ListDeployments возвращает последние deployments, новые первыми.
func (f *Fleet) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		list, err := q.ListDeployments(ctx, limit)
		out = list
		return err
	})
	return out, err
}
