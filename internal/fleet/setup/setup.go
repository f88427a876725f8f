// Package setup собирает компоненты fleet по config.Fleet:
// провайдера nodes, проверку образов, fleet.Fleet и fleet.Supervisor.
package setup

import (
	"context"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/config"
	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/fleet/knative"
	"github.com/NangoHQ/nango-sub018/internal/fleet/kube"
	"github.com/NangoHQ/nango-sub018/internal/fleet/lambda"
	"github.com/NangoHQ/nango-sub018/internal/fleet/local"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"golang.org/x/time/rate"
)

// Имена backend'ов (FLEET_PROVIDER).
const (
	Kubernetes = "kubernetes"
	Knative    = "knative"
	Lambda     = "lambda"
	Local      = "local"
)

const (
	probeTimeout  = 5 * time.Second
	verifyTimeout = 10 * time.Second
)

// Providers возвращает реестр фабрик всех backend'ов.
func Providers(cfg config.Fleet, logger *slog.Logger) *fleet.ProviderRegistry {
	r := fleet.NewProviderRegistry()

	r.Register(Kubernetes, func(context.Context) (fleet.NodeProvider, error) {
		return kube.New(kube.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			FleetAPIURL:  cfg.APIURL,
			ProbeTimeout: probeTimeout,
			Logger:       logger,
		})
	})
	r.Register(Knative, func(context.Context) (fleet.NodeProvider, error) {
		return knative.New(knative.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			FleetAPIURL:  cfg.APIURL,
			MaxScale:     1,
			ProbeTimeout: probeTimeout,
			Logger:       logger,
		})
	})
	r.Register(Lambda, func(ctx context.Context) (fleet.NodeProvider, error) {
		return lambda.New(ctx, lambda.Config{
			RoleARN:     cfg.Lambda.RoleARN,
			Region:      cfg.Lambda.Region,
			FleetAPIURL: cfg.APIURL,
			Logger:      logger,
		})
	})
	r.Register(Local, func(context.Context) (fleet.NodeProvider, error) {
		return local.New(local.Config{
			Command:      cfg.Local.Command,
			BasePort:     cfg.Local.BasePort,
			FleetAPIURL:  cfg.APIURL,
			ProbeTimeout: probeTimeout,
			Logger:       logger,
		})
	})

	return r
}

// Provider создаёт провайдера, выбранного в cfg.Provider.
func Provider(ctx context.Context, cfg config.Fleet, logger *slog.Logger) (fleet.NodeProvider, error) {
	return Providers(cfg, logger).Build(ctx, cfg.Provider)
}

// Verifier возвращает проверку образов для Deploy. Локальный backend
// и FLEET_SKIP_IMAGE_CHECK отключают проверку.
func Verifier(cfg config.Fleet) fleet.ImageVerifier {
	if cfg.SkipImageCheck || cfg.Provider == Local {
		return fleet.NoopVerifier{}
	}
	return fleet.NewRegistryVerifier(cfg.RegistryURL, verifyTimeout)
}

// Fleet создаёт fleet.Fleet для API.
func Fleet(cfg config.Fleet, store repo.Store, provider fleet.NodeProvider, logger *slog.Logger) *fleet.Fleet {
	return fleet.New(fleet.Config{
		Store:                store,
		Provider:             provider,
		Verifier:             Verifier(cfg),
		Floor:                cfg.MinNodes,
		HealthcheckSuccesses: cfg.HealthcheckSuccesses,
		NodeIdleTimeout:      cfg.NodeIdleTimeout,
		Logger:               logger,
	})
}

// Demand выводит потребность в nodes из числа активных tasks.
func Demand(cfg config.Fleet, counter fleet.ActiveTaskCounter) fleet.Demand {
	return fleet.SchedulerDemand{
		Counter:      counter,
		RoutingID:    cfg.RoutingID,
		TasksPerNode: cfg.TasksPerNode,
		Min:          cfg.MinNodes,
		Max:          cfg.MaxNodes,
	}
}

// Supervisor создаёт fleet.Supervisor.
func Supervisor(cfg config.Fleet, store repo.Store, provider fleet.NodeProvider, demand fleet.Demand, logger *slog.Logger) *fleet.Supervisor {
	var limiter *rate.Limiter
	if cfg.StartRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), max(cfg.StartBurst, 1))
	}

	return fleet.NewSupervisor(fleet.SupervisorConfig{
		Name:     cfg.Name,
		Store:    store,
		Provider: provider,
		Demand:   demand,
		Nodes:    fleet.NewNodeClient(probeTimeout),
		Default: domain.NodeConfig{
			Image:     cfg.Image,
			CPUMilli:  cfg.CPUMilli,
			MemoryMb:  cfg.MemoryMb,
			StorageMb: cfg.StorageMb,
		},
		Floor: cfg.MinNodes,
		Timeouts: fleet.Timeouts{
			Pending:   cfg.PendingTimeout,
			Starting:  cfg.StartingTimeout,
			Finishing: cfg.FinishingTimeout,
			Idle:      cfg.IdleTimeout,
			Remove:    cfg.RemoveDelay,
		},
		HealthcheckSuccesses: cfg.HealthcheckSuccesses,
		HealthcheckInterval:  cfg.HealthcheckInterval,
		StartLimiter:         limiter,
		Logger:               logger,
	})
}
