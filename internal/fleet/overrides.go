package fleet

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"go.yaml.in/yaml/v3"
)

// SetOverride создаёт или заменяет override для routing id.
// Nodes с расходящейся формой supervisor переведёт в OUTDATED.
func (f *Fleet) SetOverride(ctx context.Context, o domain.NodeConfigOverride) (*domain.NodeConfigOverride, error) {
	o.RoutingID = strings.TrimSpace(o.RoutingID)
	if o.RoutingID == "" {
		return nil, fmt.Errorf("%w: routing_id is required", ErrInvalidArgument)
	}
	if err := validateOverride(o); err != nil {
		return nil, err
	}

	now := f.clock()
	o.CreatedAt = now
	o.UpdatedAt = now

	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		return q.UpsertNodeConfigOverride(ctx, &o)
	})
	if err != nil {
		return nil, fmt.Errorf("set override %s: %w", o.RoutingID, err)
	}

	f.logger.Info("node config override set", "routing_id", o.RoutingID)
	return &o, nil
}

// DeleteOverride удаляет override; routing id возвращается к форме
// по умолчанию.
func (f *Fleet) DeleteOverride(ctx context.Context, routingID string) error {
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		return q.DeleteNodeConfigOverride(ctx, routingID)
	})
	if err != nil {
		return err
	}
	f.logger.Info("node config override deleted", "routing_id", routingID)
	return nil
}

// ListOverrides возвращает overrides; без аргументов — все.
func (f *Fleet) ListOverrides(ctx context.Context, routingIDs ...string) ([]domain.NodeConfigOverride, error) {
	var out []domain.NodeConfigOverride
	err := f.store.WithTx(ctx, func(q repo.Querier) error {
		list, err := q.ListNodeConfigOverrides(ctx, routingIDs)
		out = list
		return err
	})
	return out, err
}

// overridesFile — формат YAML-файла с начальными overrides:
//
//	overrides:
//	  - routing_id: heavy
//	    memory_mb: 4096
//	    cpu_milli: 2000
type overridesFile struct {
	Overrides []domain.NodeConfigOverride `yaml:"overrides"`
}

// ParseOverrides разбирает YAML с overrides.
func ParseOverrides(data []byte) ([]domain.NodeConfigOverride, error) {
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse overrides: %v", ErrInvalidArgument, err)
	}

	seen := make(map[string]bool, len(file.Overrides))
	for i, o := range file.Overrides {
		if strings.TrimSpace(o.RoutingID) == "" {
			return nil, fmt.Errorf("%w: override #%d: routing_id is required", ErrInvalidArgument, i+1)
		}
		if seen[o.RoutingID] {
			return nil, fmt.Errorf("%w: duplicate override for %q", ErrInvalidArgument, o.RoutingID)
		}
		seen[o.RoutingID] = true
		if err := validateOverride(o); err != nil {
			return nil, err
		}
	}
	return file.Overrides, nil
}

// LoadOverridesFile читает overrides из YAML-файла и сохраняет их.
// Возвращает число загруженных overrides.
func (f *Fleet) LoadOverridesFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read overrides file: %w", err)
	}
	list, err := ParseOverrides(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	for _, o := range list {
		if _, err := f.SetOverride(ctx, o); err != nil {
			return 0, err
		}
	}
	return len(list), nil
}

func validateOverride(o domain.NodeConfigOverride) error {
	for name, v := range map[string]*int{
		"cpu_milli":  o.CPUMilli,
		"memory_mb":  o.MemoryMb,
		"storage_mb": o.StorageMb,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, name)
		}
	}
	return nil
}
