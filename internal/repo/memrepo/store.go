// Package memrepo — реализация repo.Store в памяти процесса.
//
// Используется standalone-режимом и тестами. Транзакции сериализуются
// одним mutex'ом: блокировки строк (FOR UPDATE, SKIP LOCKED, NOWAIT)
// внутри транзакции всегда успешны. При ошибке fn состояние
// откатывается к снимку, сделанному в начале транзакции.
package memrepo

import (
	"context"
	"maps"
	"sync"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

// Store — repo.Store в памяти.
type Store struct {
	mu sync.Mutex
	st state

	lockMu sync.Mutex
	locks  map[string]bool
}

type state struct {
	tasks       map[uuid.UUID]domain.Task
	groups      map[string]domain.Group
	schedules   map[uuid.UUID]domain.Schedule
	nodes       map[uuid.UUID]domain.Node
	deployments map[uuid.UUID]domain.Deployment
	overrides   map[string]domain.NodeConfigOverride
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{st: state{
		tasks:       make(map[uuid.UUID]domain.Task),
		groups:      make(map[string]domain.Group),
		schedules:   make(map[uuid.UUID]domain.Schedule),
		nodes:       make(map[uuid.UUID]domain.Node),
		deployments: make(map[uuid.UUID]domain.Deployment),
		overrides:   make(map[string]domain.NodeConfigOverride),
	}, locks: make(map[string]bool)}
}

func (s state) clone() state {
	return state{
		tasks:       maps.Clone(s.tasks),
		groups:      maps.Clone(s.groups),
		schedules:   maps.Clone(s.schedules),
		nodes:       maps.Clone(s.nodes),
		deployments: maps.Clone(s.deployments),
		overrides:   maps.Clone(s.overrides),
	}
}

// WithTx выполняет fn под эксклюзивной блокировкой хранилища.
func (s *Store) WithTx(ctx context.Context, fn func(q repo.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&querier{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// querier — repo.Querier поверх состояния Store.
// Живёт только внутри WithTx.
type querier struct {
	st *state
}

// WithLock держит именованный lock на время fn. Повторный вызов с тем
// же key, пока lock занят, возвращает false.
func (s *Store) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.lockMu.Lock()
	if s.locks[key] {
		s.lockMu.Unlock()
		return false, nil
	}
	s.locks[key] = true
	s.lockMu.Unlock()

	defer func() {
		s.lockMu.Lock()
		delete(s.locks, key)
		s.lockMu.Unlock()
	}()
	return true, fn(ctx)
}

var _ repo.Store = (*Store)(nil)
var _ repo.Querier = (*querier)(nil)
