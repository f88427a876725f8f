// Package local запускает runner-nodes как дочерние процессы.
// Используется для разработки и standalone-режима.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/google/uuid"
)

// Config — настройки провайдера.
type Config struct {
	// Command — команда runner'а с аргументами.
	Command []string

	// BasePort — первый порт, выдаваемый nodes.
	BasePort int

	FleetAPIURL string

	// Env — дополнительные переменные окружения процессов.
	Env []string

	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

type process struct {
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

// Provider реализует fleet.NodeProvider через os/exec.
type Provider struct {
	command  []string
	basePort int
	apiURL   string
	env      []string
	probe    *fleet.NodeClient
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[uuid.UUID]*process
	ports map[int]bool
}

var _ fleet.NodeProvider = (*Provider)(nil)

// New создаёт Provider.
func New(cfg Config) (*Provider, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("local provider: command is required")
	}
	basePort := cfg.BasePort
	if basePort <= 0 {
		basePort = 9100
	}
	return &Provider{
		command:  cfg.Command,
		basePort: basePort,
		apiURL:   cfg.FleetAPIURL,
		env:      cfg.Env,
		probe:    fleet.NewNodeClient(cfg.ProbeTimeout),
		logger:   telemetry.WithComponent(cfg.Logger, "local-provider"),
		procs:    make(map[uuid.UUID]*process),
		ports:    make(map[int]bool),
	}, nil
}

// Start запускает процесс runner'а. Повторный вызов для живого node
// возвращает тот же адрес.
func (p *Provider) Start(ctx context.Context, n domain.Node) (fleet.StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proc, ok := p.procs[n.ID]; ok {
		return result(proc), nil
	}

	port := p.basePort
	for p.ports[port] {
		port++
	}

	// Процесс живёт дольше ctx тика, поэтому exec.Command, а не CommandContext.
	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env,
		"PORT="+strconv.Itoa(port),
		"NODE_ID="+n.ID.String(),
		"FLEET_API_URL="+p.apiURL,
		"RUNNER_ADVERTISE_URL=http://127.0.0.1:"+strconv.Itoa(port),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fleet.StartResult{}, fmt.Errorf("start %s: %w", p.command[0], err)
	}

	proc := &process{cmd: cmd, port: port, done: make(chan struct{})}
	p.procs[n.ID] = proc
	p.ports[port] = true

	go p.wait(n.ID, proc)

	p.logger.Info("runner process started", "node_id", n.ID, "pid", cmd.Process.Pid, "port", port)
	return result(proc), nil
}

// Terminate посылает процессу SIGTERM и ждёт выхода; по ctx — SIGKILL.
func (p *Provider) Terminate(ctx context.Context, n domain.Node) error {
	p.mu.Lock()
	proc, ok := p.procs[n.ID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal pid %d: %w", proc.cmd.Process.Pid, err)
	}

	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		return ctx.Err()
	}
}

// Shutdown останавливает все запущенные процессы.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := p.Terminate(ctx, domain.Node{ID: id}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VerifyURL проверяет GET /health.
func (p *Provider) VerifyURL(ctx context.Context, url string) error {
	return p.probe.CheckHealth(ctx, url)
}

// Running возвращает число живых процессов.
func (p *Provider) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

func (p *Provider) wait(id uuid.UUID, proc *process) {
	err := proc.cmd.Wait()

	p.mu.Lock()
	delete(p.procs, id)
	delete(p.ports, proc.port)
	p.mu.Unlock()
	close(proc.done)

	p.logger.Info("runner process exited", "node_id", id, "error", err)
}

func result(proc *process) fleet.StartResult {
	return fleet.StartResult{
		URL:         "http://127.0.0.1:" + strconv.Itoa(proc.port),
		ProviderRef: strconv.Itoa(proc.cmd.Process.Pid),
	}
}
