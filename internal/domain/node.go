package domain

import (
	"time"

	"github.com/google/uuid"
)

// NodeConfig — ресурсная форма node.
type NodeConfig struct {
	Image     string `json:"image" yaml:"image"`
	CPUMilli  int    `json:"cpu_milli" yaml:"cpu_milli"`
	MemoryMb  int    `json:"memory_mb" yaml:"memory_mb"`
	StorageMb int    `json:"storage_mb" yaml:"storage_mb"`
}

// Node — один runner-процесс во fleet.
type Node struct {
	ID           uuid.UUID `json:"id"`
	RoutingID    string    `json:"routing_id"`
	DeploymentID uuid.UUID `json:"deployment_id"`

	// Ресурсная форма, с которой node был создан.
	Image     string `json:"image"`
	CPUMilli  int    `json:"cpu_milli"`
	MemoryMb  int    `json:"memory_mb"`
	StorageMb int    `json:"storage_mb"`

	State NodeState `json:"state"`

	// URL — адрес node; заполняется провайдером или при регистрации.
	URL string `json:"url,omitempty"`

	// ProviderRef — идентификатор ресурса у провайдера
	// (имя k8s Deployment, ARN функции, pid процесса).
	ProviderRef string `json:"provider_ref,omitempty"`

	// HealthChecks — число успешных health check подряд.
	HealthChecks int `json:"health_checks"`

	// Error — причина перехода в ERROR.
	Error string `json:"error,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	LastStateTransitionAt time.Time  `json:"last_state_transition_at"`
	RegisteredAt          *time.Time `json:"registered_at,omitempty"`
}

// Config возвращает ресурсную форму node.
func (n *Node) Config() NodeConfig {
	return NodeConfig{
		Image:     n.Image,
		CPUMilli:  n.CPUMilli,
		MemoryMb:  n.MemoryMb,
		StorageMb: n.StorageMb,
	}
}

// TransitionTo меняет состояние node.
func (n *Node) TransitionTo(to NodeState, now time.Time) error {
	if !n.State.CanTransitionTo(to) {
		return transitionError("node", string(n.State), string(to))
	}
	n.State = to
	n.LastStateTransitionAt = now
	if to != NodeStateStarting {
		n.HealthChecks = 0
	}
	return nil
}

// Fail переводит node в ERROR с причиной.
func (n *Node) Fail(reason string, now time.Time) error {
	if err := n.TransitionTo(NodeStateError, now); err != nil {
		return err
	}
	n.Error = reason
	return nil
}

// InState возвращает, сколько времени node провёл в текущем состоянии.
func (n *Node) InState(now time.Time) time.Duration {
	return now.Sub(n.LastStateTransitionAt)
}

// Deployment — версия образа runner'ов. Активна ровно одна.
type Deployment struct {
	ID           uuid.UUID  `json:"id"`
	Image        string     `json:"image"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// NodeConfigOverride — переопределение формы node для routing id.
// Незаданные поля берутся из конфигурации по умолчанию.
type NodeConfigOverride struct {
	RoutingID string    `json:"routing_id" yaml:"routing_id"`
	Image     *string   `json:"image,omitempty" yaml:"image,omitempty"`
	CPUMilli  *int      `json:"cpu_milli,omitempty" yaml:"cpu_milli,omitempty"`
	MemoryMb  *int      `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	StorageMb *int      `json:"storage_mb,omitempty" yaml:"storage_mb,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Apply накладывает override на базовую форму.
func (o *NodeConfigOverride) Apply(base NodeConfig) NodeConfig {
	if o == nil {
		return base
	}
	if o.Image != nil && *o.Image != "" {
		base.Image = *o.Image
	}
	if o.CPUMilli != nil && *o.CPUMilli > 0 {
		base.CPUMilli = *o.CPUMilli
	}
	if o.MemoryMb != nil && *o.MemoryMb > 0 {
		base.MemoryMb = *o.MemoryMb
	}
	if o.StorageMb != nil && *o.StorageMb > 0 {
		base.StorageMb = *o.StorageMb
	}
	return base
}

// Differs проверяет, расходится ли форма node с override.
func (o *NodeConfigOverride) Differs(n *Node) bool {
	if o == nil {
		return false
	}
	if o.Image != nil && *o.Image != "" && *o.Image != n.Image {
		return true
	}
	if o.CPUMilli != nil && *o.CPUMilli > 0 && *o.CPUMilli != n.CPUMilli {
		return true
	}
	if o.MemoryMb != nil && *o.MemoryMb > 0 && *o.MemoryMb != n.MemoryMb {
		return true
	}
	if o.StorageMb != nil && *o.StorageMb > 0 && *o.StorageMb != n.StorageMb {
		return true
	}
	return false
}
