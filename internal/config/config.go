// Package config читает конфигурацию сервисов из переменных окружения.
//
// Каждый бинарник вызывает нужные Load*-функции. Значения по умолчанию
// подходят для локальной разработки.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Common — настройки, общие для всех сервисов.
type Common struct {
	DBURL       string
	RabbitMQURL string
	RedisURL    string

	// Задержка перед повтором упавшего task: повтор создаётся там,
	// где task переходит в FAILED (API или Monitor).
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// LoadCommon читает общие настройки.
// Пустые RABBITMQ_URL и REDIS_URL отключают соответствующие интеграции.
func LoadCommon() Common {
	return Common{
		DBURL:       getEnv("DB_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", time.Second),
		RetryBackoffMax: getEnvDuration("RETRY_BACKOFF_MAX", 5*time.Minute),
	}
}

// API — настройки HTTP API.
type API struct {
	Port            string
	MaxDequeueWait  time.Duration
	ShutdownTimeout time.Duration
	Defaults        TaskDefaults
}

// LoadAPI читает настройки API.
func LoadAPI() API {
	return API{
		Port:            getEnv("API_PORT", "8080"),
		MaxDequeueWait:  getEnvDuration("API_MAX_DEQUEUE_WAIT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("API_SHUTDOWN_TIMEOUT", 10*time.Second),
		Defaults:        loadTaskDefaults(),
	}
}

// TaskDefaults — таймауты task, когда producer их не задал.
type TaskDefaults struct {
	CreatedToStartedTimeout   time.Duration
	StartedToCompletedTimeout time.Duration
	HeartbeatTimeout          time.Duration
}

func loadTaskDefaults() TaskDefaults {
	return TaskDefaults{
		CreatedToStartedTimeout:   getEnvDuration("CREATED_TO_STARTED_TIMEOUT", 15*time.Minute),
		StartedToCompletedTimeout: getEnvDuration("STARTED_TO_COMPLETED_TIMEOUT", 24*time.Hour),
		HeartbeatTimeout:          getEnvDuration("HEARTBEAT_TIMEOUT", 5*time.Minute),
	}
}

// Scheduler — настройки фоновых воркеров scheduler'а.
type Scheduler struct {
	Port           string
	SchedulingTick time.Duration
	MonitorTick    time.Duration
	CleanupTick    time.Duration
	BatchSize      int
	Retention      time.Duration
	CleanupBudget  time.Duration
	Defaults       TaskDefaults
}

// LoadScheduler читает настройки scheduler'а.
func LoadScheduler() Scheduler {
	return Scheduler{
		Port:           getEnv("SCHED_PORT", "8081"),
		SchedulingTick: getEnvDuration("SCHEDULING_TICK", time.Second),
		MonitorTick:    getEnvDuration("MONITOR_TICK", time.Second),
		CleanupTick:    getEnvDuration("CLEANUP_TICK", time.Minute),
		BatchSize:      getEnvInt("SCHEDULER_BATCH_SIZE", 100),
		Retention:      getEnvDuration("RETENTION", 7*24*time.Hour),
		CleanupBudget:  getEnvDuration("CLEANUP_BUDGET", 10*time.Second),
		Defaults:       loadTaskDefaults(),
	}
}

// Fleet — настройки fleet supervisor'а.
type Fleet struct {
	Port     string
	Name     string
	Provider string
	Tick     time.Duration

	RoutingID string
	Image     string
	CPUMilli  int
	MemoryMb  int
	StorageMb int

	MinNodes     int
	MaxNodes     int
	TasksPerNode int

	HealthcheckSuccesses int
	HealthcheckInterval  time.Duration

	PendingTimeout   time.Duration
	StartingTimeout  time.Duration
	FinishingTimeout time.Duration
	IdleTimeout      time.Duration
	RemoveDelay      time.Duration
	NodeIdleTimeout  time.Duration

	StartRate  float64
	StartBurst int

	OverridesFile string
	APIURL        string

	RegistryURL    string
	SkipImageCheck bool

	Kubernetes Kubernetes
	Lambda     Lambda
	Local      Local
}

// Kubernetes — настройки kubernetes и knative провайдеров.
type Kubernetes struct {
	Namespace  string
	Kubeconfig string
}

// Lambda — настройки lambda провайдера.
type Lambda struct {
	RoleARN string
	Region  string
}

// Local — настройки локального провайдера.
type Local struct {
	Command  []string
	BasePort int
}

// LoadFleet читает настройки fleet.
func LoadFleet() Fleet {
	return Fleet{
		Port:     getEnv("FLEET_PORT", "8082"),
		Name:     getEnv("FLEET_NAME", "runners"),
		Provider: getEnv("FLEET_PROVIDER", "local"),
		Tick:     getEnvDuration("FLEET_TICK", time.Second),

		RoutingID: getEnv("FLEET_ROUTING_ID", "default"),
		Image:     getEnv("FLEET_IMAGE", "orchestrator/runner:latest"),
		CPUMilli:  getEnvInt("FLEET_NODE_CPU_MILLI", 500),
		MemoryMb:  getEnvInt("FLEET_NODE_MEMORY_MB", 512),
		StorageMb: getEnvInt("FLEET_NODE_STORAGE_MB", 20000),

		MinNodes:     getEnvInt("FLEET_MIN_NODES", 1),
		MaxNodes:     getEnvInt("FLEET_MAX_NODES", 10),
		TasksPerNode: getEnvInt("FLEET_TASKS_PER_NODE", 10),

		HealthcheckSuccesses: getEnvInt("FLEET_HEALTHCHECK_SUCCESSES", 1),
		HealthcheckInterval:  getEnvDuration("FLEET_HEALTHCHECK_INTERVAL", 5*time.Second),

		PendingTimeout:   getEnvDuration("FLEET_TIMEOUT_PENDING", 5*time.Minute),
		StartingTimeout:  getEnvDuration("FLEET_TIMEOUT_STARTING", 5*time.Minute),
		FinishingTimeout: getEnvDuration("FLEET_TIMEOUT_FINISHING", 24*time.Hour),
		IdleTimeout:      getEnvDuration("FLEET_TIMEOUT_IDLE", time.Hour),
		RemoveDelay:      getEnvDuration("FLEET_TIMEOUT_REMOVE", 24*time.Hour),
		NodeIdleTimeout:  getEnvDuration("FLEET_NODE_IDLE_TIMEOUT", 10*time.Minute),

		StartRate:  getEnvFloat("FLEET_START_RATE", 1),
		StartBurst: getEnvInt("FLEET_START_BURST", 5),

		OverridesFile: getEnv("FLEET_OVERRIDES_FILE", ""),
		APIURL:        getEnv("FLEET_API_URL", "http://localhost:8080"),

		RegistryURL:    getEnv("FLEET_REGISTRY_URL", ""),
		SkipImageCheck: getEnvBool("FLEET_SKIP_IMAGE_CHECK", false),

		Kubernetes: Kubernetes{
			Namespace:  getEnv("K8S_NAMESPACE", "default"),
			Kubeconfig: getEnv("KUBECONFIG", ""),
		},
		Lambda: Lambda{
			RoleARN: getEnv("LAMBDA_ROLE_ARN", ""),
			Region:  getEnv("AWS_REGION", ""),
		},
		Local: Local{
			Command:  getEnvFields("LOCAL_RUNNER_CMD", []string{"runner"}),
			BasePort: getEnvInt("LOCAL_RUNNER_BASE_PORT", 9100),
		},
	}
}

// Runner — настройки runner-процесса.
type Runner struct {
	Port               string
	NodeID             string
	APIURL             string
	GroupKey           string
	Concurrency        int
	PollInterval       time.Duration
	DequeueWait        time.Duration
	HeartbeatInterval  time.Duration
	StateCheckInterval time.Duration
	IdleReportInterval time.Duration
	WebhookURL         string
	WebhookTimeout     time.Duration

	// AdvertiseURL — адрес, который runner сообщает fleet при регистрации.
	// Задаётся провайдером; пустой — runner не регистрируется (lambda).
	AdvertiseURL    string
	ShutdownTimeout time.Duration
}

// LoadRunner читает настройки runner'а.
func LoadRunner() Runner {
	return Runner{
		Port:               getEnv("PORT", getEnv("RUNNER_PORT", "8090")),
		NodeID:             getEnv("NODE_ID", ""),
		APIURL:             getEnv("FLEET_API_URL", "http://localhost:8080"),
		GroupKey:           getEnv("RUNNER_GROUP_KEY", "default"),
		Concurrency:        getEnvInt("RUNNER_CONCURRENCY", 4),
		PollInterval:       getEnvDuration("RUNNER_POLL_INTERVAL", time.Second),
		DequeueWait:        getEnvDuration("RUNNER_DEQUEUE_WAIT", 10*time.Second),
		HeartbeatInterval:  getEnvDuration("RUNNER_HEARTBEAT_INTERVAL", 30*time.Second),
		StateCheckInterval: getEnvDuration("RUNNER_STATE_CHECK_INTERVAL", 10*time.Second),
		IdleReportInterval: getEnvDuration("RUNNER_IDLE_REPORT_INTERVAL", time.Minute),
		WebhookURL:         getEnv("RUNNER_WEBHOOK_URL", ""),
		WebhookTimeout:     getEnvDuration("RUNNER_WEBHOOK_TIMEOUT", 5*time.Minute),
		AdvertiseURL:       getEnv("RUNNER_ADVERTISE_URL", ""),
		ShutdownTimeout:    getEnvDuration("RUNNER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvFields разбивает значение по пробелам (команда с аргументами).
func getEnvFields(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		if fields := strings.Fields(v); len(fields) > 0 {
			return fields
		}
	}
	return def
}
