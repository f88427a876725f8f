// Package telemetry — логирование и метрики сервисов.
//
// SetupLogger настраивает slog по LOG_LEVEL и LOG_FORMAT. Prometheus
// collectors регистрируются через promauto при импорте пакета и
// отдаются MetricsHandler на /metrics каждого бинарника.
package telemetry
