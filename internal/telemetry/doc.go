// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики оркестратора и переходов job
//
// Бинарники используют единый формат логирования; воркер и
// `stepflow run --metrics-addr` экспортируют метрики на /metrics.
package telemetry
