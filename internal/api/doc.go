// Package api содержит HTTP API только для чтения.
//
// Структура:
//   - handler.go     — Handler с DI (реестр, индекс, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (request id, logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects
//   - task_handler.go — обработчики для /tasks
//   - job_handler.go  — обработчики для /jobs
//
// Job адресуются как в CLI: workflow и задача в пути, входы
// параметрами запроса. Состояние читается из файлов метаданных,
// /jobs без параметров читает индекс в Postgres.
package api
