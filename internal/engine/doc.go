// Package engine содержит модель задач и job.
//
// Включает:
//   - task.go     — Task, Input, Dependency и приведение типов входов
//   - validate.go — валидация описаний задач
//   - registry.go — Workflow и Registry: фабрика job с мемоизацией
//   - identity.go — хэш идентичности job
//   - job.go      — Job: машина состояний, результат, очистка
//   - wait.go     — ожидание изменений метаданных (fsnotify + backoff)
//   - errors.go   — классы ошибок (semantic / system / cancellation)
//
// Идентичность job — workflow/task/name и, если какой-либо вход или
// зависимость отличается от умолчания, хэш входов и зависимостей.
// Идентичность однозначно задаёт путь результата:
//
//	<root>/<workflow>/<task>/<name>[_<hash>][.<ext>]
//
// Рядом лежат метаданные (<path>.info), lock-файл (<path>.info.lock) и
// вспомогательная директория (<path>.files/). Каждый переход статуса
// записывается в метаданные до того, как считается совершённым.
package engine
