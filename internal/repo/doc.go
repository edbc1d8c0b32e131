// Package repo хранит метаданные job.
//
// Источник истины — файл <path>.info рядом с результатом job (JSON).
// Запись выполняется атомарно (временный файл + rename) под
// advisory-блокировкой flock(2) на <path>.info.lock, поэтому
// метаданные одного job безопасно обновлять из разных горутин и
// процессов (оркестратор, воркеры, `stepflow job exec`).
//
// JobIndex — необязательный индекс в Postgres (pgx): дублирует
// последние переходы статусов для быстрых выборок по всем job.
package repo
