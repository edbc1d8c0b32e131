// Package orchestrator доводит seed job до завершения в рамках
// бюджета ресурсов.
//
// Этапы:
//   - WorkloadGraph — незавершённые зависимости каждого достижимого job
//   - JobChains     — группировка job по цепочкам из правил
//   - JobBatches    — batch на цепочку или одиночный job, сводные правила,
//     минимальные зависимости между batch, свёртка skip
//   - ProcessJobs   — цикл диспетчеризации с тиком (1s по умолчанию)
//
// Цикл диспетчеризации — одна горутина; она же единственный владелец
// таблицы резерва ресурсов. Batch выполняются локально (горутина) или
// передаются внешней batch-системе по правилу deploy. Завершение
// внешнего batch видно по метаданным его верхнего job.
//
// Изоляция ошибок: окончательно упавший batch не прерывает остальные;
// зависящие от него batch остаются без кандидатов, и цикл завершается.
// ErrNoWork — отдельное условие "граф застрял", не ошибка задачи.
package orchestrator
