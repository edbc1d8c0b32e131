// Package batch описывает внешние batch-системы, которым оркестратор
// передаёт выполнение batch.
//
// Контракт System.Submit возвращает внешний идентификатор и рабочую
// директорию; завершение видно только по метаданным job, которые
// пишет удалённая сторона (`stepflow job exec` или воркер AMQP).
//
// Реализации:
//   - exec.go — команда по шаблону вокруг сгенерированного скрипта
//     (sh, sbatch, qsub и т.п.)
//   - amqp.go — публикация заявки в RabbitMQ для stepflow-worker
//
// Заявка (Submission) сериализуется в JSON и содержит всё, чтобы
// построить job заново в другом процессе.
package batch
