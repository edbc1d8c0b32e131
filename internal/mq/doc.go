// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Используется batch-системой amqp: оркестратор публикует заявку
// (batch.Submission), воркер её потребляет, выполняет job и пишет
// метаданные в общий корень. Результат через очередь не возвращается:
// оркестратор видит его в метаданных job.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect с backoff, graceful shutdown)
//   - topology.go   — exchanges, quorum-очередь заявок с x-delivery-limit, DLQ
//   - publisher.go  — публикация с ожиданием publisher confirm
//   - consumer.go   — потребление с ack/nack и номером доставки
//
// Типы сообщений:
//   - job.submitted — заявка на выполнение job
//
// Exchanges:
//   - stepflow.jobs — заявки
//   - stepflow.dlq  — dead letter queue
package mq
