// Package worker выполняет job, отправленные во внешнюю batch-систему.
//
// # Обзор
//
// Worker — удалённая сторона AMQP-бэкенда (batch.AMQPSystem) и команды
// `stepflow job exec`. Он получает заявку (batch.Submission),
// восстанавливает job через engine.Registry по (workflow, task, inputs),
// проверяет, что путь результата совпал, и выполняет job целиком.
// Статус и исключение записываются в метаданные общего корня, где их
// читает оркестратор.
//
// # Подтверждение сообщений
//
//   - job завершён или упал — ack (ошибка уже в метаданных)
//   - заявка некорректна или не восстанавливается — nack в DLQ
//   - обработка прервана остановкой воркера — nack с возвратом в очередь
//
// # Использование
//
//	w := worker.New(worker.Config{
//	    Registry: registry,
//	    Conn:     conn,
//	    Metrics:  metrics,
//	    Logger:   logger,
//	})
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
package worker
