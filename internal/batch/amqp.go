package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
)

// Publisher публикует JSON-сообщение и возвращает его идентификатор.
// Реализуется *mq.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange mq.Exchange, routingKey mq.RoutingKey, msgType mq.MessageType, payload any) (string, error)
}

// AMQPSystem передаёт job воркерам stepflow-worker через RabbitMQ.
//
// Внешний идентификатор — идентификатор сообщения. Воркеры должны
// видеть тот же корень результатов, что и оркестратор.
type AMQPSystem struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPSystem создаёт AMQPSystem.
func NewAMQPSystem(publisher Publisher, logger *slog.Logger) *AMQPSystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSystem{publisher: publisher, logger: logger}
}

// Submit публикует заявку в stepflow.jobs/jobs.submitted.
// Копия заявки сохраняется в рабочей директории job.
func (s *AMQPSystem) Submit(ctx context.Context, job *engine.Job, opts Options) (string, string, error) {
	workDir := workDirFor(job)
	sub := NewSubmission(job, opts)

	if _, err := WriteSubmission(workDir, sub); err != nil {
		return "", "", err
	}

	id, err := s.publisher.PublishJSON(ctx, mq.ExchangeJobs, mq.RoutingKeySubmitted, mq.MessageTypeJobSubmitted, sub)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	s.logger.Info("job published",
		"job", job.Identity(),
		"message_id", id,
		"submission", sub.ID,
	)
	return id, workDir, nil
}
