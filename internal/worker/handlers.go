package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/mq"
)

// handleSubmitted обрабатывает сообщение из очереди jobs.submitted.
func (w *Worker) handleSubmitted(ctx context.Context, delivery *mq.Delivery) error {
	if delivery.Message.Type != mq.MessageTypeJobSubmitted {
		w.metrics.SubmissionProcessed(string(ResultRejected))
		return fmt.Errorf("%w: unexpected message type %q", mq.ErrReject, delivery.Message.Type)
	}

	sub, err := mq.ParsePayload[batch.Submission](&delivery.Message)
	if err != nil {
		w.metrics.SubmissionProcessed(string(ResultRejected))
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}

	w.logger.Debug("received submission",
		"submission", sub.ID,
		"message_id", delivery.Message.ID,
		"workflow", sub.Workflow,
		"task", sub.Task,
	)

	res, err := Execute(ctx, w.registry, &sub)
	w.metrics.SubmissionProcessed(string(res))

	switch res {
	case ResultDone:
		w.logger.Info("submission done", "submission", sub.ID, "path", sub.Path)
	case ResultFailed:
		w.logger.Warn("submission failed", "submission", sub.ID, "path", sub.Path, "error", err)
	default:
		w.logger.Error("submission not executed", "submission", sub.ID, "result", res, "error", err)
	}
	return disposition(res, err)
}
