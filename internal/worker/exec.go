package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// Result — итог обработки заявки.
type Result string

const (
	// ResultDone — job завершён успешно.
	ResultDone Result = "done"

	// ResultFailed — job упал; ошибка записана в его метаданные.
	ResultFailed Result = "failed"

	// ResultRejected — заявку нельзя выполнить (DLQ).
	ResultRejected Result = "rejected"

	// ResultRequeued — обработка прервана, заявка вернётся в очередь.
	ResultRequeued Result = "requeued"
)

// Execute восстанавливает job из заявки и выполняет его целиком.
//
// Ошибка job возвращается вместе с ResultFailed: статус и исключение
// уже записаны в метаданные, оркестратор прочитает их сам.
func Execute(ctx context.Context, registry *engine.Registry, sub *batch.Submission) (Result, error) {
	if err := sub.Validate(); err != nil {
		return ResultRejected, err
	}
	if sub.Root != "" && filepath.Clean(sub.Root) != filepath.Clean(registry.Root()) {
		return reject(registry, sub, fmt.Errorf("%w: %s != %s", ErrRootMismatch, sub.Root, registry.Root()))
	}

	job, err := registry.BuildSpec(sub.Spec())
	if err != nil {
		return reject(registry, sub, fmt.Errorf("rebuild job: %w", err))
	}
	if job.Path() != sub.Path {
		return reject(registry, sub, fmt.Errorf("%w: %s != %s", ErrPathMismatch, job.Path(), sub.Path))
	}

	logger := telemetry.WithJob(registry.Logger(), job.Identity()).With("submission", sub.ID)
	if sub.Batch != "" {
		logger = telemetry.WithBatch(logger, sub.Batch)
	}
	logger.Info("executing submission", "members", len(sub.Members))

	if _, err := job.Run(telemetry.WithLogger(ctx, logger), engine.Materialize()); err != nil {
		if ctx.Err() != nil && engine.IsCancellation(err) {
			return ResultRequeued, err
		}
		return ResultFailed, err
	}
	return ResultDone, nil
}

// reject отклоняет заявку и, если её путь результата лежит под корнем
// заявки, записывает job упавшим, чтобы отправитель не ждал его вечно.
// Уже начатый job не трогается.
func reject(registry *engine.Registry, sub *batch.Submission, err error) (Result, error) {
	if !resultPathOK(sub) {
		return ResultRejected, err
	}

	cause := &engine.SemanticError{Message: fmt.Sprintf("submission %s rejected: %v", sub.ID, err), Err: err}
	marked, ferr := registry.FailPending(sub.Path, cause)
	switch {
	case ferr != nil:
		registry.Logger().Warn("record rejected submission failed", "submission", sub.ID, "path", sub.Path, "error", ferr)
	case marked:
		registry.Logger().Warn("submission rejected, job marked failed", "submission", sub.ID, "path", sub.Path, "error", err)
	}
	return ResultRejected, err
}

// resultPathOK проверяет, что путь результата абсолютный, лежит под
// корнем заявки и его директория существует.
func resultPathOK(sub *batch.Submission) bool {
	if sub.Root == "" || !filepath.IsAbs(sub.Path) {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(sub.Root), filepath.Clean(sub.Path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	_, err = os.Stat(filepath.Dir(sub.Path))
	return err == nil
}

// ExecSubmission выполняет заявку из файла. Используется командой
// `stepflow job exec` внутри внешней batch-системы.
func ExecSubmission(ctx context.Context, registry *engine.Registry, path string) error {
	sub, err := batch.ReadSubmission(path)
	if err != nil {
		return err
	}
	_, err = Execute(ctx, registry, sub)
	return err
}

// disposition переводит итог обработки в ответ consumer'у.
func disposition(res Result, err error) error {
	switch res {
	case ResultDone, ResultFailed:
		return nil
	case ResultRejected:
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	default:
		if err == nil {
			err = errors.New("submission interrupted")
		}
		return err
	}
}
