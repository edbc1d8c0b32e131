package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// tickKind — результат одного шага цикла.
type tickKind int

const (
	// tickOK — шаг выполнен, ждать следующего тика.
	tickOK tickKind = iota

	// tickRetry — batch очищен для повтора, начать шаг заново сразу.
	tickRetry

	// tickNoWork — нет кандидатов и занятых ресурсов.
	tickNoWork
)

type tickResult struct {
	kind  tickKind
	batch *Batch
}

// step выполняет один шаг цикла диспетчеризации.
func (o *Orchestrator) step(ctx context.Context, st *runState) tickResult {
	candidates := st.candidates()
	if len(candidates) == 0 {
		if !st.res.holding() && !st.finished() {
			return tickResult{kind: tickNoWork}
		}
		return tickResult{kind: tickOK}
	}

	for _, b := range candidates {
		if res := o.handle(ctx, st, b); res.kind != tickOK {
			return res
		}
	}
	return tickResult{kind: tickOK}
}

// handle обрабатывает одного кандидата.
func (o *Orchestrator) handle(ctx context.Context, st *runState, b *Batch) tickResult {
	d := st.dispatched[b]
	if d != nil && d.local {
		if finished, _ := d.finished(); !finished {
			return tickResult{kind: tickOK}
		}
	}

	status := b.Top.Status()
	switch {
	case status == domain.StatusDone && b.Top.Updated():
		o.handleDone(ctx, st, b)
	case status.IsFailed():
		return o.handleFailure(ctx, st, b, b.Top.Err())
	case status.IsActive():
		// Выполняется (здесь, удалённо или другим процессом).
	case d != nil:
		if finished, err := d.finished(); finished {
			if err == nil {
				err = fmt.Errorf("%w: %s is %s", ErrLostJob, b.ID, status)
			}
			return o.handleFailure(ctx, st, b, err)
		}
		// Отправлен, удалённая сторона ещё не начала.
	default:
		o.admit(ctx, st, b)
	}
	return tickResult{kind: tickOK}
}

// handleDone освобождает ресурсы завершённого batch и стирает
// промежуточные результаты, которые больше никому не нужны.
func (o *Orchestrator) handleDone(ctx context.Context, st *runState, b *Batch) {
	deploy := b.Deploy()
	if d := st.dispatched[b]; d != nil {
		deploy = d.deploy
		o.metrics.BatchFinished(deploy)
	}
	o.release(st, b)
	delete(st.dispatched, b)
	st.complete(b)

	telemetry.WithBatch(o.logger, b.ID).Info("batch done", "deploy", deploy, "jobs", len(b.Jobs))

	for _, u := range b.upstream {
		o.maybeErase(ctx, st, u)
	}
}

// handleFailure очищает batch для единственного повтора или помечает
// его окончательно упавшим. Batch, упавший до запуска, не повторяется.
func (o *Orchestrator) handleFailure(ctx context.Context, st *runState, b *Batch, err error) tickResult {
	logger := telemetry.WithBatch(o.logger, b.ID)
	deploy := b.Deploy()
	if d := st.dispatched[b]; d != nil {
		deploy = d.deploy
	}

	o.release(st, b)
	delete(st.dispatched, b)

	if engine.IsRecoverable(err) && !st.retried[b] && !st.stale[b] {
		st.retried[b] = true
		logger.Warn("batch failed, retrying", "error", err)
		for _, j := range b.Jobs {
			if !j.Status().IsFailed() {
				continue
			}
			if cerr := j.Clean(ctx); cerr != nil {
				logger.Error("clean before retry failed", "job", j.Identity(), "error", cerr)
			}
		}
		o.metrics.BatchRetried()
		return tickResult{kind: tickRetry, batch: b}
	}

	st.fail(b, err)
	o.metrics.BatchFailed(deploy)
	logger.Error("batch failed",
		"recoverable", engine.IsRecoverable(err),
		"retried", st.retried[b],
		"failed_before_run", st.stale[b],
		"error", err,
	)
	return tickResult{kind: tickOK}
}

// admit резервирует ресурсы и отправляет batch, если запрос помещается.
func (o *Orchestrator) admit(ctx context.Context, st *runState, b *Batch) {
	req := st.requests[b]
	if key, over := st.res.exceeds(req); over {
		err := &engine.SemanticError{
			Message: fmt.Sprintf("batch %s requests %s=%v, capacity %v", b.ID, key, req[key], o.capacity[key]),
			Err:     ErrExceedsCapacity,
		}
		st.fail(b, err)
		o.metrics.BatchFailed(b.Deploy())
		telemetry.WithBatch(o.logger, b.ID).Error("batch failed", "error", err)
		return
	}
	if !st.res.fits(req) {
		return
	}

	st.res.reserve(b, req)
	o.reportReserved(st)
	o.dispatch(ctx, st, b, req)
}

// dispatch отправляет batch на выполнение по правилу deploy.
func (o *Orchestrator) dispatch(ctx context.Context, st *runState, b *Batch, req Resources) {
	deploy := b.Deploy()
	logger := telemetry.WithBatch(o.logger, b.ID)

	if deploy == DeployLocal {
		d := newDispatch(deploy, true)
		st.dispatched[b] = d
		o.metrics.BatchDispatched(deploy)
		logger.Info("batch dispatched", "deploy", deploy, "jobs", len(b.Jobs), "resources", req)

		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			defer st.signal()
			_, err := b.Top.Run(telemetry.WithLogger(ctx, logger), engine.Materialize())
			d.finish(err)
		}()
		return
	}

	d := newDispatch(deploy, false)
	st.dispatched[b] = d

	sys, err := o.systems.Get(deploy)
	if err != nil {
		d.finish(&engine.SemanticError{Message: fmt.Sprintf("deploy %q: %v", deploy, err), Err: err})
		return
	}

	opts := batch.Options{
		Batch:     b.ID,
		Rules:     b.Rules,
		Resources: req,
		Members:   b.Members(),
	}
	externalID, workDir, err := sys.Submit(ctx, b.Top, opts)
	if err != nil {
		d.finish(err)
		return
	}
	d.externalID = externalID

	if err := b.Top.MarkSubmitted(ctx, externalID, workDir); err != nil {
		logger.Warn("record submission failed", "error", err)
	}
	o.metrics.BatchDispatched(deploy)
	logger.Info("batch submitted",
		"deploy", deploy,
		"external_id", externalID,
		"work_dir", workDir,
		"jobs", len(b.Jobs),
		"resources", req,
	)
}

// release освобождает ресурсы batch.
func (o *Orchestrator) release(st *runState, b *Batch) {
	if st.res.release(b) {
		o.reportReserved(st)
	}
}

func (o *Orchestrator) reportReserved(st *runState) {
	for _, key := range st.res.capacity.Keys() {
		o.metrics.ResourceReserved(key, st.res.reserved[key])
	}
}

// maybeErase стирает результаты batch u с правилом erase, если все
// зависимые от него batch завершены. Метаданные стёртых job
// сохраняются в зависимых job.
func (o *Orchestrator) maybeErase(ctx context.Context, st *runState, u *Batch) {
	if st.erased[u] || u.Seed || !st.done[u] || !u.Rules.Bool(rules.KeyErase, false) {
		return
	}
	for _, down := range st.downstream[u] {
		if !st.done[down] {
			return
		}
	}
	st.erased[u] = true

	logger := telemetry.WithBatch(o.logger, u.ID)
	for _, m := range u.Jobs {
		for _, dep := range st.dependentsOf(m) {
			if u.Contains(dep) {
				continue
			}
			if err := dep.Archive(ctx, m); err != nil {
				logger.Warn("archive metadata failed", "job", m.Identity(), "into", dep.Identity(), "error", err)
			}
		}
		if err := m.Clean(ctx); err != nil {
			logger.Warn("erase failed", "job", m.Identity(), "error", err)
		}
	}
	logger.Info("batch outputs erased", "jobs", len(u.Jobs))
}
