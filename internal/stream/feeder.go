package stream

import (
	"context"
	"fmt"
)

// Feeder — фоновая горутина, наполняющая (или вычитывающая) поток.
//
// Отмена передаётся через context: Cancel отменяет контекст функции,
// Wait блокируется до её завершения.
type Feeder struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartFeeder запускает fn в отдельной горутине.
// Паника внутри fn превращается в ошибку ErrFeederPanic.
func StartFeeder(ctx context.Context, fn func(ctx context.Context) error) *Feeder {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feeder{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: %v", ErrFeederPanic, r)
			}
		}()
		f.err = fn(ctx)
	}()

	return f
}

// Cancel передаёт сигнал отмены в горутину.
func (f *Feeder) Cancel() {
	f.cancel()
}

// Wait ждёт завершения горутины и возвращает её ошибку.
func (f *Feeder) Wait() error {
	<-f.done
	return f.err
}

// Done возвращает канал, закрываемый по завершении горутины.
func (f *Feeder) Done() <-chan struct{} {
	return f.done
}
