package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Stream — поток с набором поставщиков (горутин и процессов).
//
// Stream реализует io.ReadCloser. Все методы потокобезопасны.
type Stream struct {
	mu sync.Mutex

	r io.Reader

	feeders []*Feeder
	procs   []*process

	// pair — парный поток, получающий abort вместе с этим.
	pair *Stream

	callback      func() error
	abortCallback func(error)
	failCallback  func(error)

	// lock — внешняя блокировка, освобождаемая при join/abort.
	lock sync.Locker

	// logFn — источник последней строки лога для ProcessError.
	logFn func() string

	autoJoin bool
	noFail   bool

	aborted bool
	joined  bool
	closed  bool

	// err — первая захваченная ошибка.
	err error

	logger *slog.Logger
}

// Option — настройка Stream при Attach.
type Option func(s *Stream)

// WithFeeder добавляет горутину-поставщика.
func WithFeeder(f *Feeder) Option {
	return func(s *Stream) {
		if f != nil {
			s.feeders = append(s.feeders, f)
		}
	}
}

// WithProcess добавляет дочерний процесс.
func WithProcess(p *os.Process) Option {
	return func(s *Stream) {
		if p != nil {
			s.procs = append(s.procs, osProcess(p))
		}
	}
}

// WithCmd добавляет запущенную команду.
func WithCmd(cmd *exec.Cmd) Option {
	return func(s *Stream) {
		if cmd != nil && cmd.Process != nil {
			s.procs = append(s.procs, cmdProcess(cmd))
		}
	}
}

// WithCallback добавляет callback завершения.
// Новый callback оборачивает предыдущий: сначала выполняется старый.
func WithCallback(cb func() error) Option {
	return func(s *Stream) {
		if cb == nil {
			return
		}
		prev := s.callback
		if prev == nil {
			s.callback = cb
			return
		}
		s.callback = func() error {
			if err := prev(); err != nil {
				return err
			}
			return cb()
		}
	}
}

// WithAbortCallback добавляет callback прерывания (цепочкой, как WithCallback).
func WithAbortCallback(cb func(error)) Option {
	return func(s *Stream) {
		if cb == nil {
			return
		}
		prev := s.abortCallback
		if prev == nil {
			s.abortCallback = cb
			return
		}
		s.abortCallback = func(err error) {
			prev(err)
			cb(err)
		}
	}
}

// WithFailCallback добавляет callback неуспешного join (цепочкой).
// Не вызывается, если поток прерван: для этого есть abort callback.
func WithFailCallback(cb func(error)) Option {
	return func(s *Stream) {
		if cb == nil {
			return
		}
		prev := s.failCallback
		if prev == nil {
			s.failCallback = cb
			return
		}
		s.failCallback = func(err error) {
			prev(err)
			cb(err)
		}
	}
}

// WithPair связывает поток с парным.
func WithPair(pair *Stream) Option {
	return func(s *Stream) {
		if pair != s {
			s.pair = pair
		}
	}
}

// WithAutoJoin включает join по EOF и по Close.
func WithAutoJoin(autoJoin bool) Option {
	return func(s *Stream) { s.autoJoin = autoJoin }
}

// WithNoFail подавляет ошибки процессов при join.
func WithNoFail(noFail bool) Option {
	return func(s *Stream) { s.noFail = noFail }
}

// WithLock задаёт блокировку, которую держит владелец потока.
// Она будет освобождена при join или abort.
func WithLock(lock sync.Locker) Option {
	return func(s *Stream) { s.lock = lock }
}

// WithLog задаёт источник последней строки лога процесса.
func WithLog(fn func() string) Option {
	return func(s *Stream) { s.logFn = fn }
}

// WithLogger задаёт логгер для вторичных ошибок.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Attach оборачивает r в Stream и применяет опции.
//
// Если r уже является *Stream, опции применяются к нему же: списки
// поставщиков дополняются, callbacks выстраиваются в цепочку.
func Attach(r io.Reader, opts ...Option) *Stream {
	s, ok := r.(*Stream)
	if !ok {
		s = &Stream{r: r, logger: slog.Default()}
	}

	s.mu.Lock()
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Unlock()

	return s
}

// Go запускает горутину-поставщика, привязанную к потоку.
func (s *Stream) Go(fn func(ctx context.Context) error) *Feeder {
	f := StartFeeder(context.Background(), fn)
	s.mu.Lock()
	s.feeders = append(s.feeders, f)
	s.mu.Unlock()
	return f
}

// Read читает из потока.
//
// Ошибка чтения захватывается и возвращается. При auto-join EOF
// запускает Join; ошибка Join возвращается вместо EOF.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == nil {
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		autoJoin := s.autoJoin
		s.mu.Unlock()

		if autoJoin {
			if jerr := s.Join(); jerr != nil {
				return n, jerr
			}
		}
		return n, err
	}

	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	captured := s.err
	s.mu.Unlock()

	return n, captured
}

// Close закрывает поток.
//
// Ошибка закрытия прерывает поток (Abort), затем выполняется Join,
// и ошибка возвращается. При auto-join закрытие запускает Join; его
// ошибка тоже прерывает поток.
func (s *Stream) Close() error {
	if err := s.closeReader(); err != nil {
		s.Abort(err)
		if jerr := s.Join(); jerr != nil && !errors.Is(jerr, err) {
			s.logger.Warn("stream join after close failure", "error", jerr)
		}
		return err
	}

	s.mu.Lock()
	autoJoin := s.autoJoin
	s.mu.Unlock()

	if autoJoin {
		if err := s.Join(); err != nil {
			s.Abort(err)
			return err
		}
	}
	return nil
}

// closeReader закрывает исходный reader ровно один раз.
func (s *Stream) closeReader() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.r
	s.mu.Unlock()

	if c, ok := r.(io.Closer); ok {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}
	return nil
}

// Join ждёт всех поставщиков потока.
//
//  1. Ждёт все горутины; ProcessError поднимается (кроме режима no-fail)
//  2. Ждёт все процессы; ECHILD — процесс уже собран
//  3. Возвращает ранее захваченную ошибку, если есть
//  4. Вызывает callback завершения ровно один раз (при ошибке — fail callback)
//  5. Закрывает поток, помечает joined (всегда), освобождает lock
func (s *Stream) Join() (err error) {
	s.mu.Lock()
	if s.joined {
		captured := s.err
		s.mu.Unlock()
		return captured
	}
	feeders := append([]*Feeder(nil), s.feeders...)
	procs := append([]*process(nil), s.procs...)
	noFail := s.noFail
	logFn := s.logFn
	s.mu.Unlock()

	defer s.finishJoin()

	var joinErr error

	for _, f := range feeders {
		ferr := f.Wait()
		if ferr == nil || joinErr != nil {
			continue
		}
		var pe *ProcessError
		if errors.As(ferr, &pe) {
			if !noFail {
				joinErr = ferr
			}
			continue
		}
		if errors.Is(ferr, context.Canceled) {
			// Отмена приходит только из Abort — причина уже захвачена.
			continue
		}
		joinErr = ferr
	}

	for _, p := range procs {
		perr := p.wait()
		if perr == nil || joinErr != nil || noFail {
			continue
		}
		msg := ""
		if logFn != nil {
			msg = logFn()
		}
		joinErr = &ProcessError{PID: p.pid, Message: msg, Err: perr}
	}

	s.mu.Lock()
	if s.err == nil && joinErr != nil {
		s.err = joinErr
	}
	captured := s.err
	cb := s.callback
	failCb := s.failCallback
	s.callback = nil
	s.failCallback = nil
	s.mu.Unlock()

	if captured != nil {
		s.closeQuietly()
		if failCb != nil {
			failCb(captured)
		}
		return captured
	}

	if cb != nil {
		if cerr := cb(); cerr != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = cerr
			}
			s.mu.Unlock()
			s.closeQuietly()
			if failCb != nil {
				failCb(cerr)
			}
			return cerr
		}
	}

	return s.closeReader()
}

// finishJoin помечает поток joined и освобождает lock.
func (s *Stream) finishJoin() {
	s.mu.Lock()
	s.joined = true
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

// closeQuietly закрывает поток, логируя вторичные ошибки.
func (s *Stream) closeQuietly() {
	if err := s.closeReader(); err != nil {
		s.logger.Debug("stream close failed", "error", err)
	}
}

// Abort прерывает поток.
//
// Повторный вызов ничего не делает. Первая ошибка сохраняется
// (ErrAborted, если cause == nil). Поставщики-горутины получают отмену
// и ожидаются. Процессы получают SIGINT и собираются в фоне. Парный
// поток тоже прерывается.
func (s *Stream) Abort(cause error) {
	s.abort(cause, true)
}

// abort прерывает поток; withPair — прерывать ли парный поток.
func (s *Stream) abort(cause error, withPair bool) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	if cause == nil {
		cause = ErrAborted
	}
	if s.err == nil {
		s.err = cause
	}
	cause = s.err
	abortCb := s.abortCallback
	feeders := append([]*Feeder(nil), s.feeders...)
	procs := append([]*process(nil), s.procs...)
	pair := s.pair
	s.callback = nil
	s.abortCallback = nil
	s.failCallback = nil
	r := s.r
	s.mu.Unlock()

	if abortCb != nil {
		abortCb(cause)
	}

	for _, f := range feeders {
		f.Cancel()
	}

	// Закрываем reader, чтобы разблокировать поставщиков, пишущих в pipe.
	if pr, ok := r.(*io.PipeReader); ok {
		_ = pr.CloseWithError(cause)
	}
	s.closeQuietly()

	for _, p := range procs {
		if err := p.signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("stream process interrupt failed", "pid", p.pid, "error", err)
		}
		p.reap()
	}

	// Парный поток прерывается до ожидания горутин: они могут читать из него.
	if withPair && pair != nil && !pair.Aborted() {
		pair.Abort(cause)
	}

	for _, f := range feeders {
		if ferr := f.Wait(); ferr != nil && !errors.Is(ferr, context.Canceled) && !errors.Is(ferr, cause) {
			s.logger.Debug("stream feeder failed during abort", "error", ferr)
		}
	}

	s.mu.Lock()
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}

// Aborted возвращает true, если поток прерван.
func (s *Stream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Joined возвращает true, если Join уже выполнен.
func (s *Stream) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Err возвращает захваченную ошибку.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pair возвращает парный поток.
func (s *Stream) Pair() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair
}

// Process выполняет fn над потоком.
//
// Поток всегда закрывается и присоединяется. При ошибке fn (в том
// числе отмене) поток прерывается, если ещё не прерван, и ошибка
// возвращается.
func Process(s *Stream, fn func(s *Stream) error) error {
	if err := fn(s); err != nil {
		if !s.Aborted() {
			s.Abort(err)
		}
		if jerr := s.Join(); jerr != nil && !errors.Is(jerr, err) {
			s.logger.Warn("stream join after failure", "error", jerr)
		}
		return err
	}

	if err := s.Close(); err != nil {
		return err
	}
	return s.Join()
}
