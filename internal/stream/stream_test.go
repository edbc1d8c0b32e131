package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// --- Join Tests ---

func TestProduce_AutoJoinRunsCallbackOnce(t *testing.T) {
	calls := 0
	s := Produce(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "hello")
		return err
	}, WithAutoJoin(true), WithCallback(func() error {
		calls++
		return nil
	}))

	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	if !s.Joined() {
		t.Error("stream should be joined after EOF")
	}

	if err := s.Join(); err != nil {
		t.Errorf("second join: unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected callback once, got %d", calls)
	}
}

func TestAttach_ChainsCallbacks(t *testing.T) {
	var order []string
	s := Attach(strings.NewReader(""), WithCallback(func() error {
		order = append(order, "first")
		return nil
	}))

	again := Attach(s, WithCallback(func() error {
		order = append(order, "second")
		return nil
	}))
	if again != s {
		t.Fatal("attach to a stream should return the same stream")
	}

	if err := s.Join(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("expected first,second, got %v", order)
	}
}

func TestJoin_FeederErrorSkipsCallback(t *testing.T) {
	boom := errors.New("boom")
	called := false
	s := Produce(func(ctx context.Context, w io.Writer) error {
		return boom
	}, WithCallback(func() error {
		called = true
		return nil
	}))

	_, _ = io.ReadAll(s)
	err := s.Join()
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if called {
		t.Error("callback should not run on failure")
	}
	if !s.Joined() {
		t.Error("stream should be joined even on failure")
	}
}

func TestJoin_ProcessErrorNoFail(t *testing.T) {
	failing := func(ctx context.Context) error {
		return &ProcessError{Message: "bad exit"}
	}

	strict := Attach(strings.NewReader(""))
	strict.Go(failing)
	var pe *ProcessError
	if err := strict.Join(); !errors.As(err, &pe) {
		t.Errorf("expected ProcessError, got %v", err)
	}

	tolerant := Attach(strings.NewReader(""), WithNoFail(true))
	tolerant.Go(failing)
	if err := tolerant.Join(); err != nil {
		t.Errorf("no-fail stream: unexpected error: %v", err)
	}
}

func TestJoin_ReleasesLock(t *testing.T) {
	var mu sync.Mutex
	mu.Lock()

	s := Attach(strings.NewReader(""), WithLock(&mu))
	if err := s.Join(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mu.TryLock() {
		t.Error("lock should be released after join")
	}
}

// --- Abort Tests ---

func TestAbort_Idempotent(t *testing.T) {
	var causes []error
	s := Attach(strings.NewReader("x"), WithAbortCallback(func(err error) {
		causes = append(causes, err)
	}))

	s.Abort(nil)
	s.Abort(errors.New("later"))

	if len(causes) != 1 {
		t.Fatalf("expected abort callback once, got %d", len(causes))
	}
	if !errors.Is(causes[0], ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", causes[0])
	}
	if !errors.Is(s.Err(), ErrAborted) {
		t.Errorf("expected first error kept, got %v", s.Err())
	}
	if err := s.Join(); !errors.Is(err, ErrAborted) {
		t.Errorf("join after abort: expected ErrAborted, got %v", err)
	}
}

func TestAbort_PairAbortedOnce(t *testing.T) {
	var first, second int
	a := Attach(strings.NewReader("a"), WithAbortCallback(func(error) { first++ }))
	b := Attach(strings.NewReader("b"), WithPair(a), WithAbortCallback(func(error) { second++ }))
	Attach(a, WithPair(b))

	b.Abort(nil)
	a.Abort(nil)
	b.Abort(nil)

	if !a.Aborted() || !b.Aborted() {
		t.Fatal("both streams should be aborted")
	}
	if first != 1 || second != 1 {
		t.Errorf("expected one abort callback each, got %d and %d", first, second)
	}
}

func TestAbort_UnblocksWriter(t *testing.T) {
	s := Produce(func(ctx context.Context, w io.Writer) error {
		chunk := bytes.Repeat([]byte("x"), 1024)
		for {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	})

	cause := errors.New("consumer gone")
	s.Abort(cause)

	if err := s.Join(); !errors.Is(err, cause) {
		t.Errorf("expected abort cause, got %v", err)
	}
}

func TestAbort_ReleasesLockOnce(t *testing.T) {
	var mu sync.Mutex
	mu.Lock()

	s := Attach(strings.NewReader(""), WithLock(&mu))
	s.Abort(nil)
	_ = s.Join()

	if !mu.TryLock() {
		t.Error("lock should be released after abort")
	}
}

// --- Helpers Tests ---

func TestProcess_FailureAborts(t *testing.T) {
	s := Produce(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "abc")
		return err
	})

	failed := errors.New("consumer failed")
	err := Process(s, func(s *Stream) error {
		return failed
	})
	if !errors.Is(err, failed) {
		t.Errorf("expected consumer error, got %v", err)
	}
	if !s.Aborted() {
		t.Error("stream should be aborted")
	}
	if !s.Joined() {
		t.Error("stream should be joined")
	}
}

func TestProcess_Success(t *testing.T) {
	s := Produce(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "abc")
		return err
	})

	var buf bytes.Buffer
	err := Process(s, func(s *Stream) error {
		_, err := io.Copy(&buf, s)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "abc" {
		t.Errorf("expected abc, got %q", buf.String())
	}
}

func TestTee_CopiesAndJoinsSource(t *testing.T) {
	src := Produce(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "payload")
		return err
	})

	var copied bytes.Buffer
	out := Tee(src, &copied)

	data, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := out.Join(); err != nil {
		t.Fatalf("join: unexpected error: %v", err)
	}

	if string(data) != "payload" {
		t.Errorf("expected payload, got %q", data)
	}
	if copied.String() != "payload" {
		t.Errorf("expected tee copy payload, got %q", copied.String())
	}
	if !src.Joined() {
		t.Error("source should be joined")
	}
}

func TestTee_AbortPropagatesToSource(t *testing.T) {
	src := Produce(func(ctx context.Context, w io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	})
	out := Tee(src, io.Discard)

	out.Abort(nil)

	if !src.Aborted() {
		t.Error("source should be aborted with tee")
	}
}

func TestTee_EarlyCloseReleasesSource(t *testing.T) {
	exited := make(chan struct{})
	src := Produce(func(ctx context.Context, w io.Writer) error {
		defer close(exited)
		chunk := bytes.Repeat([]byte("x"), 512)
		for {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	})
	out := Tee(src, io.Discard, WithAutoJoin(true))

	buf := make([]byte, 10)
	if _, err := io.ReadFull(out, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := out.Close(); err == nil {
		t.Error("closing an unfinished tee should report an error")
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("source producer still blocked after tee close")
	}
	if !src.Aborted() || !src.Joined() {
		t.Errorf("source should be aborted and joined, got aborted=%v joined=%v", src.Aborted(), src.Joined())
	}
	if !out.Aborted() {
		t.Error("failed auto-join on close should abort the tee")
	}
}

func TestFromCmd(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Run("success", func(t *testing.T) {
		s, err := FromCmd(exec.Command("sh", "-c", "echo hello"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data, err := io.ReadAll(s)
		if err != nil {
			t.Fatalf("read: unexpected error: %v", err)
		}
		if err := s.Join(); err != nil {
			t.Fatalf("join: unexpected error: %v", err)
		}
		if string(data) != "hello\n" {
			t.Errorf("expected hello, got %q", data)
		}
	})

	t.Run("failure carries last stderr line", func(t *testing.T) {
		s, err := FromCmd(exec.Command("sh", "-c", "echo out; echo first >&2; echo oops >&2; exit 3"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, _ = io.ReadAll(s)

		var pe *ProcessError
		if err := s.Join(); !errors.As(err, &pe) {
			t.Fatalf("expected ProcessError, got %v", err)
		}
		if pe.Message != "oops" {
			t.Errorf("expected last stderr line oops, got %q", pe.Message)
		}
	})

	t.Run("no-fail", func(t *testing.T) {
		s, err := FromCmd(exec.Command("sh", "-c", "exit 1"), WithNoFail(true))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, _ = io.ReadAll(s)
		if err := s.Join(); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}

func TestAbort_ReapsProcess(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	s, err := FromCmd(exec.Command("sleep", "30"))
	if err != nil {
		t.Fatal(err)
	}
	pid := s.procs[0].pid
	s.Abort(nil)

	// Зомби отвечает на сигнал 0, собранный процесс — нет.
	deadline := time.Now().Add(5 * time.Second)
	for unix.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("process %d not reaped after abort", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTailWriter_LastLine(t *testing.T) {
	w := &tailWriter{}
	_, _ = w.Write([]byte("one\ntwo\n\n"))
	if w.Last() != "two" {
		t.Errorf("expected two, got %q", w.Last())
	}
	_, _ = w.Write([]byte("thr"))
	if w.Last() != "thr" {
		t.Errorf("expected partial line thr, got %q", w.Last())
	}
}
