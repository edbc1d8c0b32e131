package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Pipe создаёт поток поверх io.Pipe.
// Запись в writer наполняет поток; writer закрывает вызывающий.
func Pipe(opts ...Option) (*Stream, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return Attach(pr, opts...), pw
}

// Produce создаёт поток, который наполняет fn в отдельной горутине.
//
// Ошибка fn закрывает writer с этой ошибкой и возвращается из Join.
func Produce(fn func(ctx context.Context, w io.Writer) error, opts ...Option) *Stream {
	s, pw := Pipe(opts...)
	s.Go(func(ctx context.Context) error {
		err := fn(ctx, pw)
		_ = pw.CloseWithError(err)
		return err
	})
	return s
}

// FromCmd запускает команду и возвращает поток её stdout.
//
// Последняя непустая строка stderr попадает в ProcessError при
// ненулевом коде выхода.
func FromCmd(cmd *exec.Cmd, opts ...Option) (*Stream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	tail := &tailWriter{}
	if cmd.Stderr == nil {
		cmd.Stderr = tail
	} else {
		cmd.Stderr = io.MultiWriter(cmd.Stderr, tail)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	all := append([]Option{WithCmd(cmd), WithLog(tail.Last)}, opts...)
	return Attach(stdout, all...), nil
}

// Tee возвращает поток, дублирующий src в w.
//
// Чтение результата вычитывает src, одновременно записывая данные в w.
// По завершении копирования src закрывается и присоединяется. Потоки
// связаны парой: abort любого из них прерывает второй.
//
// Если копирование оборвалось (результат закрыт раньше времени или src
// упал), src прерывается и присоединяется, чтобы его поставщики не
// зависли на записи.
func Tee(src *Stream, w io.Writer, opts ...Option) *Stream {
	pr, pw := io.Pipe()
	out := Attach(pr, append([]Option{WithPair(src)}, opts...)...)
	Attach(src, WithPair(out))

	out.Go(func(ctx context.Context) error {
		_, err := io.Copy(io.MultiWriter(w, pw), src)
		if err == nil {
			err = src.Close()
			if err == nil {
				err = src.Join()
			}
		} else {
			// out ждёт эту горутину при своём abort: обратно не прерываем.
			src.abort(err, false)
			_ = src.Join()
		}
		_ = pw.CloseWithError(err)
		return err
	})

	return out
}

// tailWriter запоминает последнюю непустую строку.
type tailWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	last string
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	for {
		line, err := t.buf.ReadString('\n')
		if err != nil {
			// Неполная строка остаётся в буфере.
			t.buf.Reset()
			t.buf.WriteString(line)
			break
		}
		if s := strings.TrimSpace(line); s != "" {
			t.last = s
		}
	}
	return len(p), nil
}

// Last возвращает последнюю непустую строку (включая незавершённую).
func (t *tailWriter) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := strings.TrimSpace(t.buf.String()); s != "" {
		return s
	}
	return t.last
}
