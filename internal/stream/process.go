package stream

import (
	"errors"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// process — дочерний процесс, наполняющий поток.
type process struct {
	pid    int
	waitFn func() error
	signal func(os.Signal) error

	once sync.Once
	err  error
}

// wait ждёт процесс ровно один раз. Повторные и параллельные вызовы
// получают тот же результат.
func (p *process) wait() error {
	p.once.Do(func() { p.err = p.waitFn() })
	return p.err
}

// reap собирает процесс в фоне, чтобы он не остался зомби.
func (p *process) reap() {
	go func() { _ = p.wait() }()
}

// cmdProcess оборачивает запущенную команду.
// Повторное ожидание уже дождавшейся команды считается успешным.
func cmdProcess(cmd *exec.Cmd) *process {
	return &process{
		pid: cmd.Process.Pid,
		waitFn: func() error {
			if cmd.ProcessState != nil {
				if cmd.ProcessState.Success() {
					return nil
				}
				return &exec.ExitError{ProcessState: cmd.ProcessState}
			}
			return cmd.Wait()
		},
		signal: cmd.Process.Signal,
	}
}

// osProcess оборачивает процесс по *os.Process.
// "No such child" (ECHILD) означает, что процесс уже собран.
func osProcess(p *os.Process) *process {
	return &process{
		pid: p.Pid,
		waitFn: func() error {
			state, err := p.Wait()
			if err != nil {
				if errors.Is(err, unix.ECHILD) || errors.Is(err, os.ErrProcessDone) {
					return nil
				}
				return err
			}
			if !state.Success() {
				return &exec.ExitError{ProcessState: state}
			}
			return nil
		},
		signal: p.Signal,
	}
}
