// Package fakeproc provides an in-memory Launcher for exercising the
// supervisor without SDR hardware.
package fakeproc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/supervisor"
)

var (
	ErrTerminated = errors.New("signal: terminated")
	ErrKilled     = errors.New("signal: killed")
)

// ExitError mimics a process exiting with a status code.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e ExitError) ExitCode() int {
	return e.Code
}

type Process struct {
	pid             int
	ignoreTerminate bool
	onExit          func()

	reader *io.PipeReader
	writer *io.PipeWriter

	once    sync.Once
	exited  chan struct{}
	exitErr error

	mu         sync.Mutex
	terminates int
	kills      int
}

func newProcess(pid int, ignoreTerminate bool, onExit func()) *Process {
	reader, writer := io.Pipe()

	return &Process{
		pid:             pid,
		ignoreTerminate: ignoreTerminate,
		onExit:          onExit,
		reader:          reader,
		writer:          writer,
		exited:          make(chan struct{}),
	}
}

func (p *Process) Stdout() io.Reader {
	return p.reader
}

// Emit writes line plus a newline. It blocks until the supervisor reads it.
func (p *Process) Emit(line string) error {
	return p.Write(line + "\n")
}

// Write writes raw output, which may be a partial line.
func (p *Process) Write(data string) error {
	_, err := io.WriteString(p.writer, data)
	return err
}

// Exit ends the process with err as the Wait result. Only the first call
// counts.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		if p.onExit != nil {
			p.onExit()
		}
		_ = p.writer.Close()
		close(p.exited)
	})
}

func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminates++
	p.mu.Unlock()

	if !p.ignoreTerminate {
		p.Exit(ErrTerminated)
	}

	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()

	p.Exit(ErrKilled)

	return nil
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Signals() (terminates, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.terminates, p.kills
}

// Launcher hands out fake processes and tracks how many are alive at once.
type Launcher struct {
	// OnLaunch runs before Launch returns. Writes to the process block until
	// the supervisor reads them, so emit from a goroutine.
	OnLaunch        func(p *Process)
	Err             error
	IgnoreTerminate bool

	mu        sync.Mutex
	processes []*Process
	configs   []supervisor.Config
	live      int
	maxLive   int
}

var _ supervisor.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(source broadcaster.Source, cfg supervisor.Config) (supervisor.Process, error) {
	l.mu.Lock()
	if l.Err != nil {
		l.mu.Unlock()
		return nil, l.Err
	}

	p := newProcess(1000+len(l.processes), l.IgnoreTerminate, func() {
		l.mu.Lock()
		l.live--
		l.mu.Unlock()
	})
	l.processes = append(l.processes, p)
	l.configs = append(l.configs, cfg)
	l.live++
	l.maxLive = max(l.maxLive, l.live)
	onLaunch := l.OnLaunch
	l.mu.Unlock()

	if onLaunch != nil {
		onLaunch(p)
	}

	return p, nil
}

func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.processes) == 0 {
		return nil
	}

	return l.processes[len(l.processes)-1]
}

func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.processes)
}

func (l *Launcher) Configs() []supervisor.Config {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]supervisor.Config(nil), l.configs...)
}

func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.live
}

func (l *Launcher) MaxLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.maxLive
}
