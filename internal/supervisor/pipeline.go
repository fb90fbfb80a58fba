package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/decoder"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/metrics"
	"go.uber.org/zap"
)

type Options struct {
	// StartupGrace is how long a fresh process must stay alive to count as
	// running when it has not printed anything yet.
	StartupGrace        time.Duration
	StopTimeout         time.Duration
	DeviceBusyExitCodes []int
	Limits              Limits
}

// Pipeline supervises the decode process of one source. Transitions are
// serialized by a try-lock so a second caller fails fast instead of queueing
// behind a slow stop. State reads never wait for a transition.
type Pipeline struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	source    broadcaster.Source
	launcher  Launcher
	publisher Publisher
	options   Options

	transition sync.Mutex

	mu    sync.RWMutex
	state State
	run   *run
}

type run struct {
	proc      Process
	done      chan struct{}
	firstLine chan struct{}
	firstOnce sync.Once
	stopping  atomic.Bool
	exitErr   error
}

func NewPipeline(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	source broadcaster.Source,
	launcher Launcher,
	publisher Publisher,
	options Options,
) *Pipeline {
	p := &Pipeline{
		logger:    logger.With(zap.String("source", string(source))),
		metrics:   metrics,
		source:    source,
		launcher:  launcher,
		publisher: publisher,
		options:   options,
		state: State{
			Source: source,
			Status: StatusIdle,
		},
	}
	p.metrics.SetPipelineStatus(string(source), string(StatusIdle), Statuses)

	return p
}

func (p *Pipeline) Source() broadcaster.Source {
	return p.source
}

func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.state.clone()
}

func (p *Pipeline) Start(cfg Config) (State, error) {
	if !p.transition.TryLock() {
		return p.State(), p.busy()
	}
	defer p.transition.Unlock()

	return p.startLocked(cfg)
}

// Stop ends the current run. It reports false when there was nothing to
// stop.
func (p *Pipeline) Stop() (State, bool, error) {
	if !p.transition.TryLock() {
		return p.State(), false, p.busy()
	}
	defer p.transition.Unlock()

	state, stopped := p.stopLocked()

	return state, stopped, nil
}

// Restart stops the current run and starts a new one with cfg. The new
// process is only launched after the old one has exited.
func (p *Pipeline) Restart(cfg Config) (State, error) {
	if !p.transition.TryLock() {
		return p.State(), p.busy()
	}
	defer p.transition.Unlock()

	if _, err := cfg.Normalize(p.source, p.options.Limits); err != nil {
		return p.State(), err
	}

	p.stopLocked()

	return p.startLocked(cfg)
}

// ForceReset kills the tracked process, if any, and returns to idle. Unlike
// the other transitions it waits for one in flight to finish.
func (p *Pipeline) ForceReset() State {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	r := p.run
	p.mu.Unlock()

	if r != nil {
		r.stopping.Store(true)
		if err := r.proc.Kill(); err != nil {
			p.logger.Warn("failed to kill decoder", zap.Error(err))
		}
		<-r.done
	}

	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()

	return p.State()
}

func (p *Pipeline) busy() error {
	return ierr.New(ierr.ErrorCodeTransitionInProgress,
		fmt.Errorf("%s pipeline is changing state", p.source))
}

func (p *Pipeline) startLocked(cfg Config) (State, error) {
	current := p.State()
	if current.Status == StatusStarting || current.Status == StatusRunning {
		return current, ierr.New(ierr.ErrorCodeAlreadyRunning,
			fmt.Errorf("%s pipeline is already running", p.source))
	}

	cfg, err := cfg.Normalize(p.source, p.options.Limits)
	if err != nil {
		return current, err
	}

	p.mu.Lock()
	p.state = State{
		Source: p.source,
		Status: StatusStarting,
		Config: cfg,
	}
	p.observeLocked()
	p.mu.Unlock()

	proc, err := p.launcher.Launch(p.source, cfg)
	if err != nil {
		failure := ierr.New(ierr.ErrorCodeSpawnFailed, err)

		p.mu.Lock()
		p.failLocked(failure)
		p.mu.Unlock()

		p.logger.Error("failed to launch decoder", zap.Error(err))

		return p.State(), failure
	}

	r := &run{
		proc:      proc,
		done:      make(chan struct{}),
		firstLine: make(chan struct{}),
	}

	p.mu.Lock()
	p.run = r
	p.state.Pid = proc.Pid()
	p.mu.Unlock()

	go p.read(r)

	grace := time.NewTimer(p.options.StartupGrace)
	defer grace.Stop()

	select {
	case <-r.firstLine:
	case <-grace.C:
	case <-r.done:
	}

	p.mu.Lock()
	select {
	case <-r.done:
		failure := p.startupFailure(cfg, r.exitErr)
		p.failLocked(failure)
		p.mu.Unlock()

		p.logger.Warn("decoder exited during startup",
			zap.String("reasonCode", string(failure.Code)),
			zap.Error(r.exitErr),
		)

		return p.State(), failure
	default:
	}

	startedAt := time.Now()
	p.state.Status = StatusRunning
	p.state.StartedAt = &startedAt
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Info("pipeline running",
		zap.Int64("frequencyHz", cfg.FrequencyHz),
		zap.Int("device", cfg.Device),
		zap.Int("pid", proc.Pid()),
	)

	return p.State(), nil
}

func (p *Pipeline) stopLocked() (State, bool) {
	p.mu.Lock()
	r := p.run

	switch p.state.Status {
	case StatusIdle:
		p.mu.Unlock()
		return p.State(), false
	case StatusError:
		p.resetLocked()
		p.mu.Unlock()
		return p.State(), true
	}

	p.state.Status = StatusStopping
	p.observeLocked()
	p.mu.Unlock()

	if r != nil {
		p.terminate(r)
	}

	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()

	p.logger.Info("pipeline stopped")

	return p.State(), true
}

func (p *Pipeline) terminate(r *run) {
	r.stopping.Store(true)

	if err := r.proc.Terminate(); err != nil {
		p.logger.Debug("failed to signal decoder", zap.Error(err))
	}

	timeout := time.NewTimer(p.options.StopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		return
	case <-timeout.C:
	}

	p.metrics.TerminationTimeouts.WithLabelValues(string(p.source)).Inc()
	p.logger.Warn("decoder ignored terminate, killing",
		zap.Int("pid", r.proc.Pid()),
		zap.Duration("timeout", p.options.StopTimeout),
	)

	if err := r.proc.Kill(); err != nil {
		p.logger.Warn("failed to kill decoder", zap.Error(err))
	}

	<-r.done
}

// read feeds complete stdout lines to the parser until the process is gone.
func (p *Pipeline) read(r *run) {
	reader := bufio.NewReader(r.proc.Stdout())
	skipped := p.metrics.ParseSkipped.WithLabelValues(string(p.source))

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// a trailing partial line is dropped
			break
		}

		r.firstOnce.Do(func() { close(r.firstLine) })

		if r.stopping.Load() {
			continue
		}

		message, ok := decoder.ParseLine(p.source, strings.TrimRight(line, "\r\n"), time.Now())
		if !ok {
			skipped.Inc()
			continue
		}

		p.publisher.Publish(message)
	}

	r.exitErr = r.proc.Wait()
	close(r.done)

	p.exited(r)
}

func (p *Pipeline) exited(r *run) {
	p.mu.Lock()
	if p.run != r || p.state.Status != StatusRunning || r.stopping.Load() {
		p.mu.Unlock()
		return
	}

	failure := ierr.New(ierr.ErrorCodeProcessCrashed, exitReason(r.exitErr))
	p.failLocked(failure)
	p.mu.Unlock()

	p.logger.Error("decoder exited unexpectedly", zap.Error(r.exitErr))
}

func (p *Pipeline) startupFailure(cfg Config, exitErr error) ierr.Error {
	var coded interface{ ExitCode() int }
	if errors.As(exitErr, &coded) && slices.Contains(p.options.DeviceBusyExitCodes, coded.ExitCode()) {
		return ierr.New(ierr.ErrorCodeDeviceError,
			fmt.Errorf("device %d is busy or unavailable: %w", cfg.Device, exitErr))
	}

	return ierr.New(ierr.ErrorCodeProcessCrashed, exitReason(exitErr))
}

func exitReason(exitErr error) error {
	if exitErr == nil {
		return errors.New("decoder exited")
	}

	return fmt.Errorf("decoder exited: %w", exitErr)
}

func (p *Pipeline) failLocked(failure ierr.Error) {
	p.run = nil
	p.state.Status = StatusError
	p.state.Pid = 0
	p.state.StartedAt = nil
	p.state.Reason = failure.Message
	p.state.ReasonCode = failure.Code
	p.observeLocked()
}

func (p *Pipeline) resetLocked() {
	p.run = nil
	p.state.Status = StatusIdle
	p.state.Pid = 0
	p.state.StartedAt = nil
	p.state.Reason = ""
	p.state.ReasonCode = ""
	p.observeLocked()
}

func (p *Pipeline) observeLocked() {
	p.metrics.SetPipelineStatus(string(p.source), string(p.state.Status), Statuses)
}
