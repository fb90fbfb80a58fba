package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/config"
	"github.com/goevery/intercept/internal/decoder"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/metrics"
	"github.com/goevery/intercept/internal/persistence"
	"github.com/goevery/intercept/internal/supervisor"
	"go.uber.org/zap"
)

// EngineOpener returns the durable log engine for a log file path. Engines
// that do not write files may ignore the path.
type EngineOpener func(path string) persistence.Engine

type Status struct {
	Pipelines   map[broadcaster.Source]supervisor.State `json:"pipelines"`
	Logging     LoggingState                            `json:"logging"`
	Subscribers map[broadcaster.Source]int              `json:"subscribers"`
}

type LoggingState struct {
	Enabled bool   `json:"enabled"`
	LogFile string `json:"logFile"`
	Sink    string `json:"sink,omitempty"`
}

type IngestResult struct {
	Published int `json:"published"`
	Skipped   int `json:"skipped"`
}

type KillAllResult struct {
	Killed []string `json:"killed"`
	Status Status   `json:"status"`
}

// Session is the single owner of the pipelines, the broadcaster and the
// durable log. Each pipeline serializes its own transitions; Status never
// waits on them.
type Session struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	broadcaster  *broadcaster.Broadcaster
	pipelines    map[broadcaster.Source]*supervisor.Pipeline
	killer       supervisor.Killer
	killPatterns []string
	openEngine   EngineOpener
	journalQueue int

	// loggingMu serializes SetLogging; mu guards the snapshot Status reads.
	loggingMu sync.Mutex
	journal   *persistence.Journal

	mu      sync.RWMutex
	logging LoggingState
}

func New(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	cfg *config.Config,
	launcher supervisor.Launcher,
	killer supervisor.Killer,
	openEngine EngineOpener,
	logFile string,
) *Session {
	b := broadcaster.New(logger, metrics, broadcaster.Options{
		HistoryCapacity: cfg.Broadcast.HistoryCapacity,
		QueueSize:       cfg.Broadcast.SubscriberQueue,
	})

	options := supervisor.Options{
		StartupGrace:        cfg.Supervisor.StartupGrace,
		StopTimeout:         cfg.Supervisor.StopTimeout,
		DeviceBusyExitCodes: cfg.Supervisor.DeviceBusyExitCodes,
		Limits: supervisor.Limits{
			MinFrequencyHz: cfg.Receiver.MinFrequencyHz,
			MaxFrequencyHz: cfg.Receiver.MaxFrequencyHz,
			MaxDeviceIndex: cfg.Receiver.MaxDeviceIndex,
			MaxGain:        cfg.Receiver.MaxGain,
			MaxPPM:         cfg.Receiver.MaxPPM,
		},
	}

	pipelines := make(map[broadcaster.Source]*supervisor.Pipeline, len(broadcaster.Sources))
	for _, source := range broadcaster.Sources {
		pipelines[source] = supervisor.NewPipeline(logger, metrics, source, launcher, b, options)
	}

	return &Session{
		logger:       logger,
		metrics:      metrics,
		broadcaster:  b,
		pipelines:    pipelines,
		killer:       killer,
		killPatterns: cfg.Supervisor.KillPatterns,
		openEngine:   openEngine,
		journalQueue: cfg.Broadcast.JournalQueue,
		logging:      LoggingState{LogFile: logFile},
	}
}

func (s *Session) Broadcaster() *broadcaster.Broadcaster {
	return s.broadcaster
}

func (s *Session) pipeline(source broadcaster.Source) (*supervisor.Pipeline, error) {
	p, ok := s.pipelines[source]
	if !ok {
		return nil, ierr.New(ierr.ErrorCodeNotFound, fmt.Errorf("unknown source %q", source))
	}

	return p, nil
}

func (s *Session) Start(source broadcaster.Source, cfg supervisor.Config) (supervisor.State, error) {
	p, err := s.pipeline(source)
	if err != nil {
		return supervisor.State{}, err
	}

	return p.Start(cfg)
}

// Stop reports false when the pipeline was already idle.
func (s *Session) Stop(source broadcaster.Source) (supervisor.State, bool, error) {
	p, err := s.pipeline(source)
	if err != nil {
		return supervisor.State{}, false, err
	}

	return p.Stop()
}

func (s *Session) Restart(source broadcaster.Source, cfg supervisor.Config) (supervisor.State, error) {
	p, err := s.pipeline(source)
	if err != nil {
		return supervisor.State{}, err
	}

	return p.Restart(cfg)
}

func (s *Session) Status() Status {
	status := Status{
		Pipelines:   make(map[broadcaster.Source]supervisor.State, len(s.pipelines)),
		Subscribers: make(map[broadcaster.Source]int, len(s.pipelines)),
	}

	for source, p := range s.pipelines {
		status.Pipelines[source] = p.State()
		status.Subscribers[source] = s.broadcaster.SubscriberCount(source)
	}

	s.mu.RLock()
	status.Logging = s.logging
	s.mu.RUnlock()

	return status
}

// Ingest parses externally captured decoder output and publishes every line
// that decodes to a message.
func (s *Session) Ingest(source broadcaster.Source, lines []string) (IngestResult, error) {
	if _, err := s.pipeline(source); err != nil {
		return IngestResult{}, err
	}

	skipped := s.metrics.ParseSkipped.WithLabelValues(string(source))

	var result IngestResult
	for _, line := range lines {
		message, ok := decoder.ParseLine(source, line, time.Now())
		if !ok {
			skipped.Inc()
			result.Skipped++
			continue
		}

		s.broadcaster.Publish(message)
		result.Published++
	}

	return result, nil
}

// SetLogging turns the durable log on or off. An empty path keeps the current
// one; a new path while enabled switches to a new sink after draining the
// old one.
func (s *Session) SetLogging(ctx context.Context, enabled bool, path string) (LoggingState, error) {
	s.loggingMu.Lock()
	defer s.loggingMu.Unlock()

	s.mu.RLock()
	current := s.logging
	s.mu.RUnlock()

	if path == "" {
		path = current.LogFile
	}

	if enabled == current.Enabled && path == current.LogFile {
		return current, nil
	}

	state := LoggingState{Enabled: enabled, LogFile: path}

	var journal *persistence.Journal
	if enabled {
		engine := s.openEngine(path)
		if err := engine.Setup(ctx); err != nil {
			return current, ierr.New(ierr.ErrorCodeInvalidArgument,
				fmt.Errorf("open %s: %w", engine.Describe(), err))
		}

		journal = persistence.NewJournal(s.logger, s.metrics, engine, s.journalQueue)
		state.Sink = engine.Describe()
	}

	previous := s.journal
	s.journal = journal
	if journal != nil {
		s.broadcaster.SetJournal(journal)
	} else {
		s.broadcaster.SetJournal(nil)
	}

	s.mu.Lock()
	s.logging = state
	s.mu.Unlock()

	if previous != nil {
		if err := previous.Close(ctx); err != nil {
			s.logger.Warn("failed to close log sink", zap.Error(err))
		}
	}

	s.logger.Info("logging updated",
		zap.Bool("enabled", state.Enabled),
		zap.String("sink", state.Sink),
	)

	return state, nil
}

// KillAll resets every pipeline and then kills any matching decoder process
// left over from earlier runs.
func (s *Session) KillAll(ctx context.Context) (KillAllResult, error) {
	for _, p := range s.pipelines {
		p.ForceReset()
	}

	killed, err := s.killer.KillAll(ctx, s.killPatterns)
	if err != nil {
		return KillAllResult{Killed: killed, Status: s.Status()}, ierr.New(ierr.ErrorCodeInternal, err)
	}

	return KillAllResult{Killed: killed, Status: s.Status()}, nil
}

// Close stops every pipeline, drains the durable log and disconnects all
// subscribers.
func (s *Session) Close(ctx context.Context) error {
	for _, p := range s.pipelines {
		if _, _, err := p.Stop(); err != nil {
			p.ForceReset()
		}
	}

	_, err := s.SetLogging(ctx, false, "")

	s.broadcaster.Close()

	return err
}
