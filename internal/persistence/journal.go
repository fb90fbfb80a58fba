package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	saveTimeout = 10 * time.Second

	DefaultJournalQueue = 10_000
)

// Journal writes messages to an Engine from its own goroutine. Append only
// queues, so the publish path never waits on disk or network. At most
// queueSize messages wait; beyond that new messages are dropped and counted.
// Accepted messages are written in order and Close drains whatever is still
// queued.
type Journal struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	engine    Engine
	queueSize int

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []broadcaster.Message
	closing     bool
	warnLimiter *rate.Limiter

	done chan struct{}
}

func NewJournal(logger *zap.Logger, metrics *metrics.Metrics, engine Engine, queueSize int) *Journal {
	if queueSize < 1 {
		queueSize = DefaultJournalQueue
	}

	j := &Journal{
		logger:      logger,
		metrics:     metrics,
		engine:      engine,
		queueSize:   queueSize,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		done:        make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)

	go j.run()

	return j
}

func (j *Journal) Engine() Engine {
	return j.engine
}

// Append queues message. It returns immediately; after Close it is a no-op.
func (j *Journal) Append(message broadcaster.Message) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closing {
		j.logger.Warn("journal closed, message not logged",
			zap.String("source", string(message.Source)),
			zap.String("id", message.Id))

		return
	}

	if len(j.pending) >= j.queueSize {
		j.metrics.JournalDropped.Inc()
		if j.warnLimiter.Allow() {
			j.logger.Warn("journal queue full, message not logged",
				zap.String("destination", j.engine.Describe()),
				zap.Int("queueSize", j.queueSize))
		}

		return
	}

	j.pending = append(j.pending, message)
	j.cond.Signal()
}

func (j *Journal) run() {
	defer close(j.done)

	for {
		j.mu.Lock()
		for len(j.pending) == 0 && !j.closing {
			j.cond.Wait()
		}

		batch := j.pending
		j.pending = nil
		closing := j.closing
		j.mu.Unlock()

		for _, message := range batch {
			j.write(message)
		}

		if closing && len(batch) == 0 {
			return
		}
	}
}

func (j *Journal) write(message broadcaster.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := j.engine.Save(ctx, message); err != nil {
		j.metrics.JournalErrors.Inc()
		j.logger.Error("failed to write message to log",
			zap.String("destination", j.engine.Describe()),
			zap.String("source", string(message.Source)),
			zap.String("id", message.Id),
			zap.Error(err))

		return
	}

	j.metrics.JournalWritten.Inc()
}

// Close stops accepting messages, waits until every accepted message has been
// written, then closes the engine.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	j.closing = true
	j.cond.Signal()
	j.mu.Unlock()

	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return j.engine.Close(ctx)
}
