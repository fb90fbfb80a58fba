package broadcaster

import (
	"sync"
	"time"

	"github.com/goevery/intercept/internal/metrics"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// Journal receives every published message while logging is enabled. Append
// must not block on I/O.
type Journal interface {
	Append(message Message)
}

type Options struct {
	HistoryCapacity int
	QueueSize       int
}

type Broadcaster struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	options Options

	mu          sync.Mutex
	closed      bool
	seq         map[Source]uint64
	last        map[Source]time.Time
	history     map[Source]*history
	subscribers map[Source]map[string]*Subscriber
	journal     Journal
}

func New(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	options Options,
) *Broadcaster {
	b := &Broadcaster{
		logger:      logger,
		metrics:     metrics,
		options:     options,
		seq:         make(map[Source]uint64),
		last:        make(map[Source]time.Time),
		history:     make(map[Source]*history),
		subscribers: make(map[Source]map[string]*Subscriber),
	}

	for _, source := range Sources {
		b.history[source] = newHistory(options.HistoryCapacity)
		b.subscribers[source] = make(map[string]*Subscriber)
	}

	return b
}

// Publish stamps message with an id and a per-source sequence number, records
// it in the history ring and fans it out to every subscriber of its source.
// Timestamps never go backwards within a source. It never blocks on a
// subscriber.
func (b *Broadcaster) Publish(message Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return message
	}

	b.seq[message.Source]++
	message.Seq = b.seq[message.Source]
	message.Id = gonanoid.Must()

	if message.Timestamp.Before(b.last[message.Source]) {
		message.Timestamp = b.last[message.Source]
	}
	b.last[message.Source] = message.Timestamp

	ring, ok := b.history[message.Source]
	if !ok {
		ring = newHistory(b.options.HistoryCapacity)
		b.history[message.Source] = ring
		b.subscribers[message.Source] = make(map[string]*Subscriber)
	}
	ring.push(message)

	for _, subscriber := range b.subscribers[message.Source] {
		dropped := subscriber.deliver(message)
		if dropped == 0 {
			continue
		}

		b.metrics.Dropped.WithLabelValues(string(message.Source)).Add(float64(dropped))

		if subscriber.warnLimiter.Allow() {
			b.logger.Warn("subscriber backlog full, dropping oldest messages",
				zap.String("subscriberId", subscriber.Id),
				zap.String("source", string(message.Source)),
				zap.Uint64("droppedTotal", subscriber.Dropped()))
		}
	}

	if b.journal != nil {
		b.journal.Append(message)
	}

	b.metrics.Published.WithLabelValues(string(message.Source)).Inc()

	return message
}

// Subscribe registers a new subscriber for source. The history snapshot and
// the registration happen under the same lock, so Replay followed by C yields
// every message exactly once.
func (b *Broadcaster) Subscribe(source Source) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Message
	if ring, ok := b.history[source]; ok {
		replay = ring.snapshot()
	}

	subscriber := newSubscriber(uuid.NewString(), source, b.options.QueueSize, replay)

	if b.closed {
		subscriber.closed = true
		close(subscriber.send)

		return subscriber
	}

	if _, ok := b.subscribers[source]; !ok {
		b.subscribers[source] = make(map[string]*Subscriber)
	}
	b.subscribers[source][subscriber.Id] = subscriber

	b.metrics.Subscribers.WithLabelValues(string(source)).Inc()

	return subscriber
}

// Unsubscribe is idempotent.
func (b *Broadcaster) Unsubscribe(subscriber *Subscriber) {
	if subscriber == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.unsubscribeLocked(subscriber)
}

// IMPORTANT: It must be called only when the lock is already held.
func (b *Broadcaster) unsubscribeLocked(subscriber *Subscriber) {
	if subscriber.closed {
		return
	}

	delete(b.subscribers[subscriber.Source], subscriber.Id)
	subscriber.closed = true
	close(subscriber.send)

	b.metrics.Subscribers.WithLabelValues(string(subscriber.Source)).Dec()
}

// SetJournal attaches j to the publish path. A nil j detaches the current one.
func (b *Broadcaster) SetJournal(j Journal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.journal = j
}

func (b *Broadcaster) SubscriberCount(source Source) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers[source])
}

// Close unregisters every subscriber, ending their streams. Later publishes
// are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, subscriber := range subscribers {
			b.unsubscribeLocked(subscriber)
		}
	}

	b.journal = nil
}
