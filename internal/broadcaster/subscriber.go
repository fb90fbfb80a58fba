package broadcaster

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type Subscriber struct {
	Id     string
	Source Source

	replay  []Message
	send    chan Message
	closed  bool
	dropped atomic.Uint64

	warnLimiter *rate.Limiter
}

func newSubscriber(id string, source Source, queueSize int, replay []Message) *Subscriber {
	if queueSize < 1 {
		queueSize = 1
	}

	return &Subscriber{
		Id:          id,
		Source:      source,
		replay:      replay,
		send:        make(chan Message, queueSize),
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Replay returns the history snapshot taken at registration, oldest first.
// Every message published after the snapshot is delivered on C.
func (s *Subscriber) Replay() []Message {
	return s.replay
}

// C is closed when the subscriber is unregistered or the broadcaster closes.
func (s *Subscriber) C() <-chan Message {
	return s.send
}

func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// deliver enqueues message without blocking. When the backlog is full the
// oldest queued message is discarded to make room. The caller must hold the
// broadcaster mutex, which makes it the only sender.
func (s *Subscriber) deliver(message Message) (dropped int) {
	for {
		select {
		case s.send <- message:
			return dropped
		default:
		}

		select {
		case <-s.send:
			dropped++
			s.dropped.Add(1)
		default:
		}
	}
}
