package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryEngine struct {
	mu     sync.Mutex
	saved  []broadcaster.Message
	failOn string
	delay  time.Duration
	closed bool

	// when set, Save signals entered and then blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}
}

func (e *memoryEngine) Setup(ctx context.Context) error { return nil }

func (e *memoryEngine) Save(ctx context.Context, message broadcaster.Message) error {
	if e.gate != nil {
		select {
		case e.entered <- struct{}{}:
		default:
		}
		<-e.gate
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	if message.Address == e.failOn {
		return errors.New("disk full")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.saved = append(e.saved, message)

	return nil
}

func (e *memoryEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	return nil
}

func (e *memoryEngine) Describe() string { return "memory" }

func message(i int) broadcaster.Message {
	return broadcaster.Message{
		Source:  broadcaster.SourcePager,
		Address: fmt.Sprintf("%d", i),
	}
}

func TestJournal_DrainsOnClose(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	engine := &memoryEngine{delay: time.Millisecond}
	journal := NewJournal(zap.NewNop(), m, engine, 0)

	for i := 0; i < 50; i++ {
		journal.Append(message(i))
	}

	require.NoError(t, journal.Close(context.Background()))

	require.Len(t, engine.saved, 50)
	for i, saved := range engine.saved {
		assert.Equal(t, fmt.Sprintf("%d", i), saved.Address)
	}
	assert.True(t, engine.closed)
	assert.Equal(t, 50.0, testutil.ToFloat64(m.JournalWritten))
}

func TestJournal_CountsFailures(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	engine := &memoryEngine{failOn: "1"}
	journal := NewJournal(zap.NewNop(), m, engine, 0)

	journal.Append(message(0))
	journal.Append(message(1))
	journal.Append(message(2))

	require.NoError(t, journal.Close(context.Background()))

	assert.Len(t, engine.saved, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JournalErrors))
}

func TestJournal_AppendAfterClose(t *testing.T) {
	engine := &memoryEngine{}
	journal := NewJournal(zap.NewNop(), metrics.New(prometheus.NewRegistry()), engine, 0)

	require.NoError(t, journal.Close(context.Background()))
	journal.Append(message(1))

	assert.Empty(t, engine.saved)
}

func TestJournal_BoundedQueue(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	engine := &memoryEngine{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	journal := NewJournal(zap.NewNop(), m, engine, 3)

	journal.Append(message(0))
	<-engine.entered

	for i := 1; i <= 10; i++ {
		journal.Append(message(i))
	}

	assert.Equal(t, 7.0, testutil.ToFloat64(m.JournalDropped))

	close(engine.gate)
	require.NoError(t, journal.Close(context.Background()))

	require.Len(t, engine.saved, 4)
	for i, saved := range engine.saved {
		assert.Equal(t, fmt.Sprintf("%d", i), saved.Address)
	}
}
