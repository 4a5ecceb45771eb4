// Package changes delivers the committed changes of the index to listeners
// from a dedicated dispatcher goroutine.
package changes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicomstore",
		Subsystem: "changes",
		Name:      "queue_depth",
		Help:      "Batches waiting for the dispatcher",
	})
	deliveredChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "changes",
		Name:      "delivered_total",
		Help:      "Changes handed to the listeners",
	})
	droppedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "changes",
		Name:      "dropped_total",
		Help:      "Changes discarded because the queue was full or the drain deadline passed",
	})
	listenerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "changes",
		Name:      "listener_errors_total",
		Help:      "Errors and panics raised by change listeners",
	}, []string{"listener"})
)

// DefaultQueueSize is the number of batches the bus buffers
const DefaultQueueSize = 1024

// Listener is notified of every change, in commit order
type Listener interface {
	SignalChange(ctx context.Context, change models.Change) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, change models.Change) error

func (f ListenerFunc) SignalChange(ctx context.Context, change models.Change) error {
	return f(ctx, change)
}

type namedListener struct {
	name     string
	listener Listener
}

// Bus is a bounded FIFO of change batches. Publish never blocks: when the
// queue is full the oldest batch is discarded.
type Bus struct {
	queue chan []models.Change

	stateMu sync.RWMutex
	closed  bool
	started bool

	listenersMu sync.RWMutex
	listeners   []namedListener

	abort atomic.Bool
	done  chan struct{}
	log   zerolog.Logger
}

// NewBus creates a bus buffering up to size batches
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		queue: make(chan []models.Change, size),
		done:  make(chan struct{}),
		log:   logger.Component("changes"),
	}
}

// Register adds a listener; name labels its log lines and metrics
func (b *Bus) Register(name string, l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, namedListener{name: name, listener: l})
}

// Publish enqueues one committed batch
func (b *Bus) Publish(changes []models.Change) {
	if len(changes) == 0 {
		return
	}
	batch := make([]models.Change, len(changes))
	copy(batch, changes)

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.closed {
		droppedChanges.Add(float64(len(batch)))
		b.log.Warn().Int("changes", len(batch)).Msg("Change bus closed, dropping batch")
		return
	}

	for {
		select {
		case b.queue <- batch:
			queueDepth.Set(float64(len(b.queue)))
			return
		default:
		}
		select {
		case old := <-b.queue:
			droppedChanges.Add(float64(len(old)))
			b.log.Warn().Int("changes", len(old)).Msg("Change queue full, dropping oldest batch")
		default:
		}
	}
}

// Start launches the dispatcher goroutine
func (b *Bus) Start(ctx context.Context) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.started {
		return
	}
	b.started = true
	go b.dispatch(ctx)
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)
	for batch := range b.queue {
		queueDepth.Set(float64(len(b.queue)))
		if b.abort.Load() {
			droppedChanges.Add(float64(len(batch)))
			continue
		}
		for _, change := range batch {
			b.deliver(ctx, change)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, change models.Change) {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	for _, l := range b.listeners {
		if err := b.call(ctx, l, change); err != nil {
			listenerErrors.WithLabelValues(l.name).Inc()
			b.log.Error().Err(err).
				Str("listener", l.name).
				Str("change", change.ChangeType.String()).
				Str("resource", change.PublicID).
				Msg("Change listener failed")
		}
	}
	deliveredChanges.Inc()
}

func (b *Bus) call(ctx context.Context, l namedListener, change models.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.listener.SignalChange(ctx, change)
}

// Shutdown stops accepting batches and waits for the dispatcher to drain the
// queue. Batches still queued when timeout elapses are discarded.
func (b *Bus) Shutdown(timeout time.Duration) {
	b.stateMu.Lock()
	if b.closed {
		b.stateMu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	close(b.queue)
	b.stateMu.Unlock()

	if !started {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		b.log.Info().Msg("Change bus drained")
	case <-timer.C:
		b.abort.Store(true)
		b.log.Warn().Int("pending", len(b.queue)).Dur("timeout", timeout).Msg("Change bus drain deadline passed")
		<-b.done
	}
}
