// Package bus fans enriched process records out to downstream subscribers.
//
// Publish never blocks: every subscriber owns a bounded queue, and a record that does not fit
// is dropped for that subscriber and counted.
package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
)

// Subscriber consumes records. Handle is called from one goroutine per subscriber.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, rec *model.ProcessInstance) error
}

type queue struct {
	sub Subscriber
	ch  chan *model.ProcessInstance
}

// Bus is the in-process event bus.
type Bus struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	queues []*queue
	closed bool
}

// New returns a bus whose subscriber queues hold buffer records.
func New(buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{log: logger.Named("bus"), buffer: buffer}
}

// Subscribe registers sub. Subscribers added after Run started are not served.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = append(b.queues, &queue{sub: sub, ch: make(chan *model.ProcessInstance, b.buffer)})
}

// Publish hands rec to every subscriber without waiting. Records are shared between
// subscribers and must not be modified.
func (b *Bus) Publish(rec *model.ProcessInstance) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, q := range b.queues {
		select {
		case q.ch <- rec:
		default:
			metrics.BusDrops.WithLabelValues(q.sub.Name()).Inc()
			b.log.Debug("subscriber queue full, dropping record",
				zap.String("subscriber", q.sub.Name()),
				zap.String("pid_hash", rec.PidHash))
		}
	}
}

// Run serves every subscriber until ctx is cancelled, then drains what is queued.
// A subscriber error is logged and does not stop delivery.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.RLock()
	queues := append([]*queue(nil), b.queues...)
	b.mu.RUnlock()

	g := new(errgroup.Group)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			return b.serve(ctx, q)
		})
	}

	<-ctx.Done()
	b.mu.Lock()
	b.closed = true
	for _, q := range queues {
		close(q.ch)
	}
	b.mu.Unlock()

	return g.Wait()
}

func (b *Bus) serve(ctx context.Context, q *queue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", q.sub.Name(), r)
		}
	}()

	// Handlers see a live context until the queue is closed, so the drain after shutdown
	// is not cut short.
	hctx := context.WithoutCancel(ctx)
	for rec := range q.ch {
		if err := q.sub.Handle(hctx, rec); err != nil {
			b.log.Warn("subscriber failed",
				zap.String("subscriber", q.sub.Name()),
				zap.String("pid_hash", rec.PidHash),
				zap.Error(err))
		}
	}
	return nil
}
