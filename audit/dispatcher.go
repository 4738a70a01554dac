package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// AnchorSink receives sealed audit entries for external archival, for
// example a write-once object store or a log aggregation pipeline.
type AnchorSink interface {
	Anchor(ctx context.Context, e Entry) error
}

// DispatcherConfig bounds the outbound anchoring queue and its retries.
type DispatcherConfig struct {
	Buffer     int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Dispatcher moves sealed entries to an AnchorSink on a single worker
// goroutine. The queue is bounded; when it is full the entry is dropped and
// counted rather than blocking the caller. Delivery is retried a fixed number
// of times, after which the entry is abandoned and counted as failed.
type Dispatcher struct {
	sink       AnchorSink
	queue      chan Entry
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration

	dropped   atomic.Int64
	failed    atomic.Int64
	delivered atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts the worker. A nil sink yields a nil dispatcher, which
// every method tolerates.
func NewDispatcher(sink AnchorSink, cfg DispatcherConfig) *Dispatcher {
	if sink == nil {
		return nil
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sink:       sink,
		queue:      make(chan Entry, cfg.Buffer),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands an entry to the worker without blocking.
func (d *Dispatcher) Enqueue(e Entry) {
	if d == nil {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Entry) {
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Anchor(ctx, e)
		cancel()
		if err == nil {
			d.delivered.Add(1)
			return
		}
	}
	d.failed.Add(1)
}

// Stats reports delivery counters since start.
func (d *Dispatcher) Stats() (delivered, dropped, failed int64) {
	if d == nil {
		return 0, 0, 0
	}
	return d.delivered.Load(), d.dropped.Load(), d.failed.Load()
}

// Close stops intake and waits for the queue to drain.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}
