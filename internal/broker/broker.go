// Package broker serializes inference requests from every session into one
// ordered stream against a single vision backend.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sutfleet/internal/clock"

	"github.com/google/uuid"
)

type Broker struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	queue chan *request

	// mu makes admission and release linearizable against the capacity bound.
	mu          sync.Mutex
	outstanding int

	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Bool

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(backend Backend, opts Options) *Broker {
	opts.applyDefaults()
	return &Broker{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With("component", "broker"),
		queue:   make(chan *request, opts.Capacity),
	}
}

// Start launches the worker. It is a no-op when the worker is already running.
func (b *Broker) Start() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running.Store(true)
	go b.run(ctx, b.done)
	b.logger.Info("Broker worker started", "target", b.backend.Target(), "capacity", b.opts.Capacity)
}

// Stop interrupts the worker's idle wait and waits for it to exit. A forward
// already in flight finishes or times out first. Queued requests are left
// unfulfilled.
func (b *Broker) Stop() {
	b.lifeMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.lifeMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	b.logger.Info("Broker worker stopped")
}

// Enqueue submits payload and blocks until its own request completes or ctx
// is done. It fails immediately with ErrQueueFull when capacity is reached.
func (b *Broker) Enqueue(ctx context.Context, payload []byte) ([]byte, error) {
	req := &request{
		id:         uuid.NewString()[:8],
		payload:    payload,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		done:       make(chan result, 1),
	}

	b.mu.Lock()
	if b.outstanding >= b.opts.Capacity {
		b.mu.Unlock()
		b.opts.Metrics.Result(Outcome(ErrQueueFull), -1)
		b.logger.Warn("Queue full, rejecting request", "capacity", b.opts.Capacity)
		return nil, ErrQueueFull
	}
	b.outstanding++
	// Never blocks: the channel holds Capacity items and outstanding counts them.
	b.queue <- req
	b.total.Add(1)
	depth := len(b.queue)
	b.mu.Unlock()

	b.opts.Metrics.QueueDepth(depth)
	b.logger.Info("Request queued", "request_id", req.id, "queue_depth", depth)

	select {
	case res := <-req.done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) Stats() Stats {
	return Stats{
		TotalRequests:     b.total.Load(),
		Succeeded:         b.succeeded.Load(),
		Failed:            b.failed.Load(),
		CurrentQueueDepth: len(b.queue),
		WorkerRunning:     b.running.Load(),
	}
}

// HealthCheck probes the backend directly, bypassing the queue.
func (b *Broker) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
	defer cancel()

	h := Health{Server: b.backend.Target()}
	body, err := b.backend.Probe(ctx)
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}

	h.Status = "healthy"
	if json.Valid(body) {
		h.Response = json.RawMessage(body)
	} else if len(body) > 0 {
		h.Response, _ = json.Marshal(string(body))
	}
	return h
}

func (b *Broker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer b.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.queue:
			if faulted := b.process(req); faulted {
				if err := clock.Sleep(ctx, b.opts.FaultPause); err != nil {
					return
				}
			}
		}
	}
}

// process handles one request end to end. A panic completes the request with
// ErrWorkerFault and reports faulted so the loop can pause.
func (b *Broker) process(req *request) (faulted bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.opts.Metrics.InFlight(false)
			b.logger.Error("Broker worker fault", "request_id", req.id, "panic", r)
			b.finish(req, nil, fmt.Errorf("%w: %v", ErrWorkerFault, r), start)
			faulted = true
		}
	}()

	if err := req.ctx.Err(); err != nil {
		b.logger.Info("Caller gone, skipping request", "request_id", req.id, "error", err)
		b.finish(req, nil, err, time.Time{})
		return false
	}

	b.logger.Info("Processing request", "request_id", req.id, "waited", time.Since(req.enqueuedAt))
	body, err := b.forward(req)
	b.finish(req, body, err, start)
	return false
}

func (b *Broker) forward(req *request) ([]byte, error) {
	// Detached from the worker context so Stop never aborts an in-flight call.
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	b.opts.Metrics.InFlight(true)
	defer b.opts.Metrics.InFlight(false)

	body, err := b.backend.Parse(ctx, req.payload)
	if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrTimeout, b.opts.Timeout)
	}
	return body, err
}

// finish releases the request's capacity slot before fulfilling it, so a
// caller that immediately re-enqueues sees the freed slot. Only the first
// call for a request has any effect.
func (b *Broker) finish(req *request, body []byte, err error, start time.Time) {
	req.once.Do(func() {
		b.mu.Lock()
		b.outstanding--
		depth := len(b.queue)
		b.mu.Unlock()
		b.opts.Metrics.QueueDepth(depth)

		seconds := -1.0
		if !start.IsZero() {
			seconds = time.Since(start).Seconds()
		}
		b.opts.Metrics.Result(Outcome(err), seconds)

		if err != nil {
			b.failed.Add(1)
			b.logger.Error("Request failed", "request_id", req.id, "error", err)
		} else {
			b.succeeded.Add(1)
			b.logger.Info("Request completed", "request_id", req.id, "duration", time.Since(req.enqueuedAt))
		}
		req.done <- result{body: body, err: err}
	})
}
