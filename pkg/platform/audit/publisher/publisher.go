// Package publisher emits audit events to an audit.Store, synchronously or
// through a buffered background worker.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	audit "cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/audit/worker"
	"cartkeep/pkg/platform/circuit"
)

// ErrBufferFull is returned by Emit in async mode when the buffer is full.
var ErrBufferFull = errors.New("audit buffer full")

// ErrSinkUnavailable is returned when the breaker guarding the sink is open.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit publisher closed")

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store   audit.Store
	guarded *guardedStore
	logger  *slog.Logger
	metrics *Metrics

	bufferSize int
	// mu guards closed and sends on inbox.
	mu        sync.RWMutex
	closed    bool
	inbox     chan audit.Event
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer enables async mode: Emit enqueues and a worker persists.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.bufferSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithBreaker drops events without touching the sink while the breaker is open.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.guarded.breaker = b
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:   store,
		guarded: &guardedStore{store: store},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.guarded.metrics = p.metrics

	if p.bufferSize > 0 {
		p.inbox = make(chan audit.Event, p.bufferSize)
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		w := worker.NewWorker(p.guarded, p.inbox, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return p
}

// Emit stamps and categorizes the event, then persists or enqueues it.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.incDropped("closed")
		return ErrClosed
	}
	if p.inbox == nil {
		return p.guarded.Append(ctx, event)
	}

	select {
	case p.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.metrics.incDropped("buffer_full")
		return ErrBufferFull
	}
}

// List returns recent events when the underlying store supports queries.
func (p *Publisher) List(ctx context.Context, limit int) ([]audit.Event, error) {
	lister, ok := p.store.(audit.Lister)
	if !ok {
		return nil, errors.New("audit store does not support listing")
	}
	return lister.ListRecent(ctx, limit)
}

// Close drains buffered events and stops the worker. Later Emit calls
// return ErrClosed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.inbox != nil {
			close(p.inbox)
		}
		p.mu.Unlock()
		if p.inbox == nil {
			return
		}
		p.wg.Wait()
		p.cancel()
	})
}

type guardedStore struct {
	store   audit.Store
	breaker *circuit.Breaker
	metrics *Metrics
}

func (g *guardedStore) Append(ctx context.Context, event audit.Event) error {
	if g.breaker != nil && !g.breaker.Allow() {
		g.metrics.incDropped("breaker_open")
		return ErrSinkUnavailable
	}
	if err := g.store.Append(ctx, event); err != nil {
		g.metrics.incPersistFailures()
		if g.breaker != nil {
			if _, change := g.breaker.RecordFailure(); change.Opened {
				g.metrics.setBreakerOpen(true)
			}
		}
		return err
	}
	g.metrics.incEmitted()
	if g.breaker != nil {
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.metrics.setBreakerOpen(false)
		}
	}
	return nil
}
