// Package audit fans lifecycle events out to a sink, synchronously or via a
// buffered background worker.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBufferFull is returned by Emit in async mode when the buffer is full.
var ErrBufferFull = errors.New("audit buffer full")

// Sink persists or forwards events.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher captures lifecycle events. Without a buffer Emit writes through
// to the sink; with WithAsyncBuffer a worker drains a channel and Close
// flushes what is left.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	buffer chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Publisher)

func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan Event, size)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{sink: sink, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if p.buffer == nil {
		return p.sink.Append(ctx, event)
	}
	select {
	case p.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn("audit buffer full, dropping event", "type", string(event.Type), "key", event.Key())
		return ErrBufferFull
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.buffer {
		// Detached from any request: the emitting request may be gone.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.sink.Append(ctx, event); err != nil {
			p.logger.Error("failed to append audit event", "type", string(event.Type), "key", event.Key(), "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain. Emit must
// not be called after Close.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.buffer != nil {
			close(p.buffer)
			p.wg.Wait()
		}
	})
}
