// Package audit records append-only audit events. Publishing never blocks the
// caller: events are buffered and written to a Sink by a background goroutine.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink durably records one event. Recording the same event id twice must not
// produce a second record.
type Sink interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

const (
	writeTimeout   = 5 * time.Second
	maxWriteTries  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// Publisher buffers events and writes them to a sink in the background
type Publisher struct {
	sink   Sink
	events chan models.AuditEvent
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPublisher starts a publisher writing to sink
func NewPublisher(sink Sink, cfg *config.AuditConfig) *Publisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	p := &Publisher{
		sink:   sink,
		events: make(chan models.AuditEvent, size),
		logger: logging.NewLogger("audit"),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues an event without blocking. A zero ID or CreatedAt is filled
// in. When the buffer is full or the publisher is closed the event is dropped.
func (p *Publisher) Publish(ev models.AuditEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		monitoring.RecordAuditEvent("dropped")
		p.logger.Warn().Str("action", ev.Action).Str("event_id", ev.ID.String()).Msg("Audit publisher closed, dropping event")
		return
	}
	select {
	case p.events <- ev:
	default:
		monitoring.RecordAuditEvent("dropped")
		p.logger.Warn().Str("action", ev.Action).Str("event_id", ev.ID.String()).Msg("Audit buffer full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.events {
		p.write(ev)
	}
}

// write retries sink failures a few times before giving up. Permanent
// failures are not retried.
func (p *Publisher) write(ev models.AuditEvent) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = writeBaseDelay
	eb.MaxInterval = time.Second
	b := backoff.WithMaxRetries(eb, maxWriteTries-1)

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		err := p.sink.Record(ctx, ev)
		if apierrors.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		monitoring.RecordAuditEvent("failed")
		p.logger.Error().
			Err(err).
			Str("action", ev.Action).
			Str("event_id", ev.ID.String()).
			Msg("Failed to record audit event")
		return
	}
	monitoring.RecordAuditEvent("published")
}

// Close stops accepting events and waits until the buffered ones are written
// or ctx expires
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
