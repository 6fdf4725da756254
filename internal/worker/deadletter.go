package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/queue"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeadLetterConsumer drains the dead-letter channel and records an audit
// event per message. Messages are acked after the event is handed off.
type DeadLetterConsumer struct {
	source  queue.DeadLetterSource
	auditor jobs.Auditor
	logger  zerolog.Logger

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDeadLetterConsumer creates a dead-letter consumer
func NewDeadLetterConsumer(source queue.DeadLetterSource, auditor jobs.Auditor) *DeadLetterConsumer {
	return &DeadLetterConsumer{
		source:  source,
		auditor: auditor,
		logger:  logging.NewLogger("dead-letter"),
	}
}

// Start begins draining the dead-letter channel
func (c *DeadLetterConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("dead-letter consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info().Msg("Dead-letter consumer started")
	return nil
}

// Stop stops the consumer and waits for it to exit
func (c *DeadLetterConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Dead-letter consumer stopped")
}

func (c *DeadLetterConsumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		d, err := c.source.ConsumeDeadLetter(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Failed to consume dead letter")
			_ = retry.Sleep(ctx, consumeBackoff)
			continue
		}
		if d == nil {
			continue
		}
		c.Handle(ctx, d)
	}
}

// Handle emits the audit event for one dead letter and acks it
func (c *DeadLetterConsumer) Handle(ctx context.Context, d *queue.DeadLetterDelivery) {
	msg := d.Message
	c.auditor.Publish(models.AuditEvent{
		// Derived from the delivery so a redelivered dead letter maps to the same event.
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte("dead-letter:"+msg.JobID.String()+":"+d.ID)),
		Action:  models.AuditActionDeadLettered,
		Service: "worker",
		UserID:  msg.OwnerID,
		Detail: map[string]any{
			"job_id":        msg.JobID.String(),
			"filename":      msg.Filename,
			"topic":         msg.Topic,
			"attempt_count": msg.AttemptCount,
			"last_error":    msg.LastError,
			"failed_at":     msg.FailedAt,
		},
		CreatedAt: msg.FailedAt,
	})

	if err := c.source.AckDeadLetter(ctx, d); err != nil {
		c.logger.Error().Err(err).Str("job_id", msg.JobID.String()).Msg("Failed to ack dead letter")
		return
	}
	c.logger.Info().
		Str("job_id", msg.JobID.String()).
		Int("attempt_count", msg.AttemptCount).
		Str("last_error", logging.SanitizeForLog(msg.LastError, 200)).
		Msg("Dead letter recorded")
}
