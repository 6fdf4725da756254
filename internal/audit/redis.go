package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const payloadField = "payload"

// RedisSink appends events to a Redis stream for the audit consumer
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink creates a sink writing to stream
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Record(ctx context.Context, ev models.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apierrors.Permanent("audit.publish", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
	if err != nil {
		return apierrors.Transient("audit.publish", err)
	}
	return nil
}

// Consumer drains the audit stream into a store. Entries are acknowledged
// after the store accepts them, so a crash redelivers them and the store's
// idempotent insert absorbs the duplicate. Entries a failed write left
// pending are replayed before new ones are read, and entries stuck with a
// consumer that went away are claimed after ReclaimIdle.
type Consumer struct {
	client      *redis.Client
	store       Sink
	stream      string
	group       string
	consumer    string
	block       time.Duration
	reclaimIdle time.Duration
	logger      zerolog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// retryPause is the wait after a failed read or write before replaying
const retryPause = time.Second

// NewConsumer creates a consumer reading cfg.Stream through cfg.Group
func NewConsumer(client *redis.Client, store Sink, cfg *config.AuditConfig, consumer string, block time.Duration) *Consumer {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &Consumer{
		client:      client,
		store:       store,
		stream:      cfg.Stream,
		group:       cfg.Group,
		consumer:    consumer,
		block:       block,
		reclaimIdle: cfg.ReclaimIdle,
		logger:      logging.NewLogger("audit-consumer"),
	}
}

// EnsureGroup creates the stream and its consumer group if missing
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create audit group: %w", err)
	}
	return nil
}

// Start begins consuming in a background goroutine
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("audit consumer already running")
	}
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.stopCh = make(chan struct{})
	c.running = true

	runCtx, cancel := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.stopCh
		cancel()
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()

	c.logger.Info().Str("stream", c.stream).Str("group", c.group).Msg("Audit consumer started")
	return nil
}

// Stop signals the consumer to stop and waits for it
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Audit consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	// replay entries left pending by a previous run before reading new ones
	pending := true
	lastReclaim := time.Now()
	for ctx.Err() == nil {
		if c.reclaimIdle > 0 && time.Since(lastReclaim) >= c.reclaimIdle {
			lastReclaim = time.Now()
			n, err := c.Reclaim(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Failed to reclaim audit entries")
			}
			if n > 0 {
				c.logger.Warn().Int("reclaimed", n).Msg("Reclaimed audit entries from idle consumers")
				pending = true
			}
		}

		id := ">"
		if pending {
			id = "0"
		}
		n, err := c.Poll(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Failed to consume audit stream")
			// whatever was read but not acknowledged is now pending
			pending = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryPause):
			}
			continue
		}
		if pending && n == 0 {
			pending = false
		}
	}
}

// Reclaim takes over entries idle for at least ReclaimIdle with any consumer
// of the group. They are handled on the next replay of pending entries.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	total := 0
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.reclaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return total, apierrors.Transient("audit.reclaim", err)
		}
		total += len(msgs)
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return total, nil
		}
		start = next
	}
}

// Poll reads up to one batch starting after id ("0" for this consumer's
// pending entries, ">" for new ones) and stores it. It returns how many
// entries were handled.
func (c *Consumer) Poll(ctx context.Context, id string) (int, error) {
	block := c.block
	if id != ">" {
		block = -1
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, id},
		Count:    50,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.Transient("audit.consume", err)
	}

	handled := 0
	for _, xs := range res {
		for _, m := range xs.Messages {
			if err := c.handle(ctx, m); err != nil {
				return handled, err
			}
			handled++
		}
	}
	return handled, nil
}

func (c *Consumer) handle(ctx context.Context, m redis.XMessage) error {
	raw, _ := m.Values[payloadField].(string)
	var ev models.AuditEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		c.logger.Error().Err(err).Str("message_id", m.ID).Msg("Dropping undecodable audit event")
		return c.client.XAck(ctx, c.stream, c.group, m.ID).Err()
	}
	if err := c.store.Record(ctx, ev); err != nil {
		if !apierrors.IsPermanent(err) {
			return err
		}
		c.logger.Error().Err(err).Str("event_id", ev.ID.String()).Msg("Dropping audit event the store rejected")
	}
	if err := c.client.XAck(ctx, c.stream, c.group, m.ID).Err(); err != nil {
		return apierrors.Transient("audit.ack", err)
	}
	return nil
}
