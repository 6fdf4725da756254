package queue

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
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const payloadField = "payload"

// RedisQueue implements Queue on Redis Streams. Each partition is a stream
// read through one consumer group; the dead-letter channel is a separate stream.
// Messages published with a future NotBefore wait in a per-partition sorted
// set and are moved onto the stream once due by whoever consumes the partition.
type RedisQueue struct {
	client   *redis.Client
	cfg      *config.QueueConfig
	consumer string

	mu             sync.Mutex
	backlogDrained map[int]bool
}

// NewRedisQueue creates a queue bound to a consumer name. The consumer name
// must be stable across restarts of the same worker so its pending entries
// are redelivered to it.
func NewRedisQueue(client *redis.Client, cfg *config.QueueConfig, consumer string) *RedisQueue {
	return &RedisQueue{
		client:         client,
		cfg:            cfg,
		consumer:       consumer,
		backlogDrained: make(map[int]bool),
	}
}

// NewRedisClient parses a redis:// URL and pings the server
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) Partitions() int {
	return q.cfg.Partitions
}

func (q *RedisQueue) stream(partition int) string {
	return fmt.Sprintf("%s:%d", q.cfg.StreamPrefix, partition)
}

func (q *RedisQueue) delayed(partition int) string {
	return fmt.Sprintf("%s:%d:delayed", q.cfg.StreamPrefix, partition)
}

// promoteDelayed moves up to ARGV[2] entries due at ARGV[1] from the sorted
// set onto the stream in one step, so a crash cannot lose or duplicate them.
var promoteDelayed = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, payload in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', ARGV[3], payload)
	redis.call('ZREM', KEYS[1], payload)
end
return #due
`)

const promoteBatch = 100

// EnsureGroups creates the partition streams, the dead-letter stream and their groups
func (q *RedisQueue) EnsureGroups(ctx context.Context) error {
	for p := 0; p < q.cfg.Partitions; p++ {
		if err := q.createGroup(ctx, q.stream(p), q.cfg.Group); err != nil {
			return err
		}
	}
	return q.createGroup(ctx, q.cfg.DeadLetterStream, q.cfg.DeadLetterGroup)
}

func (q *RedisQueue) createGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (q *RedisQueue) Publish(ctx context.Context, msg models.IndexingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apierrors.Permanent("queue.publish", err)
	}
	p := PartitionFor(msg.JobID, q.cfg.Partitions)
	if msg.NotBefore.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.delayed(p), redis.Z{
			Score:  float64(msg.NotBefore.UnixMilli()),
			Member: string(data),
		}).Err()
	} else {
		err = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream(p),
			Values: map[string]interface{}{payloadField: string(data)},
		}).Err()
	}
	if err != nil {
		return apierrors.Transient("queue.publish", err)
	}
	return nil
}

// PromoteDue moves delayed messages of the given partitions whose NotBefore
// has passed onto their streams and returns how many were moved
func (q *RedisQueue) PromoteDue(ctx context.Context, partitions []int, now time.Time) (int, error) {
	total := 0
	for _, p := range partitions {
		for {
			n, err := promoteDelayed.Run(ctx, q.client,
				[]string{q.delayed(p), q.stream(p)},
				now.UnixMilli(), promoteBatch, payloadField,
			).Int()
			if err != nil {
				return total, apierrors.Transient("queue.promote", err)
			}
			total += n
			if n < promoteBatch {
				break
			}
		}
	}
	return total, nil
}

// Consume moves due delayed messages onto the streams, replays this
// consumer's own pending entries (left by a crash before ack), then reads
// new messages.
func (q *RedisQueue) Consume(ctx context.Context, partitions []int) (*Delivery, error) {
	if len(partitions) == 0 {
		return nil, nil
	}

	if _, err := q.PromoteDue(ctx, partitions, time.Now()); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Ints("partitions", partitions).Msg("Failed to promote delayed messages")
	}

	if backlog := q.undrained(partitions); len(backlog) > 0 {
		d, err := q.read(ctx, backlog, "0", -1)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		q.markDrained(backlog)
	}

	return q.read(ctx, partitions, ">", q.cfg.BlockTimeout)
}

func (q *RedisQueue) read(ctx context.Context, partitions []int, id string, block time.Duration) (*Delivery, error) {
	streams := make([]string, 0, 2*len(partitions))
	byStream := make(map[string]int, len(partitions))
	for _, p := range partitions {
		s := q.stream(p)
		streams = append(streams, s)
		byStream[s] = p
	}
	for range partitions {
		streams = append(streams, id)
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.consumer,
		Streams:  streams,
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierrors.Transient("queue.consume", err)
	}

	for _, xs := range res {
		if len(xs.Messages) == 0 {
			continue
		}
		m := xs.Messages[0]
		d := &Delivery{ID: m.ID, Partition: byStream[xs.Stream]}
		if err := decodePayload(m.Values, &d.Message); err != nil {
			log.Error().
				Err(err).
				Str("stream", xs.Stream).
				Str("message_id", m.ID).
				Msg("Dropping undecodable indexing message")
			q.deadLetterRaw(ctx, xs.Stream, m, err)
			q.client.XAck(ctx, xs.Stream, q.cfg.Group, m.ID)
			continue
		}
		return d, nil
	}
	return nil, nil
}

func (q *RedisQueue) deadLetterRaw(ctx context.Context, stream string, m redis.XMessage, cause error) {
	raw, _ := m.Values[payloadField].(string)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		Values: map[string]interface{}{
			payloadField: "",
			"raw":        raw,
			"source":     stream,
			"last_error": cause.Error(),
		},
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("message_id", m.ID).Msg("Failed to dead-letter undecodable message")
	}
}

func (q *RedisQueue) undrained(partitions []int) []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int
	for _, p := range partitions {
		if !q.backlogDrained[p] {
			out = append(out, p)
		}
	}
	return out
}

func (q *RedisQueue) markDrained(partitions []int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range partitions {
		q.backlogDrained[p] = true
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.stream(d.Partition), q.cfg.Group, d.ID).Err(); err != nil {
		return apierrors.Transient("queue.ack", err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, msg models.DeadLetterMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apierrors.Permanent("queue.dead_letter", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
	if err != nil {
		return apierrors.Transient("queue.dead_letter", err)
	}
	return nil
}

func (q *RedisQueue) ConsumeDeadLetter(ctx context.Context) (*DeadLetterDelivery, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.DeadLetterGroup,
		Consumer: q.consumer,
		Streams:  []string{q.cfg.DeadLetterStream, ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierrors.Transient("queue.consume_dead_letter", err)
	}
	for _, xs := range res {
		for _, m := range xs.Messages {
			d := &DeadLetterDelivery{ID: m.ID}
			if raw, _ := m.Values[payloadField].(string); raw == "" {
				d.Message.LastError, _ = m.Values["last_error"].(string)
				return d, nil
			}
			if err := decodePayload(m.Values, &d.Message); err != nil {
				log.Error().Err(err).Str("message_id", m.ID).Msg("Undecodable dead-letter message")
				d.Message.LastError = err.Error()
			}
			return d, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) AckDeadLetter(ctx context.Context, d *DeadLetterDelivery) error {
	if err := q.client.XAck(ctx, q.cfg.DeadLetterStream, q.cfg.DeadLetterGroup, d.ID).Err(); err != nil {
		return apierrors.Transient("queue.ack_dead_letter", err)
	}
	return nil
}

// Reclaim claims entries idle for at least minIdle on the given partitions
// and schedules them for redelivery to this consumer.
func (q *RedisQueue) Reclaim(ctx context.Context, partitions []int, minIdle time.Duration) (int, error) {
	total := 0
	var claimedOn []int
	for _, p := range partitions {
		start := "0-0"
		for {
			msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   q.stream(p),
				Group:    q.cfg.Group,
				Consumer: q.consumer,
				MinIdle:  minIdle,
				Start:    start,
				Count:    100,
			}).Result()
			if err != nil {
				return total, apierrors.Transient("queue.reclaim", err)
			}
			if len(msgs) > 0 {
				total += len(msgs)
				claimedOn = append(claimedOn, p)
			}
			if next == "0-0" || next == "" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}

	if len(claimedOn) > 0 {
		q.mu.Lock()
		for _, p := range claimedOn {
			q.backlogDrained[p] = false
		}
		q.mu.Unlock()
	}
	return total, nil
}

func decodePayload(values map[string]interface{}, out any) error {
	raw, ok := values[payloadField].(string)
	if !ok {
		return fmt.Errorf("missing %q field", payloadField)
	}
	return json.Unmarshal([]byte(raw), out)
}
