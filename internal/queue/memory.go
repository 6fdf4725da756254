package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/models"
)

type memoryEntry struct {
	id          string
	partition   int
	msg         models.IndexingMessage
	deliveredAt time.Time
}

type memoryDeadEntry struct {
	id  string
	msg models.DeadLetterMessage
}

// MemoryQueue is an in-process Queue with the same delivery semantics as the
// Redis implementation: per-partition FIFO, explicit ack, reclaim of unacked
// messages. Messages with a future NotBefore wait outside their partition
// until due, so they never hold up the messages behind them.
type MemoryQueue struct {
	mu           sync.Mutex
	partitions   int
	blockTimeout time.Duration
	seq          int64
	ready        [][]*memoryEntry
	delayed      []*memoryEntry
	inflight     map[string]*memoryEntry
	dead         []memoryDeadEntry
	deadInflight map[string]memoryDeadEntry
	deadHistory  []models.DeadLetterMessage
	published    int
	notify       chan struct{}
	closed       bool
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(partitions int, blockTimeout time.Duration) *MemoryQueue {
	if partitions <= 0 {
		partitions = 1
	}
	if blockTimeout <= 0 {
		blockTimeout = 100 * time.Millisecond
	}
	return &MemoryQueue{
		partitions:   partitions,
		blockTimeout: blockTimeout,
		ready:        make([][]*memoryEntry, partitions),
		inflight:     make(map[string]*memoryEntry),
		deadInflight: make(map[string]memoryDeadEntry),
		notify:       make(chan struct{}),
	}
}

func (q *MemoryQueue) Partitions() int {
	return q.partitions
}

// broadcast wakes all waiting consumers. Caller holds q.mu.
func (q *MemoryQueue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *MemoryQueue) nextID() string {
	q.seq++
	return strconv.FormatInt(q.seq, 10)
}

func (q *MemoryQueue) Publish(_ context.Context, msg models.IndexingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	p := PartitionFor(msg.JobID, q.partitions)
	e := &memoryEntry{id: q.nextID(), partition: p, msg: msg}
	if msg.NotBefore.After(time.Now()) {
		q.delayed = append(q.delayed, e)
	} else {
		q.ready[p] = append(q.ready[p], e)
	}
	q.published++
	q.broadcast()
	return nil
}

// promoteDue moves due delayed entries to the tail of their partition in
// NotBefore order and returns the earliest time a remaining one becomes due.
// Caller holds q.mu.
func (q *MemoryQueue) promoteDue(now time.Time) time.Time {
	var due []*memoryEntry
	rest := q.delayed[:0]
	var next time.Time
	for _, e := range q.delayed {
		if !e.msg.NotBefore.After(now) {
			due = append(due, e)
			continue
		}
		rest = append(rest, e)
		if next.IsZero() || e.msg.NotBefore.Before(next) {
			next = e.msg.NotBefore
		}
	}
	q.delayed = rest
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].msg.NotBefore.Before(due[j].msg.NotBefore)
	})
	for _, e := range due {
		q.ready[e.partition] = append(q.ready[e.partition], e)
	}
	return next
}

func (q *MemoryQueue) Consume(ctx context.Context, partitions []int) (*Delivery, error) {
	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		nextDue := q.promoteDue(time.Now())
		for _, p := range partitions {
			if p < 0 || p >= q.partitions || len(q.ready[p]) == 0 {
				continue
			}
			e := q.ready[p][0]
			q.ready[p] = q.ready[p][1:]
			e.deliveredAt = time.Now()
			q.inflight[e.id] = e
			q.mu.Unlock()
			return &Delivery{ID: e.id, Partition: e.partition, Message: e.msg}, nil
		}
		wake := q.notify
		q.mu.Unlock()

		var dueTimer *time.Timer
		var due <-chan time.Time
		if !nextDue.IsZero() {
			dueTimer = time.NewTimer(time.Until(nextDue))
			due = dueTimer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(dueTimer)
			return nil, ctx.Err()
		case <-timer.C:
			stopTimer(dueTimer)
			return nil, nil
		case <-wake:
		case <-due:
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.ID)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, msg models.DeadLetterMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.dead = append(q.dead, memoryDeadEntry{id: q.nextID(), msg: msg})
	q.deadHistory = append(q.deadHistory, msg)
	q.broadcast()
	return nil
}

func (q *MemoryQueue) ConsumeDeadLetter(ctx context.Context) (*DeadLetterDelivery, error) {
	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.dead) > 0 {
			e := q.dead[0]
			q.dead = q.dead[1:]
			q.deadInflight[e.id] = e
			q.mu.Unlock()
			return &DeadLetterDelivery{ID: e.id, Message: e.msg}, nil
		}
		wake := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (q *MemoryQueue) AckDeadLetter(_ context.Context, d *DeadLetterDelivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.deadInflight, d.ID)
	return nil
}

// Reclaim puts unacked deliveries older than minIdle back at the head of their partition
func (q *MemoryQueue) Reclaim(_ context.Context, partitions []int, minIdle time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[int]bool, len(partitions))
	for _, p := range partitions {
		wanted[p] = true
	}
	now := time.Now()
	reclaimed := 0
	for id, e := range q.inflight {
		if !wanted[e.partition] || now.Sub(e.deliveredAt) < minIdle {
			continue
		}
		delete(q.inflight, id)
		q.ready[e.partition] = append([]*memoryEntry{e}, q.ready[e.partition]...)
		reclaimed++
	}
	if reclaimed > 0 {
		q.broadcast()
	}
	return reclaimed, nil
}

// DeadLetters returns every message ever dead-lettered, in order
func (q *MemoryQueue) DeadLetters() []models.DeadLetterMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.DeadLetterMessage, len(q.deadHistory))
	copy(out, q.deadHistory)
	return out
}

// Published returns how many messages were published, retries included
func (q *MemoryQueue) Published() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published
}

// Pending returns the number of ready, delayed and unacked messages
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.inflight) + len(q.delayed)
	for _, r := range q.ready {
		n += len(r)
	}
	return n
}

// Close wakes all consumers and rejects further operations
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}
