package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Leaser grants one process at a time the right to consume a partition.
// Acquire takes a free lease or extends one the caller already holds, and
// reports whether the caller holds it afterwards. A lease that is not
// renewed within TTL expires and can be taken by another process.
type Leaser interface {
	Acquire(ctx context.Context, partition int) (bool, error)
	Release(ctx context.Context, partition int) error
	TTL() time.Duration
}

var acquireLease = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaser keeps partition leases as expiring keys holding the owner's
// consumer name
type RedisLeaser struct {
	client *redis.Client
	prefix string
	owner  string
	ttl    time.Duration
}

// NewRedisLeaser creates a leaser for owner, which should be the same
// consumer name the queue reads with
func NewRedisLeaser(client *redis.Client, cfg *config.QueueConfig, owner string) *RedisLeaser {
	return &RedisLeaser{
		client: client,
		prefix: cfg.StreamPrefix,
		owner:  owner,
		ttl:    cfg.LeaseTTL,
	}
}

func (l *RedisLeaser) key(partition int) string {
	return fmt.Sprintf("%s:%d:lease", l.prefix, partition)
}

func (l *RedisLeaser) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLeaser) Acquire(ctx context.Context, partition int) (bool, error) {
	n, err := acquireLease.Run(ctx, l.client, []string{l.key(partition)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, apierrors.Transient("queue.lease", err)
	}
	return n == 1, nil
}

func (l *RedisLeaser) Release(ctx context.Context, partition int) error {
	if err := releaseLease.Run(ctx, l.client, []string{l.key(partition)}, l.owner).Err(); err != nil {
		return apierrors.Transient("queue.release_lease", err)
	}
	return nil
}

// LeaseTable is an in-process lease store shared by several leasers
type LeaseTable struct {
	mu     sync.Mutex
	leases map[int]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewLeaseTable creates an empty lease table
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[int]memoryLease)}
}

// Leaser returns a leaser acting for owner
func (t *LeaseTable) Leaser(owner string, ttl time.Duration) Leaser {
	return &memoryLeaser{table: t, owner: owner, ttl: ttl}
}

// Owner returns the current holder of a partition, or "" when it is free
func (t *LeaseTable) Owner(partition int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[partition]
	if !ok || time.Now().After(l.expires) {
		return ""
	}
	return l.owner
}

type memoryLeaser struct {
	table *LeaseTable
	owner string
	ttl   time.Duration
}

func (l *memoryLeaser) TTL() time.Duration {
	return l.ttl
}

func (l *memoryLeaser) Acquire(_ context.Context, partition int) (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	now := time.Now()
	cur, ok := l.table.leases[partition]
	if ok && cur.owner != l.owner && now.Before(cur.expires) {
		return false, nil
	}
	l.table.leases[partition] = memoryLease{owner: l.owner, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *memoryLeaser) Release(_ context.Context, partition int) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if cur, ok := l.table.leases[partition]; ok && cur.owner == l.owner {
		delete(l.table.leases, partition)
	}
	return nil
}
