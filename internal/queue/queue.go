package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
)

// Delivery is one received indexing message. ID is the broker's message id.
type Delivery struct {
	ID        string
	Partition int
	Message   models.IndexingMessage
}

// DeadLetterDelivery is one received dead-letter message
type DeadLetterDelivery struct {
	ID      string
	Message models.DeadLetterMessage
}

// Queue is a durable, partitioned, at-least-once indexing queue.
// Consume blocks until a message from one of the given partitions is
// available; it returns (nil, nil) when the block timeout passes.
type Queue interface {
	Publish(ctx context.Context, msg models.IndexingMessage) error
	Consume(ctx context.Context, partitions []int) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, msg models.DeadLetterMessage) error
	Partitions() int
}

// DeadLetterSource drains the dead-letter channel
type DeadLetterSource interface {
	ConsumeDeadLetter(ctx context.Context) (*DeadLetterDelivery, error)
	AckDeadLetter(ctx context.Context, d *DeadLetterDelivery) error
}

// Reclaimer hands messages left pending by dead consumers back for redelivery
type Reclaimer interface {
	Reclaim(ctx context.Context, partitions []int, minIdle time.Duration) (int, error)
}

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

// PartitionFor maps a job to its partition. All messages of one job share a partition.
func PartitionFor(jobID uuid.UUID, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(jobID[:])
	return int(h.Sum32() % uint32(partitions))
}
