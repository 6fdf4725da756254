package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/ingest"
	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/queue"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrJobCancelled aborts processing at a checkpoint once the job was cancelled
var ErrJobCancelled = errors.New("job cancelled")

// consumeBackoff is the pause after a failed consume before trying again
const consumeBackoff = time.Second

// JobTracker records worker-driven job transitions
type JobTracker interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) (*models.IndexingJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, chunks int) (*models.IndexingJob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (*models.IndexingJob, error)
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// DocumentProcessor indexes one document
type DocumentProcessor interface {
	Process(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// Pool is a fixed set of workers draining the indexing queue. Worker i owns
// the partitions p with p % size == i, so each partition has one consumer
// inside the process. With a Leaser, a worker only consumes the partitions
// its process holds a lease on, so each partition has one consumer across
// all processes sharing the queue.
type Pool struct {
	jobs      JobTracker
	queue     queue.Queue
	processor DocumentProcessor
	reclaimer queue.Reclaimer
	leaser    queue.Leaser
	policy    retry.Policy
	size      int
	qcfg      *config.QueueConfig
	now       func() time.Time
	logger    zerolog.Logger

	heldMu sync.RWMutex
	held   map[int]bool

	stopCh        chan struct{}
	cancelConsume context.CancelFunc
	wg            sync.WaitGroup
	leaseStop     chan struct{}
	leaseDone     chan struct{}
	running       bool
	mu            sync.Mutex
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithLeaser makes the pool consume only partitions it holds a lease on
func WithLeaser(l queue.Leaser) PoolOption {
	return func(p *Pool) {
		p.leaser = l
	}
}

// NewPool creates a worker pool. reclaimer may be nil.
func NewPool(tracker JobTracker, q queue.Queue, processor DocumentProcessor, reclaimer queue.Reclaimer, wcfg *config.WorkerConfig, qcfg *config.QueueConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:      tracker,
		queue:     q,
		processor: processor,
		reclaimer: reclaimer,
		policy:    retry.NewPolicy(wcfg),
		size:      wcfg.PoolSize,
		qcfg:      qcfg,
		now:       time.Now,
		logger:    logging.NewLogger("worker"),
		held:      make(map[int]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Assignment returns the partitions owned by each worker
func Assignment(workers, partitions int) [][]int {
	if workers > partitions {
		workers = partitions
	}
	out := make([][]int, workers)
	for p := 0; p < partitions; p++ {
		out[p%workers] = append(out[p%workers], p)
	}
	return out
}

// Start launches the workers and the reclaim loop. In-flight messages run
// under ctx; Stop only ends consumption.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	consumeCtx, cancel := context.WithCancel(ctx)
	p.cancelConsume = cancel
	p.mu.Unlock()

	if p.leaser != nil {
		p.refreshLeases(ctx)
		p.leaseStop = make(chan struct{})
		p.leaseDone = make(chan struct{})
		go p.leaseLoop(ctx)
	}

	assignment := Assignment(p.size, p.queue.Partitions())
	for i, partitions := range assignment {
		p.wg.Add(1)
		go p.run(ctx, consumeCtx, i, partitions)
	}

	if p.reclaimer != nil && p.qcfg.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(consumeCtx)
	}

	p.logger.Info().
		Int("workers", len(assignment)).
		Int("partitions", p.queue.Partitions()).
		Msg("Worker pool started")
	return nil
}

// Stop ends consumption and waits for in-flight messages to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancelConsume()
	p.mu.Unlock()

	p.wg.Wait()
	if p.leaser != nil {
		// leases stay renewed until in-flight messages are done
		close(p.leaseStop)
		<-p.leaseDone
		p.releaseLeases()
	}
	p.logger.Info().Msg("Worker pool stopped")
}

// Owned returns the subset of partitions this pool may consume
func (p *Pool) Owned(partitions []int) []int {
	if p.leaser == nil {
		return partitions
	}
	p.heldMu.RLock()
	defer p.heldMu.RUnlock()
	out := make([]int, 0, len(partitions))
	for _, part := range partitions {
		if p.held[part] {
			out = append(out, part)
		}
	}
	return out
}

func (p *Pool) leaseLoop(ctx context.Context) {
	defer close(p.leaseDone)

	interval := p.leaser.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.leaseStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshLeases(ctx)
		}
	}
}

// refreshLeases takes free partitions and renews held ones. A partition
// whose renewal fails is treated as lost until the next round.
func (p *Pool) refreshLeases(ctx context.Context) {
	for part := 0; part < p.queue.Partitions(); part++ {
		ok, err := p.leaser.Acquire(ctx, part)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Int("partition", part).Msg("Failed to renew partition lease")
			}
			ok = false
		}

		p.heldMu.Lock()
		was := p.held[part]
		p.held[part] = ok
		p.heldMu.Unlock()

		switch {
		case ok && !was:
			p.logger.Info().Int("partition", part).Msg("Partition lease acquired")
		case !ok && was:
			p.logger.Warn().Int("partition", part).Msg("Partition lease lost")
		}
	}
}

func (p *Pool) releaseLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.heldMu.Lock()
	defer p.heldMu.Unlock()
	for part, ok := range p.held {
		if !ok {
			continue
		}
		if err := p.leaser.Release(ctx, part); err != nil {
			p.logger.Warn().Err(err).Int("partition", part).Msg("Failed to release partition lease")
		}
		p.held[part] = false
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) run(ctx, consumeCtx context.Context, worker int, partitions []int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", worker).Ints("partitions", partitions).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		case <-consumeCtx.Done():
			return
		default:
		}

		owned := p.Owned(partitions)
		if len(owned) == 0 {
			_ = retry.Sleep(consumeCtx, p.idleWait())
			continue
		}

		d, err := p.queue.Consume(consumeCtx, owned)
		if errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			if consumeCtx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Failed to consume indexing message")
			_ = retry.Sleep(consumeCtx, consumeBackoff)
			continue
		}
		if d == nil {
			continue
		}

		monitoring.Get().WorkersBusy.Inc()
		p.handleSafely(ctx, d)
		monitoring.Get().WorkersBusy.Dec()
	}
}

func (p *Pool) idleWait() time.Duration {
	if p.qcfg.BlockTimeout > 0 {
		return p.qcfg.BlockTimeout
	}
	return time.Second
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	all := make([]int, p.queue.Partitions())
	for i := range all {
		all[i] = i
	}

	ticker := time.NewTicker(p.qcfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			owned := p.Owned(all)
			if len(owned) == 0 {
				continue
			}
			n, err := p.reclaimer.Reclaim(ctx, owned, p.qcfg.ReclaimIdle)
			if err != nil {
				p.logger.Error().Err(err).Msg("Failed to reclaim stale messages")
				continue
			}
			if n > 0 {
				monitoring.RecordReclaimed(n)
				p.logger.Warn().Int("reclaimed", n).Msg("Reclaimed messages from dead consumers")
			}
		}
	}
}

// Handle processes one delivery to completion: the job ends COMPLETED, is
// scheduled for retry, or is dead-lettered and marked FAILED. The delivery is
// left unacked only when ctx ends mid-flight, so it is redelivered later.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	logger := p.logger.With().
		Str("job_id", msg.JobID.String()).
		Int("partition", d.Partition).
		Int("attempt", msg.AttemptCount).
		Logger()

	if wait := msg.NotBefore.Sub(p.now()); !msg.NotBefore.IsZero() && wait > 0 {
		// Delivered early; hand it back to the queue's delay schedule
		// instead of holding up the worker's other partitions.
		if err := p.queue.Publish(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("Failed to reschedule early message")
			return
		}
		logger.Debug().Dur("wait", wait).Msg("Message not due yet, rescheduled")
		p.ack(ctx, d, logger)
		return
	}

	_, err := p.jobs.MarkProcessing(ctx, msg.JobID)
	switch {
	case errors.Is(err, jobs.ErrJobTerminal):
		// Cancelled before pickup, or a redelivery of a finished job.
		logger.Info().Msg("Skipping message for terminal job")
		p.ack(ctx, d, logger)
		return
	case err != nil && ctx.Err() != nil:
		return
	case apierrors.IsNotFound(err) || apierrors.KindOf(err) == apierrors.KindInvalidState:
		p.deadLetter(ctx, d, msg.AttemptCount, err, logger)
		return
	case err != nil:
		// Store unavailable or contended.
		p.retryLater(ctx, d, msg.AttemptCount+1, err, logger)
		return
	}

	res, err := p.processor.Process(ctx, ingest.Request{
		JobID:      msg.JobID,
		OwnerID:    msg.OwnerID,
		FileRef:    msg.FileRef,
		Filename:   msg.Filename,
		Topic:      msg.Topic,
		Metadata:   msg.Metadata,
		Attempt:    msg.AttemptCount,
		Checkpoint: p.checkpoint(msg.JobID),
	})

	// Processors report the budget they charged; never go below what the message carried.
	attempts := max(res.Attempts, msg.AttemptCount)

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		if _, err := p.jobs.MarkCompleted(ctx, msg.JobID, res.Chunks); err != nil {
			if !errors.Is(err, jobs.ErrJobTerminal) {
				if ctx.Err() == nil {
					p.retryLater(ctx, d, attempts+1, err, logger)
				}
				return
			}
			logger.Info().Msg("Job reached a terminal state during processing")
		}
		p.ack(ctx, d, logger)

	case errors.Is(err, ErrJobCancelled):
		logger.Info().Msg("Processing aborted, job cancelled")
		p.ack(ctx, d, logger)

	case ctx.Err() != nil:
		logger.Warn().Msg("Processing interrupted, message left for redelivery")

	case errors.As(err, &exhausted):
		p.deadLetter(ctx, d, exhausted.Attempts, err, logger)

	case apierrors.IsTransient(err):
		p.retryLater(ctx, d, attempts+1, err, logger)

	default:
		p.deadLetter(ctx, d, attempts, err, logger)
	}
}

// handleSafely runs Handle and dead-letters the message if it panics, so one
// bad document cannot take down the process and come back after a reclaim.
func (p *Pool) handleSafely(ctx context.Context, d *queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger := p.logger.With().
				Str("job_id", d.Message.JobID.String()).
				Int("partition", d.Partition).
				Logger()
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic while handling indexing message")
			p.deadLetter(ctx, d, d.Message.AttemptCount, apierrors.Permanent("worker.handle", fmt.Errorf("panic: %v", r)), logger)
		}
	}()
	p.Handle(ctx, d)
}

// checkpoint aborts processing once the job has been cancelled. Lookup
// failures do not abort; the final transition catches the cancellation.
func (p *Pool) checkpoint(id uuid.UUID) func(context.Context) error {
	return func(ctx context.Context) error {
		cancelled, err := p.jobs.IsCancelled(ctx, id)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to check cancellation")
			return nil
		}
		if cancelled {
			return apierrors.Cancellation("worker.checkpoint", ErrJobCancelled)
		}
		return nil
	}
}

// retryLater republishes the message with a backoff delay, or dead-letters
// it once attempts exceed the ceiling.
func (p *Pool) retryLater(ctx context.Context, d *queue.Delivery, attempts int, cause error, logger zerolog.Logger) {
	if p.policy.Exhausted(attempts) {
		p.deadLetter(ctx, d, attempts, &retry.ExhaustedError{Attempts: attempts, Err: cause}, logger)
		return
	}

	next := d.Message
	next.AttemptCount = attempts
	next.NotBefore = p.now().Add(p.policy.Delay(attempts))
	if err := p.queue.Publish(ctx, next); err != nil {
		logger.Error().Err(err).Msg("Failed to republish message for retry")
		return
	}
	monitoring.RecordWorkerRetry(attempts)
	logger.Warn().
		Err(cause).
		Int("next_attempt", attempts).
		Time("not_before", next.NotBefore).
		Msg("Indexing failed, retry scheduled")
	p.ack(ctx, d, logger)
}

// deadLetter publishes to the dead-letter channel, marks the job FAILED and
// acks. If the dead-letter publish fails the delivery stays pending.
func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, attempts int, cause error, logger zerolog.Logger) {
	dead := models.DeadLetterMessage{
		IndexingMessage: d.Message,
		LastError:       cause.Error(),
		FailedAt:        p.now().UTC(),
	}
	dead.AttemptCount = attempts
	dead.NotBefore = time.Time{}

	if err := p.queue.DeadLetter(ctx, dead); err != nil {
		logger.Error().Err(err).Msg("Failed to publish dead letter")
		return
	}
	monitoring.RecordDeadLetter()

	if _, err := p.jobs.MarkFailed(ctx, d.Message.JobID, failureMessage(attempts, cause)); err != nil && !errors.Is(err, jobs.ErrJobTerminal) {
		logger.Error().Err(err).Msg("Failed to mark job failed")
	}
	logger.Error().Err(cause).Int("attempts", attempts).Msg("Indexing message dead-lettered")
	p.ack(ctx, d, logger)
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, logger zerolog.Logger) {
	if err := p.queue.Ack(ctx, d); err != nil {
		logger.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to ack message")
	}
}

func failureMessage(attempts int, cause error) string {
	var exhausted *retry.ExhaustedError
	if errors.As(cause, &exhausted) {
		return fmt.Sprintf("indexing failed after %d attempts: %v", exhausted.Attempts, exhausted.Err)
	}
	if attempts > 0 {
		return fmt.Sprintf("indexing failed after %d attempts: %v", attempts, cause)
	}
	return fmt.Sprintf("indexing failed: %v", cause)
}
