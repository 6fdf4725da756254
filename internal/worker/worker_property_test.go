package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/ingest"
	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/provider/providertest"
	"github.com/aimerfeng/CampusRAG/internal/queue"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/aimerfeng/CampusRAG/internal/vectorindex"
	"github.com/aimerfeng/CampusRAG/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const owner = "student-1"

type recordingAuditor struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *recordingAuditor) Publish(ev models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) byAction(action string) []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range a.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// recordingTracker records every status the worker successfully moves a job to
type recordingTracker struct {
	*jobs.Service
	onCheck func(id uuid.UUID)

	mu       sync.Mutex
	statuses []models.JobStatus
}

func (r *recordingTracker) record(job *models.IndexingJob, err error) {
	if err != nil || job == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n > 0 && r.statuses[n-1] == job.Status {
		return
	}
	r.statuses = append(r.statuses, job.Status)
}

func (r *recordingTracker) MarkProcessing(ctx context.Context, id uuid.UUID) (*models.IndexingJob, error) {
	job, err := r.Service.MarkProcessing(ctx, id)
	r.record(job, err)
	return job, err
}

func (r *recordingTracker) MarkCompleted(ctx context.Context, id uuid.UUID, chunks int) (*models.IndexingJob, error) {
	job, err := r.Service.MarkCompleted(ctx, id, chunks)
	r.record(job, err)
	return job, err
}

func (r *recordingTracker) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*models.IndexingJob, error) {
	job, err := r.Service.MarkFailed(ctx, id, message)
	r.record(job, err)
	return job, err
}

func (r *recordingTracker) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	if r.onCheck != nil {
		r.onCheck(id)
	}
	return r.Service.IsCancelled(ctx, id)
}

func (r *recordingTracker) history() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobStatus(nil), r.statuses...)
}

type harness struct {
	svc      *jobs.Service
	tracker  *recordingTracker
	queue    *queue.MemoryQueue
	index    *vectorindex.MemoryIndex
	embedder *providertest.Embedder
	auditor  *recordingAuditor
	proc     worker.DocumentProcessor
	pool     *worker.Pool
	dir      string
}

func ingestConfig() *config.IngestConfig {
	return &config.IngestConfig{
		ChunkTokens:       500,
		MinChunkTokens:    200,
		OverlapTokens:     50,
		EmbedBatchSize:    100,
		MaxFileSizeMB:     20,
		AllowedExtensions: []string{".pdf", ".txt", ".md", ".docx", ".xlsx"},
	}
}

func newHarness(t testing.TB, processor func(h *harness) worker.DocumentProcessor) *harness {
	h := &harness{
		queue:    queue.NewMemoryQueue(4, 20*time.Millisecond),
		index:    vectorindex.NewMemoryIndex(),
		embedder: providertest.NewEmbedder(),
		auditor:  &recordingAuditor{},
		dir:      t.TempDir(),
	}
	icfg := ingestConfig()
	h.svc = jobs.NewService(jobs.NewMemoryStore(), h.queue, nil, h.index, h.auditor, icfg)
	h.tracker = &recordingTracker{Service: h.svc}

	wcfg := &config.WorkerConfig{PoolSize: 2, MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	qcfg := &config.QueueConfig{Partitions: 4, ReclaimIdle: time.Minute}

	if processor != nil {
		h.proc = processor(h)
	} else {
		h.proc = ingest.NewProcessor(ingest.FileExtractor{}, h.embedder, h.index, retry.NewPolicy(wcfg), icfg)
	}
	h.pool = worker.NewPool(h.tracker, h.queue, h.proc, h.queue, wcfg, qcfg)
	return h
}

// threeParagraphs splits into exactly three chunks under the default window
func threeParagraphs() string {
	return strings.Join([]string{
		strings.Repeat("limits continuity ", 66),
		strings.Repeat("derivative slope ", 70),
		strings.Repeat("integral area ", 85),
	}, "\n\n")
}

func (h *harness) submit(t testing.TB, filename, content string) *models.IndexingJob {
	t.Helper()
	path := filepath.Join(h.dir, uuid.NewString()+filepath.Ext(filename))
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	job, err := h.svc.Submit(context.Background(), jobs.SubmitRequest{
		OwnerID:  owner,
		Filename: filename,
		FileRef:  path,
		Topic:    "calculus",
		Size:     int64(len(content)) + 1,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) next(t testing.TB) *queue.Delivery {
	t.Helper()
	d, err := h.queue.Consume(context.Background(), []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.NotNil(t, d, "expected a queued message")
	return d
}

func (h *harness) status(t testing.TB, id uuid.UUID) *models.IndexingJob {
	t.Helper()
	job, err := h.svc.GetStatus(context.Background(), id, owner)
	require.NoError(t, err)
	return job
}

func TestScenarioA_JobCompletesWithChunkCount(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, "calc.txt", threeParagraphs())
	assert.Equal(t, models.JobStatusPending, job.Status)

	require.NoError(t, h.pool.Start(context.Background()))
	defer h.pool.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final := h.status(t, job.ID)
	assert.Equal(t, 3, final.ChunksCreated)
	assert.Nil(t, final.ErrorMessage)
	assert.Equal(t, []models.JobStatus{models.JobStatusProcessing, models.JobStatusCompleted}, h.tracker.history())
	assert.Equal(t, 3, h.index.Count("calculus"))
	assert.Empty(t, h.queue.DeadLetters())
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestScenarioB_ExhaustedEmbeddingDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.FailTimes = 4
	job := h.submit(t, "calc.txt", threeParagraphs())

	h.pool.Handle(context.Background(), h.next(t))

	final := h.status(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "after 4 attempts")

	dead := h.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].JobID)
	assert.Equal(t, 4, dead[0].AttemptCount)
	assert.Contains(t, dead[0].LastError, providertest.ErrUnavailable.Error())
	assert.False(t, dead[0].FailedAt.IsZero())
	assert.Equal(t, 0, h.queue.Pending(), "dead-lettered delivery is acked")
	assert.Zero(t, h.index.Count("calculus"))
}

// TestProperty_DeadLetterOnlyAfterCeiling tests the retry ceiling
// *For any* prior attempt count N <= ceiling and K consecutive provider failures,
// the message SHALL be dead-lettered iff N+K exceeds the ceiling, with attemptCount = ceiling+1.
func TestProperty_DeadLetterOnlyAfterCeiling(t *testing.T) {
	const ceiling = 3
	content := threeParagraphs()

	rapid.Check(t, func(rt *rapid.T) {
		prior := rapid.IntRange(0, ceiling).Draw(rt, "prior")
		failures := rapid.IntRange(0, 6).Draw(rt, "failures")

		h := newHarness(t, nil)
		h.embedder.FailTimes = failures
		job := h.submit(t, "calc.txt", content)
		d := h.next(t)
		d.Message.AttemptCount = prior

		h.pool.Handle(context.Background(), d)

		final := h.status(t, job.ID)
		dead := h.queue.DeadLetters()
		if prior+failures > ceiling {
			if final.Status != models.JobStatusFailed || len(dead) != 1 {
				t.Fatalf("PROPERTY VIOLATION: prior=%d failures=%d should dead-letter, status=%s dead=%d", prior, failures, final.Status, len(dead))
			}
			if dead[0].AttemptCount != ceiling+1 {
				t.Fatalf("PROPERTY VIOLATION: dead letter attemptCount=%d, want %d", dead[0].AttemptCount, ceiling+1)
			}
			return
		}
		if len(dead) != 0 {
			t.Fatalf("PROPERTY VIOLATION: prior=%d failures=%d dead-lettered before the ceiling", prior, failures)
		}
		if final.Status != models.JobStatusCompleted || final.ChunksCreated != 3 {
			t.Fatalf("PROPERTY VIOLATION: prior=%d failures=%d ended %s with %d chunks", prior, failures, final.Status, final.ChunksCreated)
		}
	})
}

// TestProperty_RedeliveryConvergesOnSameChunks tests at-least-once idempotence
// *For any* number of redeliveries of one message, the index SHALL hold the same chunk set.
func TestProperty_RedeliveryConvergesOnSameChunks(t *testing.T) {
	content := threeParagraphs()

	rapid.Check(t, func(rt *rapid.T) {
		deliveries := rapid.IntRange(1, 4).Draw(rt, "deliveries")

		h := newHarness(t, nil)
		job := h.submit(t, "calc.txt", content)
		d := h.next(t)

		// Crashed workers leave the job PROCESSING after writing its chunks.
		for i := 1; i < deliveries; i++ {
			if _, err := h.svc.MarkProcessing(context.Background(), job.ID); err != nil {
				t.Fatalf("mark processing: %v", err)
			}
			msg := d.Message
			if _, err := h.proc.Process(context.Background(), ingest.Request{
				JobID: msg.JobID, OwnerID: msg.OwnerID, FileRef: msg.FileRef, Filename: msg.Filename, Topic: msg.Topic,
			}); err != nil {
				t.Fatalf("process: %v", err)
			}
		}
		h.pool.Handle(context.Background(), d)
		// A late duplicate of an acked message is skipped.
		h.pool.Handle(context.Background(), d)

		if n := h.index.Count("calculus"); n != 3 {
			t.Fatalf("PROPERTY VIOLATION: %d deliveries left %d chunks, want 3", deliveries, n)
		}
		if st := h.status(t, job.ID).Status; st != models.JobStatusCompleted {
			t.Fatalf("PROPERTY VIOLATION: job ended %s", st)
		}
	})
}

func TestHandle_PermanentFailureSkipsRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	// No content written: the stored file is missing.
	job := h.submit(t, "calc.txt", "")

	h.pool.Handle(context.Background(), h.next(t))

	assert.Equal(t, models.JobStatusFailed, h.status(t, job.ID).Status)
	dead := h.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 0, dead[0].AttemptCount)
	assert.Contains(t, dead[0].LastError, ingest.ErrFileMissing.Error())
	assert.Zero(t, h.embedder.Calls())
}

func TestHandle_CancelledBeforePickup(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, "calc.txt", threeParagraphs())
	_, err := h.svc.Cancel(context.Background(), job.ID, owner)
	require.NoError(t, err)

	h.pool.Handle(context.Background(), h.next(t))

	assert.Equal(t, models.JobStatusCancelled, h.status(t, job.ID).Status)
	assert.Zero(t, h.embedder.Calls())
	assert.Empty(t, h.queue.DeadLetters())
	assert.Equal(t, 0, h.queue.Pending())
}

func TestHandle_CancelledAtCheckpoint(t *testing.T) {
	h := newHarness(t, func(h *harness) worker.DocumentProcessor {
		cfg := ingestConfig()
		cfg.EmbedBatchSize = 1
		return ingest.NewProcessor(ingest.FileExtractor{}, h.embedder, h.index, retry.Policy{MaxRetries: 3}, cfg)
	})
	job := h.submit(t, "calc.txt", threeParagraphs())
	var once sync.Once
	h.tracker.onCheck = func(id uuid.UUID) {
		once.Do(func() {
			_, err := h.svc.Cancel(context.Background(), id, owner)
			require.NoError(t, err)
		})
	}

	h.pool.Handle(context.Background(), h.next(t))

	final := h.status(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status, "cancellation is never overwritten")
	assert.Zero(t, final.ChunksCreated)
	assert.Equal(t, 1, h.index.Count("calculus"), "processing stops after the first batch")
	assert.Empty(t, h.queue.DeadLetters())
	assert.Equal(t, 0, h.queue.Pending())
	assert.NotContains(t, h.tracker.history(), models.JobStatusCompleted)
}

type blockingProcessor struct{}

func (blockingProcessor) Process(ctx context.Context, _ ingest.Request) (ingest.Result, error) {
	<-ctx.Done()
	return ingest.Result{}, apierrors.Cancellation("test.process", ctx.Err())
}

func TestHandle_ShutdownLeavesMessageForRedelivery(t *testing.T) {
	h := newHarness(t, func(*harness) worker.DocumentProcessor { return blockingProcessor{} })
	job := h.submit(t, "calc.txt", threeParagraphs())
	d := h.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.pool.Handle(ctx, d)

	assert.Equal(t, models.JobStatusProcessing, h.status(t, job.ID).Status)
	assert.Equal(t, 1, h.queue.Pending(), "unacked delivery stays pending")
	assert.Empty(t, h.queue.DeadLetters())

	n, err := h.queue.Reclaim(context.Background(), []int{0, 1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type transientProcessor struct{}

func (transientProcessor) Process(context.Context, ingest.Request) (ingest.Result, error) {
	return ingest.Result{}, apierrors.Transient("test.process", providertest.ErrUnavailable)
}

func TestHandle_TransientFailureIsRepublishedWithBackoff(t *testing.T) {
	h := newHarness(t, func(*harness) worker.DocumentProcessor { return transientProcessor{} })
	job := h.submit(t, "calc.txt", threeParagraphs())

	before := time.Now()
	h.pool.Handle(context.Background(), h.next(t))

	assert.Equal(t, 2, h.queue.Published())
	retried := h.next(t)
	assert.Equal(t, job.ID, retried.Message.JobID)
	assert.Equal(t, 1, retried.Message.AttemptCount)
	assert.False(t, retried.Message.NotBefore.Before(before))
	assert.Equal(t, models.JobStatusProcessing, h.status(t, job.ID).Status)

	// The last allowed attempt fails over to the dead-letter channel.
	retried.Message.AttemptCount = 3
	h.pool.Handle(context.Background(), retried)
	dead := h.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 4, dead[0].AttemptCount)
	assert.Equal(t, models.JobStatusFailed, h.status(t, job.ID).Status)
}

func TestPool_StartTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pool.Start(context.Background()))
	defer h.pool.Stop()
	assert.Error(t, h.pool.Start(context.Background()))
	assert.True(t, h.pool.IsRunning())
}

func TestAssignment_EachPartitionHasOneWorker(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 16).Draw(rt, "workers")
		partitions := rapid.IntRange(1, 32).Draw(rt, "partitions")

		seen := make(map[int]int)
		for _, parts := range worker.Assignment(workers, partitions) {
			if len(parts) == 0 {
				t.Fatalf("PROPERTY VIOLATION: idle worker in assignment of %d partitions to %d workers", partitions, workers)
			}
			for _, p := range parts {
				seen[p]++
			}
		}
		for p := 0; p < partitions; p++ {
			if seen[p] != 1 {
				t.Fatalf("PROPERTY VIOLATION: partition %d has %d consumers", p, seen[p])
			}
		}
	})
}

func TestDeadLetterConsumer_EmitsAuditEvent(t *testing.T) {
	q := queue.NewMemoryQueue(1, 20*time.Millisecond)
	auditor := &recordingAuditor{}
	jobID := uuid.New()
	require.NoError(t, q.DeadLetter(context.Background(), models.DeadLetterMessage{
		IndexingMessage: models.IndexingMessage{JobID: jobID, OwnerID: owner, Filename: "calc.txt", Topic: "calculus", AttemptCount: 4},
		LastError:       "provider unavailable",
		FailedAt:        time.Now().UTC(),
	}))

	c := worker.NewDeadLetterConsumer(q, auditor)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(auditor.byAction(models.AuditActionDeadLettered)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	ev := auditor.byAction(models.AuditActionDeadLettered)[0]
	assert.Equal(t, owner, ev.UserID)
	assert.Equal(t, jobID.String(), ev.Detail["job_id"])
	assert.Equal(t, 4, ev.Detail["attempt_count"])
	assert.NotEqual(t, uuid.Nil, ev.ID)
}

func TestHandle_EarlyMessageIsRescheduledNotAwaited(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, "calc.txt", threeParagraphs())
	d := h.next(t)
	d.Message.NotBefore = time.Now().Add(time.Hour)

	start := time.Now()
	h.pool.Handle(context.Background(), d)

	assert.Less(t, time.Since(start), time.Second, "the worker is not held until the message is due")
	assert.Equal(t, models.JobStatusPending, h.status(t, job.ID).Status)
	assert.Zero(t, h.embedder.Calls())
	assert.Equal(t, 2, h.queue.Published())
	assert.Equal(t, 1, h.queue.Pending(), "the delivery is acked and its message waits for its time")
}

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, ingest.Request) (ingest.Result, error) {
	panic("index out of range")
}

func TestPool_ProcessorPanicDeadLetters(t *testing.T) {
	h := newHarness(t, func(*harness) worker.DocumentProcessor { return panickingProcessor{} })
	job := h.submit(t, "calc.pdf", threeParagraphs())

	require.NoError(t, h.pool.Start(context.Background()))
	defer h.pool.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	dead := h.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "panic")

	// the worker survives and keeps consuming
	next := h.submit(t, "calc2.pdf", threeParagraphs())
	require.Eventually(t, func() bool {
		return h.status(t, next.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

// taggingProcessor records which pool handled each job
type taggingProcessor struct {
	name  string
	inner worker.DocumentProcessor
	mu    *sync.Mutex
	seen  map[uuid.UUID]string
}

func (p taggingProcessor) Process(ctx context.Context, req ingest.Request) (ingest.Result, error) {
	p.mu.Lock()
	p.seen[req.JobID] = p.name
	p.mu.Unlock()
	return p.inner.Process(ctx, req)
}

func TestPool_LeasesGiveEachPartitionOneProcess(t *testing.T) {
	h := newHarness(t, nil)
	table := queue.NewLeaseTable()
	const ttl = 60 * time.Millisecond
	wcfg := &config.WorkerConfig{PoolSize: 2, MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	qcfg := &config.QueueConfig{Partitions: 4, ReclaimIdle: time.Minute, BlockTimeout: 10 * time.Millisecond}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]string)
	newPool := func(name string) *worker.Pool {
		proc := taggingProcessor{name: name, inner: h.proc, mu: &mu, seen: seen}
		return worker.NewPool(h.tracker, h.queue, proc, h.queue, wcfg, qcfg, worker.WithLeaser(table.Leaser(name, ttl)))
	}
	a, b := newPool("a"), newPool("b")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	all := []int{0, 1, 2, 3}
	assert.Equal(t, all, a.Owned(all), "the first process takes the free partitions")
	assert.Empty(t, b.Owned(all))

	submitAll := func(n int) []*models.IndexingJob {
		out := make([]*models.IndexingJob, n)
		for i := range out {
			out[i] = h.submit(t, "calc.txt", threeParagraphs())
		}
		return out
	}
	completed := func(js []*models.IndexingJob) func() bool {
		return func() bool {
			for _, j := range js {
				if h.status(t, j.ID).Status != models.JobStatusCompleted {
					return false
				}
			}
			return true
		}
	}
	byPartition := func(js []*models.IndexingJob) map[int]map[string]bool {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[int]map[string]bool)
		for _, j := range js {
			part := queue.PartitionFor(j.ID, 4)
			if out[part] == nil {
				out[part] = make(map[string]bool)
			}
			out[part][seen[j.ID]] = true
		}
		return out
	}

	first := submitAll(8)
	require.Eventually(t, completed(first), 3*time.Second, 10*time.Millisecond)
	for part, pools := range byPartition(first) {
		assert.Equal(t, map[string]bool{"a": true}, pools, "partition %d", part)
	}

	a.Stop()
	require.Eventually(t, func() bool {
		return len(b.Owned(all)) == len(all)
	}, time.Second, 5*time.Millisecond, "a stopped process hands its partitions over")

	second := submitAll(8)
	require.Eventually(t, completed(second), 3*time.Second, 10*time.Millisecond)
	for part, pools := range byPartition(second) {
		assert.Equal(t, map[string]bool{"b": true}, pools, "partition %d", part)
	}
}
