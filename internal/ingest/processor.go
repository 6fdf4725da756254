package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/aimerfeng/CampusRAG/internal/vectorindex"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoText is returned when a document yields no indexable text
var ErrNoText = errors.New("document contains no extractable text")

// Request describes one document to index
type Request struct {
	JobID    uuid.UUID
	OwnerID  string
	FileRef  string
	Filename string
	Topic    string
	Metadata map[string]string
	// Attempt is the number of transient failures already charged to the job
	Attempt int
	// Checkpoint runs after each stored batch. A non-nil error aborts processing.
	Checkpoint func(ctx context.Context) error
}

// Result reports the outcome of a successful run
type Result struct {
	Chunks   int
	Attempts int
}

// Processor turns a stored file into embedded chunks in the vector index
type Processor struct {
	extractor Extractor
	chunker   *Chunker
	embedder  provider.Embedder
	index     vectorindex.Index
	policy    retry.Policy
	batchSize int
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// defaultExtractTimeout bounds extraction when the config leaves it unset
const defaultExtractTimeout = 2 * time.Minute

// NewProcessor creates a document processor
func NewProcessor(extractor Extractor, embedder provider.Embedder, index vectorindex.Index, policy retry.Policy, cfg *config.IngestConfig) *Processor {
	return &Processor{
		extractor: extractor,
		chunker:   NewChunker(cfg),
		embedder:  embedder,
		index:     index,
		policy:    policy,
		batchSize: cfg.EmbedBatchSize,
		timeout:   cfg.ExtractTimeout,
		now:       time.Now,
		logger:    logging.NewLogger("processor"),
	}
}

// Chunks extracts and splits a document into chunks without embeddings.
// Ids depend only on owner, topic, filename and content.
func (p *Processor) Chunks(ctx context.Context, req Request) ([]models.DocumentChunk, error) {
	const op = "ingest.chunks"

	pages, err := p.extract(ctx, req)
	if err != nil {
		return nil, err
	}
	pieces, err := p.chunker.Split(pages)
	if err != nil {
		return nil, apierrors.Permanent(op, err)
	}
	if len(pieces) == 0 {
		return nil, apierrors.Permanent(op, fmt.Errorf("%w: %s", ErrNoText, req.Filename))
	}

	docID := DocumentID(req.OwnerID, req.Topic, req.Filename)
	indexedAt := p.now().UTC()
	chunks := make([]models.DocumentChunk, len(pieces))
	for i, piece := range pieces {
		meta := make(map[string]string, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["job_id"] = req.JobID.String()
		chunks[i] = models.DocumentChunk{
			ID:         ChunkID(req.OwnerID, req.Topic, req.Filename, piece.Content, i),
			DocumentID: docID,
			OwnerID:    req.OwnerID,
			Content:    piece.Content,
			Topic:      req.Topic,
			Source:     req.Filename,
			Page:       piece.Page,
			Index:      i,
			Total:      len(pieces),
			IndexedAt:  indexedAt,
			Metadata:   meta,
		}
	}
	return chunks, nil
}

// Process embeds and stores all chunks of a document. Each batch is embedded
// and upserted under the shared retry budget. Exhausting the budget fails the
// whole document with a *retry.ExhaustedError.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	attempt := req.Attempt

	chunks, err := p.Chunks(ctx, req)
	if err != nil {
		return Result{Attempts: attempt}, err
	}

	for lo := 0; lo < len(chunks); lo += p.batchSize {
		hi := min(lo+p.batchSize, len(chunks))
		batch := chunks[lo:hi]

		attempt, err = p.policy.Do(ctx, attempt, func(ctx context.Context) error {
			return p.embed(ctx, batch)
		})
		if err != nil {
			return Result{Attempts: attempt}, err
		}

		attempt, err = p.policy.Do(ctx, attempt, func(ctx context.Context) error {
			return p.index.Upsert(ctx, batch)
		})
		if err != nil {
			return Result{Attempts: attempt}, err
		}

		p.logger.Debug().
			Str("job_id", req.JobID.String()).
			Int("batch_start", lo).
			Int("batch_size", len(batch)).
			Msg("Batch indexed")

		if req.Checkpoint != nil {
			if err := req.Checkpoint(ctx); err != nil {
				return Result{Attempts: attempt}, err
			}
		}
	}

	monitoring.RecordChunksIndexed(req.Topic, len(chunks))
	monitoring.RecordProcessDuration(time.Since(start))
	p.logger.Info().
		Str("job_id", req.JobID.String()).
		Str("topic", req.Topic).
		Int("chunks", len(chunks)).
		Dur("duration", time.Since(start)).
		Msg("Document indexed")

	return Result{Chunks: len(chunks), Attempts: attempt}, nil
}

type extraction struct {
	pages []Page
	err   error
}

// extract runs the extractor on its own goroutine. A panic inside a parser or
// a run past the timeout fails the document permanently; the abandoned
// goroutine is left to finish on its own.
func (p *Processor) extract(ctx context.Context, req Request) ([]Page, error) {
	const op = "ingest.extract"
	if err := ctx.Err(); err != nil {
		return nil, apierrors.Cancellation(op, err)
	}

	timeout := p.timeout
	if timeout <= 0 {
		timeout = defaultExtractTimeout
	}
	extractCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan extraction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- extraction{err: fmt.Errorf("%w: %s: %v", ErrMalformed, req.Filename, r)}
			}
		}()
		pages, err := p.extractor.Extract(extractCtx, req.FileRef, req.Filename)
		done <- extraction{pages: pages, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, apierrors.Cancellation(op, ctx.Err())
			}
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, apierrors.Permanent(op, fmt.Errorf("%w: %s: extraction exceeded %s", ErrMalformed, req.Filename, timeout))
			}
			return nil, apierrors.Permanent(op, res.err)
		}
		return res.pages, nil
	case <-extractCtx.Done():
		if ctx.Err() != nil {
			return nil, apierrors.Cancellation(op, ctx.Err())
		}
		p.logger.Error().
			Str("job_id", req.JobID.String()).
			Str("filename", req.Filename).
			Dur("timeout", timeout).
			Msg("Extraction did not finish, abandoning it")
		return nil, apierrors.Permanent(op, fmt.Errorf("%w: %s: extraction exceeded %s", ErrMalformed, req.Filename, timeout))
	}
}

func (p *Processor) embed(ctx context.Context, batch []models.DocumentChunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return apierrors.Transient("ingest.embed", fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch)))
	}
	for i := range batch {
		batch[i].Embedding = vectors[i]
	}
	return nil
}
