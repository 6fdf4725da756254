package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

const collectionPrefix = "topic_"

// errNoEmbeddingFunc guards against chromem embedding content itself.
// Every document and query arrives with its vector.
var errNoEmbeddingFunc = errors.New("embeddings must be supplied by the caller")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// ChromemIndex stores one chromem collection per topic
type ChromemIndex struct {
	db *chromem.DB
}

// NewChromemIndex opens a persistent index at cfg.Path, or an in-memory one when Path is empty
func NewChromemIndex(cfg *config.VectorIndexConfig) (*ChromemIndex, error) {
	if cfg.Path == "" {
		log.Info().Msg("Using in-memory vector index")
		return &ChromemIndex{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	log.Info().Str("path", cfg.Path).Msg("Opened persistent vector index")
	return &ChromemIndex{db: db}, nil
}

func (x *ChromemIndex) collection(topic string) (*chromem.Collection, error) {
	c, err := x.db.GetOrCreateCollection(collectionPrefix+topic, map[string]string{MetaTopic: topic}, noEmbedding)
	if err != nil {
		return nil, apierrors.Transient("vectorindex.collection", fmt.Errorf("failed to create/get collection: %w", err))
	}
	return c, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	const op = "vectorindex.upsert"
	if err := validateChunks(op, chunks); err != nil {
		return err
	}
	for topic, batch := range groupByTopic(chunks) {
		c, err := x.collection(topic)
		if err != nil {
			return err
		}
		docs := make([]chromem.Document, len(batch))
		for i, chunk := range batch {
			docs[i] = chromem.Document{
				ID:        chunk.ID,
				Content:   chunk.Content,
				Metadata:  toMetadata(chunk),
				Embedding: chunk.Embedding,
			}
		}
		if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			if ctx.Err() != nil {
				return apierrors.Cancellation(op, ctx.Err())
			}
			return apierrors.Transient(op, fmt.Errorf("failed to add documents: %w", err))
		}
	}
	return nil
}

func (x *ChromemIndex) DeleteBySource(ctx context.Context, topic, source string, filter map[string]string) error {
	c := x.db.GetCollection(collectionPrefix+topic, noEmbedding)
	if c == nil {
		return nil
	}
	where := map[string]string{MetaSource: source}
	for k, v := range filter {
		where[k] = v
	}
	if err := c.Delete(ctx, where, nil); err != nil {
		return apierrors.Transient("vectorindex.delete", fmt.Errorf("failed to delete source %q: %w", source, err))
	}
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	const op = "vectorindex.search"
	if err := validateQuery(op, q); err != nil {
		return nil, err
	}
	c := x.db.GetCollection(collectionPrefix+q.Topic, noEmbedding)
	if c == nil {
		return nil, nil
	}
	n := q.TopK
	if count := c.Count(); n <= 0 || n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(q.Filter) > 0 {
		where = q.Filter
	}
	found, err := c.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierrors.Cancellation(op, ctx.Err())
		}
		return nil, apierrors.Transient(op, fmt.Errorf("failed to query collection: %w", err))
	}

	results := make([]models.SearchResult, 0, len(found))
	for _, r := range found {
		sim := float64(r.Similarity)
		if sim < q.ScoreThreshold {
			continue
		}
		results = append(results, fromMetadata(r.ID, r.Content, r.Metadata, sim))
	}
	SortResults(results)
	return truncate(results, q.TopK), nil
}
