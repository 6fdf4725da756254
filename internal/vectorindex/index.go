package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
)

// Index errors
var (
	ErrEmptyTopic       = errors.New("topic is required")
	ErrMissingEmbedding = errors.New("chunk has no embedding")
	ErrEmptyQuery       = errors.New("query vector is empty")
)

// Reserved metadata keys. User metadata with the same names is shadowed.
const (
	MetaDocumentID  = "document_id"
	MetaOwnerID     = "owner_id"
	MetaSource      = "source"
	MetaTopic       = "topic"
	MetaPage        = "page"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"
	MetaIndexedAt   = "indexed_at"
)

// Query is a similarity search inside one topic. Filter matches metadata
// keys exactly; owner_id scopes results to one user.
type Query struct {
	Vector         []float32
	Topic          string
	TopK           int
	ScoreThreshold float64
	Filter         map[string]string
}

// Index stores chunk vectors partitioned by topic. Upsert is keyed by chunk
// id and overwrites in place. Search never crosses topics and returns
// matches at or above the threshold, best first.
type Index interface {
	Upsert(ctx context.Context, chunks []models.DocumentChunk) error
	DeleteBySource(ctx context.Context, topic, source string, filter map[string]string) error
	Search(ctx context.Context, q Query) ([]models.SearchResult, error)
}

func validateChunks(op string, chunks []models.DocumentChunk) error {
	for _, c := range chunks {
		if c.Topic == "" {
			return apierrors.Validation(op, ErrEmptyTopic)
		}
		if len(c.Embedding) == 0 {
			return apierrors.Validation(op, ErrMissingEmbedding)
		}
	}
	return nil
}

func validateQuery(op string, q Query) error {
	if q.Topic == "" {
		return apierrors.Validation(op, ErrEmptyTopic)
	}
	if len(q.Vector) == 0 {
		return apierrors.Validation(op, ErrEmptyQuery)
	}
	return nil
}

// groupByTopic splits a batch into per-topic batches, preserving order
func groupByTopic(chunks []models.DocumentChunk) map[string][]models.DocumentChunk {
	out := make(map[string][]models.DocumentChunk)
	for _, c := range chunks {
		out[c.Topic] = append(out[c.Topic], c)
	}
	return out
}

// SortResults orders by similarity descending, then chunk id ascending
func SortResults(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func truncate(results []models.SearchResult, topK int) []models.SearchResult {
	if topK > 0 && len(results) > topK {
		return results[:topK]
	}
	return results
}

// toMetadata flattens a chunk into string metadata
func toMetadata(c models.DocumentChunk) map[string]string {
	meta := make(map[string]string, len(c.Metadata)+8)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[MetaDocumentID] = c.DocumentID
	meta[MetaOwnerID] = c.OwnerID
	meta[MetaSource] = c.Source
	meta[MetaTopic] = c.Topic
	meta[MetaPage] = strconv.Itoa(c.Page)
	meta[MetaChunkIndex] = strconv.Itoa(c.Index)
	meta[MetaTotalChunks] = strconv.Itoa(c.Total)
	meta[MetaIndexedAt] = c.IndexedAt.UTC().Format(time.RFC3339Nano)
	return meta
}

// fromMetadata rebuilds a search result from stored metadata
func fromMetadata(id, content string, meta map[string]string, similarity float64) models.SearchResult {
	r := models.SearchResult{
		ChunkID:    id,
		Content:    content,
		Similarity: similarity,
		Score:      similarity,
		Weight:     1,
		DocumentID: meta[MetaDocumentID],
		Source:     meta[MetaSource],
		Topic:      meta[MetaTopic],
		Metadata:   make(map[string]string),
	}
	r.Page, _ = strconv.Atoi(meta[MetaPage])
	r.IndexedAt, _ = time.Parse(time.RFC3339Nano, meta[MetaIndexedAt])
	for k, v := range meta {
		switch k {
		case MetaDocumentID, MetaOwnerID, MetaSource, MetaTopic, MetaPage, MetaChunkIndex, MetaTotalChunks, MetaIndexedAt:
			continue
		}
		r.Metadata[k] = v
	}
	return r
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of two vectors, 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Open returns the index backend selected by cfg.Driver
func Open(cfg *config.VectorIndexConfig) (Index, error) {
	switch cfg.Driver {
	case "chromem":
		idx, err := NewChromemIndex(cfg)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		return NewQdrantIndex(cfg), nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Driver)
	}
}
