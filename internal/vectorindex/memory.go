package vectorindex

import (
	"context"
	"sync"

	"github.com/aimerfeng/CampusRAG/internal/models"
)

// MemoryIndex is an in-process Index using exact cosine similarity
type MemoryIndex struct {
	mu     sync.RWMutex
	topics map[string]map[string]models.DocumentChunk
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{topics: make(map[string]map[string]models.DocumentChunk)}
}

func (m *MemoryIndex) Upsert(_ context.Context, chunks []models.DocumentChunk) error {
	if err := validateChunks("vectorindex.upsert", chunks); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		coll, ok := m.topics[c.Topic]
		if !ok {
			coll = make(map[string]models.DocumentChunk)
			m.topics[c.Topic] = coll
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		coll[c.ID] = c
	}
	return nil
}

func (m *MemoryIndex) DeleteBySource(_ context.Context, topic, source string, filter map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.topics[topic] {
		if c.Source == source && matchesFilter(toMetadata(c), filter) {
			delete(m.topics[topic], id)
		}
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	if err := validateQuery("vectorindex.search", q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []models.SearchResult
	for _, c := range m.topics[q.Topic] {
		meta := toMetadata(c)
		if !matchesFilter(meta, q.Filter) {
			continue
		}
		sim := Cosine(q.Vector, c.Embedding)
		if sim < q.ScoreThreshold {
			continue
		}
		results = append(results, fromMetadata(c.ID, c.Content, meta, sim))
	}
	SortResults(results)
	return truncate(results, q.TopK), ctx.Err()
}

// Count returns the number of chunks stored for a topic
func (m *MemoryIndex) Count(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
