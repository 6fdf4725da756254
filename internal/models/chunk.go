package models

import "time"

// DocumentChunk is a piece of a document stored in the topic-partitioned vector index
type DocumentChunk struct {
	ID         string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	OwnerID    string            `json:"owner_id"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"-"`
	Topic      string            `json:"topic"`
	Source     string            `json:"source"`
	Page       int               `json:"page"`
	Index      int               `json:"chunk_index"`
	Total      int               `json:"total_chunks"`
	IndexedAt  time.Time         `json:"indexed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a ranked match produced per query. Never persisted.
type SearchResult struct {
	DocumentID string            `json:"document_id"`
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Similarity float64           `json:"similarity"`
	Weight     float64           `json:"weight"`
	Source     string            `json:"source"`
	Topic      string            `json:"topic"`
	Page       int               `json:"page"`
	IndexedAt  time.Time         `json:"indexed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
