package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
)

const (
	payloadContent = "content"
	payloadChunkID = "chunk_id"
)

// QdrantIndex is a minimal REST client for Qdrant with one cosine collection
// per topic. Collections are created on first upsert with the vector size seen.
type QdrantIndex struct {
	url    string
	apiKey string
	client *http.Client

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantIndex creates a Qdrant-backed index
func NewQdrantIndex(cfg *config.VectorIndexConfig) *QdrantIndex {
	return &QdrantIndex{
		url:     cfg.QdrantURL,
		apiKey:  cfg.QdrantKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		ensured: make(map[string]bool),
	}
}

type qdrantStatusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.status, e.body)
}

func collectionName(topic string) string {
	return collectionPrefix + topic
}

// pointID maps a chunk id onto the UUID ids Qdrant accepts, deterministically
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

func (x *QdrantIndex) ensureCollection(ctx context.Context, topic string, dim int) error {
	x.mu.Lock()
	done := x.ensured[topic]
	x.mu.Unlock()
	if done {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	err := x.do(ctx, http.MethodPut, "/collections/"+collectionName(topic), body, nil)
	var se *qdrantStatusError
	// Created concurrently or on a previous run.
	exists := errors.As(err, &se) && (se.status == http.StatusConflict || strings.Contains(se.body, "already exists"))
	if err != nil && !exists {
		return err
	}

	x.mu.Lock()
	x.ensured[topic] = true
	x.mu.Unlock()
	return nil
}

func (x *QdrantIndex) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	const op = "vectorindex.upsert"
	if err := validateChunks(op, chunks); err != nil {
		return err
	}
	for topic, batch := range groupByTopic(chunks) {
		if err := x.ensureCollection(ctx, topic, len(batch[0].Embedding)); err != nil {
			return classifyHTTP(ctx, op, err)
		}
		points := make([]map[string]any, len(batch))
		for i, c := range batch {
			payload := make(map[string]any)
			for k, v := range toMetadata(c) {
				payload[k] = v
			}
			payload[payloadContent] = c.Content
			payload[payloadChunkID] = c.ID
			points[i] = map[string]any{
				"id":      pointID(c.ID),
				"vector":  c.Embedding,
				"payload": payload,
			}
		}
		path := "/collections/" + collectionName(topic) + "/points?wait=true"
		if err := x.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
			return classifyHTTP(ctx, op, err)
		}
	}
	return nil
}

func (x *QdrantIndex) DeleteBySource(ctx context.Context, topic, source string, filter map[string]string) error {
	where := map[string]string{MetaSource: source}
	for k, v := range filter {
		where[k] = v
	}
	path := "/collections/" + collectionName(topic) + "/points/delete?wait=true"
	err := x.do(ctx, http.MethodPost, path, map[string]any{"filter": qdrantFilter(where)}, nil)
	var se *qdrantStatusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classifyHTTP(ctx, "vectorindex.delete", err)
	}
	return nil
}

func (x *QdrantIndex) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	const op = "vectorindex.search"
	if err := validateQuery(op, q); err != nil {
		return nil, err
	}
	limit := q.TopK
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":          q.Vector,
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": q.ScoreThreshold,
	}
	if len(q.Filter) > 0 {
		req["filter"] = qdrantFilter(q.Filter)
	}

	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := x.do(ctx, http.MethodPost, "/collections/"+collectionName(q.Topic)+"/points/search", req, &resp)
	var se *qdrantStatusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classifyHTTP(ctx, op, err)
	}

	results := make([]models.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Score < q.ScoreThreshold {
			continue
		}
		meta := make(map[string]string, len(r.Payload))
		var content, chunkID string
		for k, v := range r.Payload {
			s, _ := v.(string)
			switch k {
			case payloadContent:
				content = s
			case payloadChunkID:
				chunkID = s
			default:
				meta[k] = s
			}
		}
		results = append(results, fromMetadata(chunkID, content, meta, r.Score))
	}
	SortResults(results)
	return truncate(results, q.TopK), nil
}

func qdrantFilter(where map[string]string) map[string]any {
	must := make([]map[string]any, 0, len(where))
	for k, v := range where {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

func (x *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, x.url+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("api-key", x.apiKey)
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &qdrantStatusError{method: method, path: path, status: resp.StatusCode, body: string(msg)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func classifyHTTP(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apierrors.Cancellation(op, ctx.Err())
	}
	var se *qdrantStatusError
	if errors.As(err, &se) && se.status >= 400 && se.status < 500 && se.status != http.StatusTooManyRequests {
		return apierrors.Permanent(op, err)
	}
	return apierrors.Transient(op, err)
}
