package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/vectorindex"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Retrieval errors
var (
	ErrEmptyQuery  = errors.New("query is required")
	ErrEmptyUserID = errors.New("user id is required")
)

// TopicLister returns the topics a user has indexed documents in
type TopicLister interface {
	Topics(ctx context.Context, ownerID string) ([]string, error)
}

// Request is one search. Zero TopK and nil Threshold use the configured defaults.
type Request struct {
	Query     string            `json:"query"`
	UserID    string            `json:"-"`
	Topic     string            `json:"topic,omitempty"`
	TopK      int               `json:"top_k,omitempty"`
	Threshold *float64          `json:"threshold,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response holds ranked results and the context assembled from them
type Response struct {
	Results []models.SearchResult `json:"results"`
	Context string                `json:"context"`
	Sources []string              `json:"sources"`
	Total   int                   `json:"total"`
	Topics  []TopicScore          `json:"topics"`
}

// Service classifies queries into topics and searches the vector index
type Service struct {
	index      vectorindex.Index
	embedder   provider.Embedder
	classifier Classifier
	topics     TopicLister
	cfg        *config.RetrievalConfig
	logger     zerolog.Logger
}

// NewService creates a retrieval service
func NewService(index vectorindex.Index, embedder provider.Embedder, classifier Classifier, topics TopicLister, cfg *config.RetrievalConfig) *Service {
	return &Service{
		index:      index,
		embedder:   embedder,
		classifier: classifier,
		topics:     topics,
		cfg:        cfg,
		logger:     logging.NewLogger("retrieval"),
	}
}

// Classify scores the user's topics for a query, best first
func (s *Service) Classify(ctx context.Context, query, userID string) ([]TopicScore, error) {
	candidates, err := s.topics.Topics(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.classifier.Classify(ctx, query, candidates)
}

// selectTopics returns the topics to search with their weights. An explicit
// topic has confidence 1. Otherwise topics at or above the cutoff are chosen;
// if classification fails every topic is searched with confidence 1.
func (s *Service) selectTopics(ctx context.Context, req Request) ([]TopicScore, error) {
	if t := strings.ToLower(strings.TrimSpace(req.Topic)); t != "" {
		return []TopicScore{{Topic: t, Confidence: 1}}, nil
	}

	candidates, err := s.topics.Topics(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	scores, err := s.classifier.Classify(ctx, req.Query, candidates)
	if err != nil {
		if apierrors.IsCancellation(err) {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Topic classification failed, searching all topics")
		all := make([]TopicScore, len(candidates))
		for i, t := range candidates {
			all[i] = TopicScore{Topic: t, Confidence: 1}
		}
		return all, nil
	}

	var selected []TopicScore
	for _, sc := range scores {
		if sc.Confidence >= s.cfg.TopicCutoff {
			selected = append(selected, sc)
		}
	}
	return selected, nil
}

// Search embeds the query, searches every selected topic in parallel and
// merges the results by score = similarity * topic confidence.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	const op = "retrieval.search"
	start := time.Now()

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, apierrors.Validation(op, ErrEmptyQuery)
	}
	if req.UserID == "" {
		return nil, apierrors.Validation(op, ErrEmptyUserID)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := s.cfg.ScoreThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	mode := "classified"
	if req.Topic != "" {
		mode = "explicit"
	}
	defer func() {
		monitoring.RecordRetrievalLatency(mode, time.Since(start))
	}()

	topics, err := s.selectTopics(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &Response{Results: []models.SearchResult{}, Sources: []string{}, Topics: topics}
	if len(topics) == 0 {
		return resp, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	filter := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		filter[k] = v
	}
	filter[vectorindex.MetaOwnerID] = req.UserID

	var (
		mu     sync.Mutex
		merged []models.SearchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ts := range topics {
		g.Go(func() error {
			found, err := s.index.Search(gctx, vectorindex.Query{
				Vector:         vector,
				Topic:          ts.Topic,
				TopK:           topK,
				ScoreThreshold: threshold,
				Filter:         filter,
			})
			if err != nil {
				return err
			}
			for i := range found {
				found[i].Weight = ts.Confidence
				found[i].Score = found[i].Similarity * ts.Confidence
			}
			mu.Lock()
			merged = append(merged, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, apierrors.Cancellation(op, ctx.Err())
		}
		return nil, err
	}

	Rank(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}

	assembled, sources, _ := AssembleContext(merged, s.cfg.ContextBudget)
	resp.Results = append(resp.Results, merged...)
	resp.Context = assembled
	if sources != nil {
		resp.Sources = sources
	}
	resp.Total = len(merged)

	s.logger.Info().
		Str("user_id", req.UserID).
		Str("mode", mode).
		Int("topics", len(topics)).
		Int("results", resp.Total).
		Dur("latency", time.Since(start)).
		Msg("Search completed")
	return resp, nil
}
