package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/provider"
)

// TopicScore is one topic with an independent confidence in [0,1]
type TopicScore struct {
	Topic      string  `json:"topic"`
	Confidence float64 `json:"confidence"`
}

// Classifier assigns a confidence to each candidate topic for a query
type Classifier interface {
	Classify(ctx context.Context, query string, topics []string) ([]TopicScore, error)
}

const classifierPrompt = `You route student questions to the course topics of a knowledge base.
For every topic listed, estimate independently how likely the question needs documents from it.
Reply with only a JSON object that maps each topic to a number between 0 and 1.`

// LLMClassifier asks the chat model for multi-label topic confidences
type LLMClassifier struct {
	model provider.ChatModel
}

// NewLLMClassifier creates a classifier backed by a chat model
func NewLLMClassifier(model provider.ChatModel) *LLMClassifier {
	return &LLMClassifier{model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, query string, topics []string) ([]TopicScore, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: classifierPrompt},
		{Role: provider.RoleUser, Content: fmt.Sprintf("Topics: %s\nQuestion: %s", strings.Join(topics, ", "), query)},
	}
	resp, err := c.model.Stream(ctx, messages, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseScores(resp.Text, topics)
}

// ParseScores reads a JSON object of topic confidences from model output.
// Unknown topics are dropped, missing ones score 0 and values are clamped to [0,1].
// The result is sorted by confidence, then topic name.
func ParseScores(text string, topics []string) ([]TopicScore, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, apierrors.Transient("retrieval.classify", fmt.Errorf("classifier reply is not a JSON object: %q", truncateText(text, 80)))
	}
	var raw map[string]float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, apierrors.Transient("retrieval.classify", fmt.Errorf("failed to decode classifier reply: %w", err))
	}

	normalized := make(map[string]float64, len(raw))
	for k, v := range raw {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}
	scores := make([]TopicScore, 0, len(topics))
	for _, t := range topics {
		scores = append(scores, TopicScore{Topic: t, Confidence: clamp01(normalized[strings.ToLower(t)])})
	}
	SortScores(scores)
	return scores, nil
}

// SortScores orders topic scores by descending confidence, then topic name
func SortScores(scores []TopicScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Topic < scores[j].Topic
	})
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
