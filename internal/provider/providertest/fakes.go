// Package providertest provides scripted Embedder and ChatModel
// implementations for tests of code that depends on a provider.
package providertest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/provider"
)

// ErrUnavailable is the transient failure injected by the fakes
var ErrUnavailable = errors.New("provider unavailable")

// Embedder returns deterministic bag-of-words vectors. The first FailTimes
// calls fail with a transient error.
type Embedder struct {
	Dim       int
	FailTimes int

	mu    sync.Mutex
	calls int
	texts int
}

// NewEmbedder creates a fake embedder with 64 dimensions
func NewEmbedder() *Embedder {
	return &Embedder{Dim: 64}
}

// Calls returns the number of embed calls made, failed ones included
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Texts returns the number of texts successfully embedded
func (e *Embedder) Texts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

func (e *Embedder) attempt(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return apierrors.Cancellation("embed", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.FailTimes {
		return apierrors.Transient("embed", ErrUnavailable)
	}
	e.texts += n
	return nil
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.attempt(ctx, len(texts)); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, e.Dim)
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.attempt(ctx, 1); err != nil {
		return nil, err
	}
	return Vector(text, e.Dim), nil
}

// Vector hashes the words of text into a normalized vector of size dim
func Vector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Step is one scripted generation. Tokens are streamed, then either Err is
// returned or a response built from ToolCall or the joined tokens.
// With Block set the step waits for context cancellation instead.
type Step struct {
	Tokens   []string
	ToolCall *provider.ToolCall
	Err      error
	Block    bool
}

// Call records what a generation was asked to do
type Call struct {
	Messages []provider.Message
	Tools    []provider.ToolDefinition
}

// ChatModel replays Steps in order. When the script runs out it answers "ok".
type ChatModel struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// NewChatModel creates a scripted chat model
func NewChatModel(steps ...Step) *ChatModel {
	return &ChatModel{steps: steps}
}

// Calls returns the recorded generation requests
func (m *ChatModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *ChatModel) next(messages []provider.Message, tools []provider.ToolDefinition) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{
		Messages: append([]provider.Message(nil), messages...),
		Tools:    append([]provider.ToolDefinition(nil), tools...),
	})
	if len(m.steps) == 0 {
		return Step{Tokens: []string{"ok"}}
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s
}

func (m *ChatModel) Stream(ctx context.Context, messages []provider.Message, tools []provider.ToolDefinition, onToken func(string) error) (*provider.Response, error) {
	step := m.next(messages, tools)

	for _, tok := range step.Tokens {
		if err := ctx.Err(); err != nil {
			return nil, apierrors.Cancellation("chat", err)
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return nil, err
			}
		}
	}
	if step.Block {
		<-ctx.Done()
		return nil, apierrors.Cancellation("chat", ctx.Err())
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.ToolCall != nil {
		tc := *step.ToolCall
		return &provider.Response{Kind: provider.ResponseToolCall, ToolCall: &tc}, nil
	}
	return &provider.Response{Kind: provider.ResponseText, Text: strings.Join(step.Tokens, "")}, nil
}
