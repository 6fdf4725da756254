package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const (
	opChat  = "chat"
	opEmbed = "embed"
)

var statusCodePattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

// LangChainClient talks to an OpenAI-compatible provider through langchaingo.
// Calls are rate limited and guarded by a circuit breaker per operation.
type LangChainClient struct {
	llm      *openai.LLM
	embedder *embeddings.EmbedderImpl
	limiter  *rate.Limiter
	breakers *CircuitBreakerManager
	name     string
	timeout  time.Duration
}

// NewLangChainClient creates a provider client from configuration
func NewLangChainClient(cfg *config.ProviderConfig, breakers *CircuitBreakerManager) (*LangChainClient, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey, "Bearer ")),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &LangChainClient{
		llm:      llm,
		embedder: embedder,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		breakers: breakers,
		name:     cfg.Name,
		timeout:  cfg.Timeout,
	}, nil
}

// Breakers exposes the breaker manager for health reporting
func (c *LangChainClient) Breakers() *CircuitBreakerManager {
	return c.breakers
}

func (c *LangChainClient) breakerName(op string) string {
	return c.name + "-" + op
}

// call runs fn after the rate limiter, under the breaker and the request timeout
func (c *LangChainClient) call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, apierrors.Cancellation(op, ctx.Err())
		}
		return nil, apierrors.Transient(op, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.breakers.Execute(ctx, c.breakerName(op), func() (interface{}, error) {
		res, err := fn(ctx)
		if err != nil {
			return nil, classify(ctx, op, err)
		}
		return res, nil
	})
	monitoring.RecordAIProviderLatency(c.name, op, time.Since(start))
	if err != nil {
		monitoring.RecordAIProviderRequest(c.name, op, "error")
		monitoring.RecordAIProviderError(c.name, op, apierrors.KindOf(err).String())
		return nil, err
	}
	monitoring.RecordAIProviderRequest(c.name, op, "success")
	return result, nil
}

func (c *LangChainClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := c.call(ctx, opEmbed, func(ctx context.Context) (interface{}, error) {
		return c.embedder.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	vectors := res.([][]float32)
	if len(vectors) != len(texts) {
		return nil, apierrors.Transient(opEmbed, fmt.Errorf("provider returned %d embeddings for %d texts", len(vectors), len(texts)))
	}
	return vectors, nil
}

func (c *LangChainClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := c.call(ctx, opEmbed, func(ctx context.Context) (interface{}, error) {
		return c.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func (c *LangChainClient) Stream(ctx context.Context, messages []Message, tools []ToolDefinition, onToken func(string) error) (*Response, error) {
	content := toMessageContent(messages)
	opts := []llms.CallOption{}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(toTools(tools)))
	}

	var tokenErr error
	if onToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 || isToolCallChunk(chunk) {
				return nil
			}
			if err := onToken(string(chunk)); err != nil {
				tokenErr = err
				return err
			}
			return nil
		}))
	}

	res, err := c.call(ctx, opChat, func(ctx context.Context) (interface{}, error) {
		return c.llm.GenerateContent(ctx, content, opts...)
	})
	if tokenErr != nil {
		return nil, tokenErr
	}
	if err != nil {
		return nil, err
	}

	resp := res.(*llms.ContentResponse)
	if len(resp.Choices) == 0 {
		return nil, apierrors.Transient(opChat, errors.New("provider returned no choices"))
	}
	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		if len(choice.ToolCalls) > 1 {
			log.Warn().Int("tool_calls", len(choice.ToolCalls)).Msg("Provider requested several tool calls, using the first")
		}
		return &Response{
			Kind: ResponseToolCall,
			ToolCall: &ToolCall{
				ID:        tc.ID,
				Name:      tc.FunctionCall.Name,
				Arguments: tc.FunctionCall.Arguments,
			},
		}, nil
	}
	return &Response{Kind: ResponseText, Text: choice.Content}, nil
}

// isToolCallChunk detects the JSON tool-call deltas that langchaingo passes
// to the streaming func alongside text.
func isToolCallChunk(chunk []byte) bool {
	s := strings.TrimSpace(string(chunk))
	return strings.HasPrefix(s, "[{") && strings.Contains(s, `"function"`)
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.ToolName,
					Content:    m.Content,
				}},
			})
		case m.Role == RoleAssistant && m.ToolCall != nil:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeAI,
				Parts: []llms.ContentPart{llms.ToolCall{
					ID:   m.ToolCall.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      m.ToolCall.Name,
						Arguments: m.ToolCall.Arguments,
					},
				}},
			})
		case m.Role == RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case m.Role == RoleAssistant:
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

func toTools(defs []ToolDefinition) []llms.Tool {
	tools := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

// classify maps a provider error onto the error taxonomy. Client errors other
// than 429 are permanent; everything else is worth a retry.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled)) {
		return apierrors.Cancellation(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apierrors.Transient(op, err)
	}
	if code := statusCode(err); code >= 400 && code < 500 && code != 429 {
		return apierrors.Permanent(op, err)
	}
	return apierrors.Transient(op, err)
}

func statusCode(err error) int {
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
