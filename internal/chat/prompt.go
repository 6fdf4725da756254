package chat

import (
	"regexp"
	"strings"

	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/provider"
)

// DefaultSystemPrompt frames the assistant when no prompt is configured
const DefaultSystemPrompt = `You are a study assistant for university students.
Answer clearly and cite the documents you used as "source (p.N)".
When a question may be answered by the student's own course material, call the search_knowledge_base tool before answering.
If the knowledge base has nothing relevant, say so and answer from general knowledge.`

// PromptBuilder assembles the messages of one generation
type PromptBuilder struct {
	systemPrompt    string
	leakagePatterns []*regexp.Regexp
}

// NewPromptBuilder creates a prompt builder. An empty prompt uses DefaultSystemPrompt.
func NewPromptBuilder(systemPrompt string) *PromptBuilder {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &PromptBuilder{
		systemPrompt:    systemPrompt,
		leakagePatterns: compileLeakagePatterns(),
	}
}

func compileLeakagePatterns() []*regexp.Regexp {
	patterns := []string{
		`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`,
		`(?i)(what\s+(is|are)|reveal|show\s+(me\s+)?|print|repeat|tell\s+me)\s+(your|the)\s+(system\s+)?(prompt|instructions?)`,
		`(?i)(disregard|forget)\s+(all\s+)?(previous|prior)\s+`,
		`(?i)ignora\s+(todas\s+)?las\s+instrucciones`,
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// SystemPrompt returns the system message listing the user's topics
func (b *PromptBuilder) SystemPrompt(topics []string) string {
	var sb strings.Builder
	sb.WriteString(b.systemPrompt)
	sb.WriteString("\n\n")
	if len(topics) == 0 {
		sb.WriteString("The student has not indexed any documents yet.")
	} else {
		sb.WriteString("The student's knowledge base covers these topics: ")
		sb.WriteString(strings.Join(topics, ", "))
		sb.WriteString(".")
	}
	return sb.String()
}

// Build returns the system prompt, the history and the new user message.
// History turns with roles other than user and assistant are dropped.
func (b *PromptBuilder) Build(topics []string, history []models.ConversationTurn, content string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: b.SystemPrompt(topics)})
	for _, t := range history {
		switch t.Role {
		case models.RoleUser:
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: t.Content})
		case models.RoleAssistant:
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: t.Content})
		}
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: content})
}

// DetectLeakageAttempt reports whether content looks like an attempt to extract the system prompt
func (b *PromptBuilder) DetectLeakageAttempt(content string) bool {
	for _, p := range b.leakagePatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}
