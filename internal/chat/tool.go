package chat

import (
	"encoding/json"
	"strings"

	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/retrieval"
)

// SearchToolName is the only tool the model may call
const SearchToolName = "search_knowledge_base"

// NoResultsMessage is fed back to the model when retrieval finds nothing
const NoResultsMessage = "No relevant information found."

const unavailableMessage = "The knowledge base could not be searched right now."

// SearchTool describes the retrieval tool to the model
func SearchTool() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        SearchToolName,
		Description: "Search the student's uploaded course documents. Use it for questions about their course material.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, phrased as a search query",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "Optional topic to restrict the search to",
				},
			},
			"required": []string{"query"},
		},
	}
}

type searchArgs struct {
	Query string `json:"query"`
	Topic string `json:"topic"`
}

// parseSearchArgs decodes tool arguments. Malformed or empty arguments fall
// back to searching for the user's message.
func parseSearchArgs(raw, fallback string) searchArgs {
	var args searchArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		args = searchArgs{}
	}
	args.Query = strings.TrimSpace(args.Query)
	args.Topic = strings.TrimSpace(args.Topic)
	if args.Query == "" {
		args.Query = fallback
	}
	return args
}

// toolResult is the text returned to the model for a search
func toolResult(resp *retrieval.Response) string {
	if resp == nil || resp.Total == 0 || resp.Context == "" {
		return NoResultsMessage
	}
	return resp.Context
}
