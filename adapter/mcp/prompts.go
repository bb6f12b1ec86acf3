package mcp

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/mcp-go"
)

// RegisterPrompts registers MCP prompts for common session workflows.
func RegisterPrompts(srv *mcp.Server) error {
	if srv == nil {
		return fmt.Errorf("server is required")
	}

	srv.Prompt("session_recap").
		Description("Summarize a finished session in one language: decisions, open questions and follow-ups.").
		Argument("session_id", "Id of the session to recap", true).
		Argument("language", "Language of the recap (default: en)", false).
		Handler(func(ctx context.Context, args map[string]string) (*mcp.PromptResult, error) {
			id := args["session_id"]
			if id == "" {
				return nil, fmt.Errorf("session_id is required")
			}
			language := args["language"]
			if language == "" {
				language = "en"
			}
			return &mcp.PromptResult{
				Description: "Session Recap",
				Messages: []mcp.PromptMessage{
					{
						Role: string(mcp.RoleUser),
						Content: mcp.TextContent{
							Type: "text",
							Text: fmt.Sprintf(`Write a recap of session %[1]s in %[2]s.

1. Read the session snapshot from interpreta://sessions/%[1]s
2. Fetch the transcript with the session.transcripts tool, language %[2]q
3. Check session.metrics for duration and languages spoken

The recap should cover:
- who took part and in which languages
- the main topics in the order they came up
- decisions that were made
- open questions and follow-ups, with owners where the transcript names them

Quote the transcript only where wording matters.`, id, language),
						},
					},
				},
			}, nil
		})

	return nil
}
