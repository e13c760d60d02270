package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
)

const synthSystemPrompt = `You write the final reply of a conversational assistant.
Answer the user's request using only the tool results provided.
Be concise. Do not mention tools, subtasks, or internal identifiers unless asked.`

const strictInstruction = `Your previous answer contained numbers that do not appear in the tool results.
Do not state any number, date, time, or count that is not present verbatim in the results.
If a figure is unknown, say so instead of estimating.`

// ChatClient is the part of an LLM provider the synthesizer needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// LLMSynthesizer drafts replies with a chat model.
type LLMSynthesizer struct {
	client ChatClient
}

// NewLLMSynthesizer wraps a provider.
func NewLLMSynthesizer(client ChatClient) *LLMSynthesizer {
	return &LLMSynthesizer{client: client}
}

// Synthesize implements Synthesizer.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	system := synthSystemPrompt
	if req.Strict {
		system += "\n\n" + strictInstruction
	}
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("synthesis LLM error: %w", err)
	}
	return resp.Content, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	if req.Summary != "" {
		b.WriteString("## Conversation context\n")
		b.WriteString(req.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## User request\n")
	b.WriteString(req.UserInput)
	b.WriteString("\n\n## Tool results\n")
	if len(req.Results) == 0 {
		b.WriteString("(none)\n")
	}
	for _, r := range req.Results {
		data, err := json.Marshal(r.Result)
		if err != nil {
			data = []byte(fmt.Sprint(r.Result))
		}
		status := "ok"
		if !r.Success {
			status = "error: " + r.Error
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n", r.Operation, status, data)
	}
	return b.String()
}
