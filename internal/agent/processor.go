// Package agent runs approved and rejected proposals through the external
// agent service in the background and commits the results.
package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/collabsync/internal/gateway"
)

// Processor produces an analysis for a prompt given prior conversation
// context.
type Processor interface {
	Process(ctx context.Context, prompt string, history []gateway.HistoryEntry) (string, error)
}

// HTTPProcessor calls the agent service's chat endpoint.
type HTTPProcessor struct {
	client *gateway.Client
}

// NewHTTPProcessor wraps a gateway client as a Processor.
func NewHTTPProcessor(client *gateway.Client) *HTTPProcessor {
	return &HTTPProcessor{client: client}
}

// Process submits the prompt with history and returns the agent's answer.
func (p *HTTPProcessor) Process(ctx context.Context, prompt string, history []gateway.HistoryEntry) (string, error) {
	resp, err := p.client.Chat(ctx, prompt, history)
	if err != nil {
		return "", fmt.Errorf("agent chat: %w", err)
	}
	return resp.Answer, nil
}
