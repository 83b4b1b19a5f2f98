// Package chat answers questions from the map's assistant panel.
package chat

import (
	"context"
	"strings"
)

// SystemPrompt frames every conversation.
const SystemPrompt = "You are Policy Proof assistant. Help users evaluate climate policy impact using " +
	"Spatial Regression Discontinuity (SRD). Keep responses concise and actionable."

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Responder produces the assistant's next turn. The last message of history
// is the user's question.
type Responder interface {
	Reply(ctx context.Context, history []Message) (string, error)
}

// RuleResponder answers from a handful of keyword rules. It never fails.
type RuleResponder struct{}

func (RuleResponder) Reply(_ context.Context, history []Message) (string, error) {
	var last string
	if n := len(history); n > 0 {
		last = history[n-1].Content
	}
	return ruleReply(last), nil
}

func ruleReply(msg string) string {
	low := strings.ToLower(msg)
	switch {
	case strings.Contains(low, "boundary") || strings.Contains(low, "polygon"):
		return "Draw a boundary on the map and click Analyze to run the SRD mock analysis."
	case strings.Contains(low, "analyz") || strings.Contains(low, "impact"):
		return "Use the Analyze button after selecting a boundary. The chart will show any discontinuity at the border."
	case strings.Contains(low, "earth engine") || strings.Contains(low, "gee"):
		return "The map displays Google Earth Engine tiles. You can compare embeddings and similarity layers."
	default:
		return "I can help you evaluate policy impact near borders using SRD. What policy or area are you interested in?"
	}
}
