package chat

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 512
)

// LLMConfig holds settings for the hosted model.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// Options are passed to the SDK client, e.g. a base URL for tests.
	Options []option.RequestOption
}

// LLMResponder asks a hosted model for the reply.
type LLMResponder struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewLLMResponder builds a responder. An empty API key is an error so callers
// can fall back to rules without making a request.
func NewLLMResponder(cfg LLMConfig) (*LLMResponder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, eris.New("chat: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)
	return &LLMResponder{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (r *LLMResponder) Reply(ctx context.Context, history []Message) (string, error) {
	if len(history) == 0 {
		return "", eris.New("chat: empty conversation")
	}

	msg, err := r.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(r.model),
		MaxTokens: r.maxTokens,
		System:    []sdk.TextBlockParam{{Text: SystemPrompt}},
		Messages:  toSDKMessages(history),
	})
	if err != nil {
		return "", eris.Wrap(err, "chat: create message")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", eris.New("chat: model returned no text")
	}
	return reply, nil
}

func toSDKMessages(history []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}
