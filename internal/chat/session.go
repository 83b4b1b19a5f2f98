package chat

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxHistory bounds how many turns are kept per session.
const maxHistory = 20

// Session is one conversation. It is not safe for concurrent use; each
// websocket connection owns its own session.
type Session struct {
	primary  Responder
	fallback Responder
	history  []Message
}

// NewSession starts a conversation answered by primary. A nil primary, or a
// primary that fails, is answered by keyword rules instead.
func NewSession(primary Responder) *Session {
	if primary == nil {
		primary = RuleResponder{}
	}
	return &Session{primary: primary, fallback: RuleResponder{}}
}

// Send records the user's message and returns the assistant's reply.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", eris.New("chat: message is empty")
	}
	s.append(Message{Role: RoleUser, Content: text})

	reply, err := s.primary.Reply(ctx, s.history)
	if err != nil {
		if ctx.Err() != nil {
			return "", eris.Wrap(ctx.Err(), "chat: reply cancelled")
		}
		zap.L().Warn("chat: responder failed, using rules", zap.Error(err))
		reply, _ = s.fallback.Reply(ctx, s.history)
	}

	s.append(Message{Role: RoleAssistant, Content: reply})
	return reply, nil
}

// Resume replays earlier turns, e.g. history sent by a stateless client.
// Leading assistant turns and unknown roles are dropped.
func (s *Session) Resume(history []Message) {
	for _, m := range history {
		m.Content = strings.TrimSpace(m.Content)
		if m.Content == "" || (m.Role != RoleUser && m.Role != RoleAssistant) {
			continue
		}
		if len(s.history) == 0 && m.Role != RoleUser {
			continue
		}
		s.append(m)
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) append(m Message) {
	s.history = append(s.history, m)
	over := len(s.history) - maxHistory
	if over <= 0 {
		return
	}
	// Conversations sent to a model must open with a user turn.
	for over < len(s.history) && s.history[over].Role != RoleUser {
		over++
	}
	s.history = append(s.history[:0:0], s.history[over:]...)
}
