// Package assistant answers free-form chat messages with a per-caller
// conversation history kept in a session.Store.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/argos/internal/session"
	"github.com/rs/zerolog"
)

// MaxHistoryTurns bounds the remembered conversation, persona excluded.
const MaxHistoryTurns = 20

// ErrEmptyMessage is returned when the caller sends only whitespace.
var ErrEmptyMessage = errors.New("message is empty")

// persona seeds every new conversation.
var persona = []session.Turn{
	{Role: session.RoleUser, Text: "You are a helpful and intelligent voice assistant. Keep your responses concise and conversational."},
	{Role: session.RoleModel, Text: "Hello! I'm your AI assistant, ready to help. What can I do for you?"},
}

// ChatModel produces the next model turn for a conversation.
type ChatModel interface {
	Chat(ctx context.Context, history []session.Turn) (string, error)
}

// Service routes chat messages through the model, one session per user.
type Service struct {
	model    ChatModel
	sessions session.Store
	log      zerolog.Logger
}

// NewService creates a Service.
func NewService(model ChatModel, sessions session.Store, log zerolog.Logger) *Service {
	return &Service{model: model, sessions: sessions, log: log}
}

// Reply sends message on behalf of userID and returns the model's answer.
// The session is only saved when the model answered.
func (s *Service) Reply(ctx context.Context, userID, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if userID == "" {
		return "", fmt.Errorf("Reply: user id is required")
	}

	sess, err := s.sessions.Load(ctx, userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		sess = &session.Session{ID: userID}
	case err != nil:
		return "", fmt.Errorf("Reply: load session: %w", err)
	}

	history := make([]session.Turn, 0, len(persona)+len(sess.Turns)+1)
	history = append(history, persona...)
	history = append(history, sess.Turns...)
	history = append(history, session.Turn{Role: session.RoleUser, Text: message})

	answer, err := s.model.Chat(ctx, history)
	if err != nil {
		return "", fmt.Errorf("Reply: model: %w", err)
	}

	sess.Turns = trimHistory(append(sess.Turns,
		session.Turn{Role: session.RoleUser, Text: message},
		session.Turn{Role: session.RoleModel, Text: answer},
	))
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Saving chat session failed")
	}

	return answer, nil
}

// Reset forgets the conversation of userID.
func (s *Service) Reset(ctx context.Context, userID string) error {
	return s.sessions.Delete(ctx, userID)
}

// trimHistory keeps the last MaxHistoryTurns turns, starting on a user turn.
func trimHistory(turns []session.Turn) []session.Turn {
	if len(turns) <= MaxHistoryTurns {
		return turns
	}
	turns = turns[len(turns)-MaxHistoryTurns:]
	for len(turns) > 0 && turns[0].Role != session.RoleUser {
		turns = turns[1:]
	}
	return append([]session.Turn(nil), turns...)
}
