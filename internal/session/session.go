// Package session keeps per-caller conversation state with a bounded lifetime.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when the session does not exist or expired.
var ErrNotFound = errors.New("session not found")

// Roles used in Turn.Role.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one message in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session is the conversation history of one caller.
type Session struct {
	ID        string    `json:"id"`
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists sessions. A session expires TTL after its last Save.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

func clone(s *Session) *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}
