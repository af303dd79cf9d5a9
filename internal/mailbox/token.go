package mailbox

import (
	"context"
	"sync"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// persistingTokenSource writes refreshed tokens back through a TokenSaver so
// the next call does not have to refresh again.
type persistingTokenSource struct {
	ctx     context.Context
	base    oauth2.TokenSource
	saver   TokenSaver
	ownerID uuid.UUID
	log     zerolog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken

	creds := &domain.MailCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if err := s.saver.SaveMailCredentials(s.ctx, s.ownerID, creds); err != nil {
		// The refreshed token is still usable for this call.
		s.log.Warn().Err(err).Str("owner_id", s.ownerID.String()).Msg("Failed to persist refreshed mail token")
	}
	return tok, nil
}
