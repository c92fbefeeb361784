package session

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource exposes the session as an oauth2.TokenSource. A token whose
// expiry has passed is renewed through the same coalesced path the gateway
// uses.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.m.Hydrate(s.ctx)
	tok := s.m.Token()
	if tok == nil || tok.AccessToken == "" {
		if tok != nil && tok.RefreshToken != "" {
			return s.m.Renew(s.ctx, "")
		}
		return nil, ErrNotAuthenticated
	}
	if !tok.Expiry.IsZero() && !tok.Valid() {
		return s.m.Renew(s.ctx, tok.AccessToken)
	}
	return tok, nil
}
