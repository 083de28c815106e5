package google

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
)

// tokenExpiryMargin is subtracted from the token lifetime when caching so a
// cached token is never handed out moments before it expires.
const tokenExpiryMargin = time.Minute

// cachedTokenSource serves access tokens from the KV store and refreshes
// through base on a miss. Only the access token is cached, never the
// refresh token.
type cachedTokenSource struct {
	ctx    context.Context
	store  kvstore.Store
	key    string
	base   oauth2.TokenSource
	logger *zap.Logger
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// accessTokenKey scopes the cache entry to the refresh token it came from,
// so reconnecting an account never reuses a token of the old grant.
func accessTokenKey(ownerID, refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return "google:access:" + ownerID + ":" + hex.EncodeToString(sum[:8])
}

func (s *cachedTokenSource) Token() (*oauth2.Token, error) {
	if raw, err := s.store.Get(s.ctx, s.key); err == nil {
		var ct cachedToken
		if err := json.Unmarshal([]byte(raw), &ct); err == nil {
			tok := &oauth2.Token{AccessToken: ct.AccessToken, TokenType: ct.TokenType, Expiry: ct.Expiry}
			if tok.Valid() {
				return tok, nil
			}
		}
	} else if !errors.Is(err, kvstore.ErrMiss) {
		s.logger.Warn("Access token cache read failed", zap.Error(err))
	}

	tok, err := s.base.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, authExpired(err)
		}
		return nil, err
	}

	ttl := time.Until(tok.Expiry) - tokenExpiryMargin
	if tok.Expiry.IsZero() || ttl <= 0 {
		return tok, nil
	}
	data, err := json.Marshal(cachedToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry})
	if err != nil {
		return tok, nil
	}
	if err := s.store.Set(s.ctx, s.key, string(data), ttl); err != nil {
		s.logger.Warn("Access token cache write failed", zap.Error(err))
	}
	return tok, nil
}
