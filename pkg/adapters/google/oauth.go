// Package google adapts the Google People API as the contacts provider.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/people/v1"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/config"
)

// Scopes requested on connect. The email scope lets the callback record which
// account was linked.
var Scopes = []string{
	people.ContactsReadonlyScope,
	people.UserinfoEmailScope,
}

// NewOAuthConfig builds the OAuth client for the contacts import.
func NewOAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       Scopes,
	}
}

// AuthCodeURL returns the consent URL. Offline access and a forced consent
// prompt guarantee a refresh token even when the account was linked before.
func (c *Client) AuthCodeURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(c.httpContext(ctx), c.timeout)
	defer cancel()

	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyError(err, c.defaultRetryAfter)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("google did not return a refresh token; revoke the app's access and connect again")
	}
	return tok, nil
}

// GrantedScopes returns the scopes reported with a token, or the requested
// scopes when the token endpoint did not echo them.
func GrantedScopes(tok *oauth2.Token) []string {
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return append([]string(nil), Scopes...)
}

// isInvalidGrant reports whether err is the token endpoint rejecting a
// refresh token that was revoked or expired.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" {
		return true
	}
	return rerr.ErrorCode == "" && strings.Contains(string(rerr.Body), "invalid_grant")
}

func authExpired(err error) error {
	return fmt.Errorf("%w: %v", apperrors.ErrProviderAuthExpired, err)
}
