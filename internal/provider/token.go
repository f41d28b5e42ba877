package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/model"
)

// TokenSource yields bearer tokens for a channel's mailbox
type TokenSource interface {
	AccessToken(ctx context.Context, ch *model.Channel) (string, error)
}

// OAuthTokens resolves each channel's credential reference to a refresh
// token and caches one refreshing token source per reference
type OAuthTokens struct {
	oauth   *oauth2.Config
	tokens  map[string]string
	def     string
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewOAuthTokens creates a token collaborator from Gmail credentials
func NewOAuthTokens(cfg config.GmailConfig) *OAuthTokens {
	return &OAuthTokens{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{gmail.GmailModifyScope},
			Endpoint:     google.Endpoint,
		},
		tokens:  cfg.RefreshTokens,
		def:     cfg.RefreshToken,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// AccessToken returns a valid access token for ch
func (o *OAuthTokens) AccessToken(ctx context.Context, ch *model.Channel) (string, error) {
	ts, err := o.source(ch.CredentialRef)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh token for channel %d: %w", ch.ID, err)
	}
	return tok.AccessToken, nil
}

func (o *OAuthTokens) source(ref string) (oauth2.TokenSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ts, ok := o.sources[ref]; ok {
		return ts, nil
	}

	refresh, ok := o.tokens[ref]
	if !ok || refresh == "" {
		refresh = o.def
	}
	if refresh == "" {
		return nil, fmt.Errorf("no refresh token configured for credential %q", ref)
	}

	// Refreshes run outside any request context so a cancelled caller does
	// not poison the cached source.
	ts := oauth2.ReuseTokenSource(nil, o.oauth.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh}))
	o.sources[ref] = ts
	return ts, nil
}

// StaticToken is a TokenSource returning a fixed token
type StaticToken string

// AccessToken returns the fixed token
func (s StaticToken) AccessToken(context.Context, *model.Channel) (string, error) {
	return string(s), nil
}
