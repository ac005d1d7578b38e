package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/kalambet/docchat/internal/config"
)

// ErrNoToken is returned by TokenStore.Load when nothing is stored.
var ErrNoToken = errors.New("no stored token")

// SecretStore is the platform secret store (config.Keychain).
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// Credentials is what a login leaves behind: the token plus enough of the
// provider to refresh it without another discovery round trip.
type Credentials struct {
	Issuer   string        `json:"issuer"`
	ClientID string        `json:"client_id"`
	TokenURL string        `json:"token_url"`
	Token    *oauth2.Token `json:"token"`
}

// OAuth2Config is the refresh-only config for c.
func (c Credentials) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// TokenStore persists Credentials as JSON in a SecretStore.
type TokenStore struct {
	secrets SecretStore
	account string
}

func NewTokenStore(secrets SecretStore) *TokenStore {
	return &TokenStore{secrets: secrets, account: config.OAuthTokenAccount}
}

func (s *TokenStore) Load() (*Credentials, error) {
	raw, err := s.secrets.Get(config.Service, s.account)
	if err != nil || raw == "" {
		return nil, ErrNoToken
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decoding stored credentials: %w", err)
	}
	if c.Token == nil {
		return nil, ErrNoToken
	}
	return &c, nil
}

func (s *TokenStore) Save(c *Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.secrets.Set(config.Service, s.account, string(data))
}

func (s *TokenStore) Clear() error {
	return s.secrets.Delete(config.Service, s.account)
}

// TokenSource returns a refreshing source for c that writes every new token
// back to the store.
func (s *TokenStore) TokenSource(ctx context.Context, c *Credentials) oauth2.TokenSource {
	return &persistingSource{
		src:    c.OAuth2Config().TokenSource(ctx, c.Token),
		store:  s,
		creds:  *c,
		logger: slog.Default(),
	}
}

type persistingSource struct {
	src    oauth2.TokenSource
	store  *TokenStore
	logger *slog.Logger

	mu    sync.Mutex
	creds Credentials
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds.Token == nil || tok.AccessToken != p.creds.Token.AccessToken {
		p.creds.Token = tok
		if err := p.store.Save(&p.creds); err != nil {
			p.logger.Warn("could not persist refreshed token", "error", err)
		}
	}
	return tok, nil
}
