package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrNoIssuer is returned when neither the server nor the local config names an OIDC issuer.
var ErrNoIssuer = errors.New("no OIDC issuer configured")

// Provider is the subset of the OIDC discovery document the client uses.
type Provider struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the provider advertises S256, or advertises nothing.
func (p Provider) SupportsPKCE() bool {
	if len(p.CodeChallengeMethods) == 0 {
		return true
	}
	for _, m := range p.CodeChallengeMethods {
		if m == "S256" {
			return true
		}
	}
	return false
}

// Discover fetches issuer's /.well-known/openid-configuration.
func Discover(ctx context.Context, hc *http.Client, issuer string) (Provider, error) {
	if issuer == "" {
		return Provider{}, ErrNoIssuer
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	wellKnown := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return Provider{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return Provider{}, fmt.Errorf("fetching %s: %w", wellKnown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Provider{}, fmt.Errorf("fetching %s: %s: %s", wellKnown, resp.Status, strings.TrimSpace(string(body)))
	}

	var p Provider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Provider{}, fmt.Errorf("decoding discovery document: %w", err)
	}
	if p.AuthorizationEndpoint == "" || p.TokenEndpoint == "" {
		return Provider{}, fmt.Errorf("discovery document for %s lacks authorization or token endpoint", issuer)
	}
	if strings.TrimRight(p.Issuer, "/") != strings.TrimRight(issuer, "/") {
		return Provider{}, fmt.Errorf("issuer mismatch: configured %s, discovered %s", issuer, p.Issuer)
	}
	return p, nil
}

// OAuth2Config builds the public-client config for p. RedirectURL is left
// for Login to fill in once the callback listener is bound.
func (p Provider) OAuth2Config(clientID string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizationEndpoint,
			TokenURL:  p.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
