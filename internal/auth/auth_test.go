package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/kalambet/docchat/internal/backend"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/model"
)

var ctx = context.Background()

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"username":"ada","email":"ada@example.com"}`)
	}))
	defer srv.Close()
	c := backend.New(srv.URL)

	res := Probe(ctx, c)
	require.IsType(t, LoggedIn{}, res)
	assert.Equal(t, "ada", res.(LoggedIn).User.Username)

	status = http.StatusUnauthorized
	assert.Equal(t, Anonymous{}, Probe(ctx, c))

	status = http.StatusInternalServerError
	res = Probe(ctx, c)
	require.IsType(t, LoginFailed{}, res)
	var httpErr *backend.HTTPError
	assert.ErrorAs(t, res.(LoginFailed), &httpErr)
}

type userFunc func(context.Context) (model.User, error)

func (f userFunc) FetchCurrentUser(ctx context.Context) (model.User, error) { return f(ctx) }

func TestProbe_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	res := Probe(ctx, userFunc(func(context.Context) (model.User, error) { return model.User{}, boom }))
	failed, ok := res.(LoginFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed, boom)
	assert.Contains(t, failed.Error(), "connection refused")
}

// fakeIssuer is a minimal OIDC provider with discovery, authorization code
// and refresh grants.
type fakeIssuer struct {
	*httptest.Server
	mu        sync.Mutex
	challenge string
	refreshes int
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	f := &fakeIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Provider{
			Issuer:                f.URL,
			AuthorizationEndpoint: f.URL + "/authorize",
			TokenEndpoint:         f.URL + "/token",
			CodeChallengeMethods:  []string{"plain", "S256"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
			if r.Form.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != f.challenge {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"invalid_grant"}`)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
		case "refresh_token":
			f.refreshes++
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"at-%d","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`, f.refreshes+1)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func TestDiscover(t *testing.T) {
	f := newFakeIssuer(t)

	p, err := Discover(ctx, nil, f.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, f.URL+"/token", p.TokenEndpoint)
	assert.True(t, p.SupportsPKCE())

	cfg := p.OAuth2Config("docchat-cli", []string{"openid"})
	assert.Equal(t, f.URL+"/authorize", cfg.Endpoint.AuthURL)
	assert.Equal(t, oauth2.AuthStyleInParams, cfg.Endpoint.AuthStyle)
	assert.Empty(t, cfg.RedirectURL)
}

func TestDiscover_Errors(t *testing.T) {
	_, err := Discover(ctx, nil, "")
	assert.ErrorIs(t, err, ErrNoIssuer)

	f := newFakeIssuer(t)
	_, err = Discover(ctx, nil, f.URL+"/realms/other")
	assert.Error(t, err, "404 on the wrong path")

	mismatch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"issuer":"https://elsewhere","authorization_endpoint":"a","token_endpoint":"t"}`)
	}))
	defer mismatch.Close()
	_, err = Discover(ctx, nil, mismatch.URL)
	assert.ErrorContains(t, err, "issuer mismatch")

	assert.False(t, Provider{CodeChallengeMethods: []string{"plain"}}.SupportsPKCE())
}

// browser returns an Open func that follows the authorization URL the way
// a user agent would after the user consents.
func browser(t *testing.T, f *fakeIssuer, mutate func(q url.Values)) func(context.Context, string) error {
	return func(_ context.Context, authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t, "offline", q.Get("access_type"))
		f.mu.Lock()
		f.challenge = q.Get("code_challenge")
		f.mu.Unlock()

		cb := url.Values{"code": {"good-code"}, "state": {q.Get("state")}}
		if mutate != nil {
			mutate(cb)
		}
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?" + cb.Encode())
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func loginConfig(t *testing.T, f *fakeIssuer) *oauth2.Config {
	p, err := Discover(ctx, nil, f.URL)
	require.NoError(t, err)
	return p.OAuth2Config("docchat-cli", []string{"openid", "offline_access"})
}

func TestLogin_PKCE(t *testing.T) {
	f := newFakeIssuer(t)
	cfg := loginConfig(t, f)

	tok, err := Login(ctx, LoginOptions{Config: cfg, Open: browser(t, f, nil)})
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.Empty(t, cfg.RedirectURL, "caller config is not mutated")
}

func TestLogin_StateMismatch(t *testing.T) {
	f := newFakeIssuer(t)
	_, err := Login(ctx, LoginOptions{
		Config: loginConfig(t, f),
		Open:   browser(t, f, func(q url.Values) { q.Set("state", "forged") }),
	})
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestLogin_Denied(t *testing.T) {
	f := newFakeIssuer(t)
	_, err := Login(ctx, LoginOptions{
		Config: loginConfig(t, f),
		Open: browser(t, f, func(q url.Values) {
			q.Del("code")
			q.Set("error", "access_denied")
		}),
	})
	assert.ErrorContains(t, err, "access_denied")
}

func TestLogin_ContextCancelled(t *testing.T) {
	f := newFakeIssuer(t)
	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := Login(c, LoginOptions{
		Config: loginConfig(t, f),
		Open:   func(context.Context, string) error { return nil },
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogin_OpenFails(t *testing.T) {
	f := newFakeIssuer(t)
	_, err := Login(ctx, LoginOptions{
		Config: loginConfig(t, f),
		Open:   func(context.Context, string) error { return errors.New("no browser") },
	})
	assert.ErrorContains(t, err, "no browser")
}

type memSecrets struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memSecrets) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memSecrets) Set(service, account, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	m.data[service+"/"+account] = value
	return nil
}

func (m *memSecrets) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, service+"/"+account)
	return nil
}

func TestTokenStore(t *testing.T) {
	secrets := &memSecrets{}
	s := NewTokenStore(secrets)

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, s.Save(&Credentials{
		Issuer:   "https://id.example.com",
		ClientID: "docchat-cli",
		TokenURL: "https://id.example.com/token",
		Token:    &oauth2.Token{AccessToken: "a", RefreshToken: "r"},
	}))
	assert.Contains(t, secrets.data, config.Service+"/"+config.OAuthTokenAccount)

	creds, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "r", creds.Token.RefreshToken)
	assert.Equal(t, "https://id.example.com/token", creds.OAuth2Config().Endpoint.TokenURL)

	require.NoError(t, s.Clear())
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, secrets.Set(config.Service, config.OAuthTokenAccount, `{"issuer":"x"}`))
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoToken, "credentials without a token")
}

func TestTokenStore_PersistsRefreshedToken(t *testing.T) {
	f := newFakeIssuer(t)
	s := NewTokenStore(&memSecrets{})
	creds := &Credentials{
		Issuer:   f.URL,
		ClientID: "docchat-cli",
		TokenURL: f.URL + "/token",
		Token:    &oauth2.Token{AccessToken: "at-old", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Hour)},
	}

	src := s.TokenSource(ctx, creds)
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)

	stored, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "at-2", stored.Token.AccessToken)
	assert.Equal(t, f.URL, stored.Issuer, "provider details kept")

	_, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, 1, f.refreshes, "valid token is reused")
}

func TestKeepAlive_TicksUntilCancelled(t *testing.T) {
	var ticks atomic.Int32
	k := NewKeepAlive(5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})

	c, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- k.Run(c) }()

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, ticks.Load(), "no ticks after cancel")
}

func TestKeepAlive_PauseResume(t *testing.T) {
	var ticks atomic.Int32
	k := NewKeepAlive(10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	k.Pause()
	assert.True(t, k.Paused())

	c, cancel := context.WithCancel(ctx)
	defer cancel()
	go k.Run(c)

	assert.Never(t, func() bool { return ticks.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	k.Resume()
	assert.Eventually(t, func() bool { return ticks.Load() >= 1 }, time.Second, time.Millisecond)
	assert.False(t, k.Paused())
}

func TestKeepAlive_ErrorsDoNotStopLoop(t *testing.T) {
	var ticks atomic.Int32
	k := NewKeepAlive(2*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return &backend.HTTPError{StatusCode: http.StatusUnauthorized}
	})
	c, cancel := context.WithCancel(ctx)
	defer cancel()
	go k.Run(c)

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestNewKeepAlive_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultKeepAliveInterval, NewKeepAlive(0, nil).interval)
}
