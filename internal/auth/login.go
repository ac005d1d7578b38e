package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrStateMismatch is returned when the callback carries a state the client did not issue.
var ErrStateMismatch = errors.New("oauth state mismatch")

const callbackPath = "/callback"

// LoginOptions configures an interactive login.
type LoginOptions struct {
	Config *oauth2.Config
	// Addr is the loopback address of the callback listener. Port 0 picks a free one.
	Addr string
	// Open presents the authorization URL to the user, usually by launching a browser.
	Open func(ctx context.Context, authURL string) error
	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client
}

type callbackResult struct {
	code string
	err  error
}

// Login runs the authorization code flow with PKCE against a loopback
// redirect and returns the exchanged token.
func Login(ctx context.Context, opts LoginOptions) (*oauth2.Token, error) {
	if opts.Config == nil {
		return nil, errors.New("login: no oauth2 config")
	}
	if opts.Open == nil {
		return nil, errors.New("login: no way to open the authorization URL")
	}
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback: %w", err)
	}

	cfg := *opts.Config
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	results := make(chan callbackResult, 1)

	srv := &http.Server{
		Handler:           callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("oauth callback server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if err := opts.Open(ctx, authURL); err != nil {
		return nil, fmt.Errorf("opening authorization URL: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	r := chi.NewRouter()
	r.Get(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s %s", q.Get("error"), q.Get("error_description"))
		case q.Get("state") != state:
			res.err = ErrStateMismatch
		case q.Get("code") == "":
			res.err = errors.New("authorization callback without code")
		default:
			res.code = q.Get("code")
		}

		select {
		case results <- res:
		default:
			http.Error(w, "login already completed", http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<html><body><p>Login failed. You can close this window.</p></body></html>")
			return
		}
		fmt.Fprint(w, "<html><body><p>Logged in to docchat. You can close this window.</p></body></html>")
	})
	return r
}
