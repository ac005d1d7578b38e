// Package app wires the client core together. It builds exactly one cache
// and hands it to every provider, so all consumers share one fetch per key.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/auth"
	"github.com/kalambet/docchat/internal/backend"
	"github.com/kalambet/docchat/internal/cache"
	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/knowledge"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
	"github.com/kalambet/docchat/internal/pdfview"
	"github.com/kalambet/docchat/internal/sessions"
	"github.com/kalambet/docchat/internal/storage"
)

// ErrUnknownModel is returned by ResolveModel when nothing matches.
var ErrUnknownModel = errors.New("unknown chat model")

// Options configures New. Zero values pick the production default.
type Options struct {
	Config     config.Config
	Notifier   notify.Notifier
	HTTPClient *http.Client
	Secrets    auth.SecretStore
	// Open launches URLs in an external program (browser, PDF viewer).
	Open pdfview.Opener
	// Store overrides the SQLite page text store opened from Config.Storage.DataDir.
	Store pdfview.TextStore
}

// App is the composition root.
type App struct {
	Config      config.Config
	Cache       *cache.Cache
	Backend     *backend.Client
	Localizer   *i18n.Localizer
	Notifier    notify.Notifier
	Sessions    *sessions.Provider
	Knowledge   *knowledge.Provider
	FileStatus  *knowledge.FileStatus
	URLs        *pdfview.ObjectURLs
	Searcher    *pdfview.Searcher
	Highlighter *pdfview.Highlighter
	Tokens      *auth.TokenStore
	KeepAlive   *auth.KeepAlive

	store      pdfview.TextStore
	db         *storage.Store
	httpClient *http.Client
	open       pdfview.Opener
	logger     *slog.Logger
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := slog.Default()

	n := opts.Notifier
	if n == nil {
		n = notify.Log{Logger: logger}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Server.Timeout}
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = config.Keychain{}
	}

	a := &App{
		Config:      cfg,
		Cache:       cache.New(),
		Backend:     backend.New(cfg.Server.BaseURL, backend.WithHTTPClient(hc)),
		Localizer:   i18n.New(cfg.Locale),
		Notifier:    n,
		URLs:        pdfview.NewObjectURLs(),
		Searcher:    pdfview.NewSearcher(),
		Highlighter: pdfview.NewHighlighter("**", "**"),
		Tokens:      auth.NewTokenStore(secrets),
		store:       opts.Store,
		httpClient:  hc,
		open:        opts.Open,
		logger:      logger,
	}

	if a.store == nil && cfg.Storage.DataDir != "" {
		db, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			// page text is extracted again on every open
			logger.Warn("page text store unavailable", "error", err)
		} else {
			a.db = db
			a.store = db
		}
	}

	a.Sessions = sessions.NewProvider(sessions.Deps{
		Backend:   a.Backend,
		Cache:     a.Cache,
		Notifier:  n,
		Localizer: a.Localizer,
	})
	a.Knowledge = knowledge.NewProvider(knowledge.Deps{
		Backend:   a.Backend,
		Cache:     a.Cache,
		Notifier:  n,
		Localizer: a.Localizer,
	})
	a.FileStatus = knowledge.NewFileStatus(a.Backend, a.Knowledge, cfg.Knowledge.PollInterval, n, a.Localizer)
	a.KeepAlive = auth.NewKeepAlive(cfg.Auth.KeepAliveInterval, func(ctx context.Context) error {
		if a.Backend.Anonymous() {
			return nil
		}
		_, err := a.Backend.FetchCurrentUser(ctx)
		return err
	})

	a.restoreLogin(context.Background())
	return a, nil
}

// restoreLogin attaches the configured or stored token, if any.
func (a *App) restoreLogin(ctx context.Context) {
	if tok := a.Config.Auth.AccessToken; tok != "" {
		a.Backend.SetTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok}))
		return
	}
	creds, err := a.Tokens.Load()
	if err != nil {
		if !errors.Is(err, auth.ErrNoToken) {
			a.logger.Warn("ignoring stored login", "error", err)
		}
		return
	}
	a.Backend.SetTokenSource(a.Tokens.TokenSource(a.oauthContext(ctx), creds))
}

func (a *App) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// Probe reports who the client is talking as.
func (a *App) Probe(ctx context.Context) auth.LoginResult {
	return auth.Probe(ctx, a.Backend)
}

// Login runs the interactive OIDC login. A configured issuer overrides the
// advertised one; client id and scopes come from the server when it
// advertises them and from the local config otherwise.
func (a *App) Login(ctx context.Context, open func(ctx context.Context, url string) error) auth.LoginResult {
	ac, err := a.Backend.FetchAuthConfig(ctx)
	if err != nil {
		a.logger.Debug("server advertises no auth config", "error", err)
	}
	issuer := firstNonEmpty(a.Config.Auth.Issuer, ac.Issuer)
	clientID := firstNonEmpty(ac.ClientID, a.Config.Auth.ClientID)
	scopes := ac.Scopes
	if len(scopes) == 0 {
		scopes = a.Config.Auth.ScopeList()
	}

	provider, err := auth.Discover(ctx, a.httpClient, issuer)
	if err != nil {
		return auth.LoginFailed{Reason: err}
	}
	if !provider.SupportsPKCE() {
		return auth.LoginFailed{Reason: fmt.Errorf("issuer %s does not support S256 PKCE", issuer)}
	}

	tok, err := auth.Login(ctx, auth.LoginOptions{
		Config:     provider.OAuth2Config(clientID, scopes),
		Addr:       fmt.Sprintf("127.0.0.1:%d", a.Config.Auth.CallbackPort),
		Open:       open,
		HTTPClient: a.httpClient,
	})
	if err != nil {
		return auth.LoginFailed{Reason: err}
	}

	creds := &auth.Credentials{
		Issuer:   provider.Issuer,
		ClientID: clientID,
		TokenURL: provider.TokenEndpoint,
		Token:    tok,
	}
	if err := a.Tokens.Save(creds); err != nil {
		a.logger.Warn("could not store login; it will not survive this process", "error", err)
	}
	a.Backend.SetTokenSource(a.Tokens.TokenSource(a.oauthContext(context.Background()), creds))
	a.Cache.Clear()
	return a.Probe(ctx)
}

// Logout forgets the stored login and returns the client to anonymous mode.
func (a *App) Logout() error {
	a.Backend.SetTokenSource(nil)
	a.Cache.Clear()
	return a.Tokens.Clear()
}

// NewChat returns an orchestrator wired to the shared session list.
func (a *App) NewChat(onState func(chat.State)) *chat.Orchestrator {
	return chat.New(chat.Deps{
		Backend:   a.Backend,
		Sessions:  a.Sessions,
		Notifier:  a.Notifier,
		Localizer: a.Localizer,
		OnState:   onState,
	})
}

// NewViewer returns a PDF viewer sharing the app's search cache, object URLs
// and page text store.
func (a *App) NewViewer() *pdfview.Viewer {
	return pdfview.NewViewer(pdfview.Config{
		Fetcher:     a.Backend,
		URLs:        a.URLs,
		Store:       a.store,
		Searcher:    a.Searcher,
		Highlighter: a.Highlighter,
		Notifier:    a.Notifier,
		Localizer:   a.Localizer,
		Open:        a.open,
		LoadTimeout: a.Config.PDF.LoadTimeout,
		SettleDelay: a.Config.PDF.SettleDelay,
	})
}

// ResolveModel finds the model whose uid or name is want. An empty want
// returns nil without error: the orchestrator then asks the user to pick one.
func (a *App) ResolveModel(ctx context.Context, want string) (*model.ChatModel, error) {
	if want == "" {
		return nil, nil
	}
	models, err := a.Backend.FetchChatModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	for i := range models {
		if models[i].UID == want || strings.EqualFold(models[i].Name, want) {
			return &models[i], nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownModel, want)
}

// MCPDeps exposes the app to the MCP server.
func (a *App) MCPDeps() api.MCPDeps {
	return api.MCPDeps{
		Knowledge:       a.Knowledge,
		Sessions:        a.Sessions,
		Models:          a.Backend,
		NewConversation: func() api.Conversation { return a.NewChat(nil) },
		NewDocument:     func() api.Document { return a.NewViewer() },
		DefaultModel:    a.Config.Chat.Model,
	}
}

// Store returns the SQLite page text store, or nil when none was opened.
func (a *App) Store() *storage.Store { return a.db }

// Close stops background work and releases the object URL server and the
// page text store.
func (a *App) Close(ctx context.Context) error {
	a.FileStatus.Stop()
	a.Knowledge.Close()
	err := a.URLs.Close(ctx)
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
