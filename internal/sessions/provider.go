// Package sessions holds the authoritative client-side list of chat
// sessions. The list is loaded cache-first and mutated optimistically by the
// rest of the client after remote calls succeed.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/cache"
	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
)

const (
	CacheKey = "sessions"
	CacheTTL = 10 * time.Second
)

// Backend is the subset of the REST client the provider uses.
type Backend interface {
	FetchSessions(ctx context.Context) ([]model.Session, error)
	SetSessionLabel(ctx context.Context, id uuid.UUID, label string) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

type Deps struct {
	Backend   Backend
	Cache     *cache.Cache // optional
	Notifier  notify.Notifier
	Localizer *i18n.Localizer
}

// Provider owns the session list.
type Provider struct {
	backend  Backend
	cache    *cache.Cache
	notifier notify.Notifier
	loc      *i18n.Localizer
	logger   *slog.Logger

	mu        sync.Mutex
	sessions  []model.Session
	animateIn *model.Session
	err       error
}

func NewProvider(deps Deps) *Provider {
	return &Provider{
		backend:  deps.Backend,
		cache:    deps.Cache,
		notifier: deps.Notifier,
		loc:      deps.Localizer,
		logger:   slog.Default(),
	}
}

// Load fills the list from the cache, or from the backend on a miss. Fetch
// failures are recorded in Err and reported through the notifier.
func (p *Provider) Load(ctx context.Context) {
	if p.cache != nil {
		if cached, ok := cache.Lookup[[]model.Session](p.cache, CacheKey); ok {
			p.mu.Lock()
			p.sessions = clone(cached)
			p.animateIn = nil
			p.err = nil
			p.mu.Unlock()
			return
		}
	}
	p.fetch(ctx)
}

// Refresh bypasses the cache.
func (p *Provider) Refresh(ctx context.Context) {
	if p.cache != nil {
		p.cache.Delete(CacheKey)
	}
	p.fetch(ctx)
}

func (p *Provider) fetch(ctx context.Context) {
	sessions, err := p.backend.FetchSessions(ctx)
	if err != nil {
		p.logger.Warn("fetching sessions failed", "error", err)
		p.mu.Lock()
		p.err = fmt.Errorf("loading sessions: %w", err)
		p.mu.Unlock()
		notify.Error(p.notifier, p.loc.T(i18n.SessionsLoadFailed))
		return
	}

	p.mu.Lock()
	p.sessions = clone(sessions)
	p.animateIn = nil
	p.err = nil
	p.mu.Unlock()

	if p.cache != nil {
		p.cache.Set(CacheKey, clone(sessions), CacheTTL)
	}
}

// Sessions returns a snapshot of the list.
func (p *Provider) Sessions() []model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.sessions)
}

// AnimateInSession returns the session that was appended last since the
// most recent fetch, or nil.
func (p *Provider) AnimateInSession() *model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.animateIn == nil {
		return nil
	}
	s := *p.animateIn
	return &s
}

// Err returns the last load failure.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// AppendSessionLocal adds a session created elsewhere. Nil sessions and
// sessions without an id are ignored.
func (p *Provider) AppendSessionLocal(s *model.Session) {
	if s == nil || s.ID == uuid.Nil {
		return
	}
	added := *s

	p.mu.Lock()
	p.sessions = append(p.sessions, added)
	p.animateIn = &added
	snapshot := clone(p.sessions)
	p.mu.Unlock()

	p.publish(snapshot)
}

// UpdateSessionLabelLocal renames the session with id.
func (p *Provider) UpdateSessionLabelLocal(id uuid.UUID, label string) {
	p.mu.Lock()
	for i := range p.sessions {
		if p.sessions[i].ID == id {
			l := label
			p.sessions[i].Label = &l
		}
	}
	snapshot := clone(p.sessions)
	p.mu.Unlock()

	p.publish(snapshot)
}

// DeleteSessionLocal drops the session with id.
func (p *Provider) DeleteSessionLocal(id uuid.UUID) {
	p.mu.Lock()
	kept := p.sessions[:0:0]
	for _, s := range p.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	p.sessions = kept
	if p.animateIn != nil && p.animateIn.ID == id {
		p.animateIn = nil
	}
	snapshot := clone(p.sessions)
	p.mu.Unlock()

	p.publish(snapshot)
}

// Rename sets the label remotely and then locally.
func (p *Provider) Rename(ctx context.Context, id uuid.UUID, label string) error {
	if err := p.backend.SetSessionLabel(ctx, id, label); err != nil {
		return err
	}
	p.UpdateSessionLabelLocal(id, label)
	return nil
}

// Delete removes the session remotely and then locally.
func (p *Provider) Delete(ctx context.Context, id uuid.UUID) error {
	if err := p.backend.DeleteSession(ctx, id); err != nil {
		return err
	}
	p.DeleteSessionLocal(id)
	return nil
}

// publish patches the cached copy, keeping its expiry.
func (p *Provider) publish(sessions []model.Session) {
	if p.cache == nil {
		return
	}
	p.cache.Replace(CacheKey, sessions)
}

func clone(in []model.Session) []model.Session {
	if in == nil {
		return nil
	}
	out := make([]model.Session, len(in))
	copy(out, in)
	return out
}
