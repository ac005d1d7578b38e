// Package knowledge holds the authoritative client-side list of uploaded
// knowledge items and tracks their ingestion status.
package knowledge

import (
	"context"
	"errors"
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
	CacheKey        = "allKnowledge"
	CacheTTL        = 10 * time.Second
	LoadingCacheKey = "allKnowledgeLoading"
	LoadingTTL      = 30 * time.Second
)

// ErrOwnerPermission is returned when the sharing flow tries to change or
// remove an OWNER permission.
var ErrOwnerPermission = errors.New("owner permission cannot be changed")

// Backend is the subset of the REST client the provider uses.
type Backend interface {
	FetchAllKnowledge(ctx context.Context) ([]model.Knowledge, error)
	FetchKnowledgeByID(ctx context.Context, id uuid.UUID) (*model.Knowledge, error)
	DeleteKnowledge(ctx context.Context, id uuid.UUID) error
	RetryIngestion(ctx context.Context, id uuid.UUID) error
	AddFileSource(ctx context.Context, files []model.FileUpload) ([]uuid.UUID, error)
	UpdateFileSource(ctx context.Context, id uuid.UUID, file model.FileUpload) error
	SetKnowledgePermission(ctx context.Context, id uuid.UUID, username string, p model.Permission) error
	RemoveKnowledgePermission(ctx context.Context, id uuid.UUID, username string) error
	AddKnowledgeTag(ctx context.Context, id uuid.UUID, tag string) error
	RemoveKnowledgeTag(ctx context.Context, id uuid.UUID, tag string) error
}

type Deps struct {
	Backend   Backend
	Cache     *cache.Cache // optional
	Notifier  notify.Notifier
	Localizer *i18n.Localizer
}

// Provider owns the knowledge list. Providers sharing one cache converge on
// the same list: every write is published to the cache and every provider
// listens for writes by the others.
type Provider struct {
	backend  Backend
	cache    *cache.Cache
	notifier notify.Notifier
	loc      *i18n.Localizer
	logger   *slog.Logger

	mu          sync.Mutex
	items       []model.Knowledge
	err         error
	unsubscribe func()
}

func NewProvider(deps Deps) *Provider {
	p := &Provider{
		backend:  deps.Backend,
		cache:    deps.Cache,
		notifier: deps.Notifier,
		loc:      deps.Localizer,
		logger:   slog.Default(),
	}
	if p.cache != nil {
		p.unsubscribe = p.cache.Subscribe(CacheKey, p.adopt)
	}
	return p
}

// Close stops listening to the shared cache.
func (p *Provider) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// adopt takes a list written to the cache by any provider, this one
// included. Notifications can arrive out of order, so the list is read back
// from the cache rather than taken from the notification: the last adopt to
// run always sees the latest write.
func (p *Provider) adopt(_ any, ok bool) {
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if items, found := cache.Lookup[[]model.Knowledge](p.cache, CacheKey); found {
		p.items = clone(items)
	}
}

// Load fills the list from the cache or the backend. When another provider
// sharing the cache is already fetching, Load returns at once and the list
// arrives through the cache.
func (p *Provider) Load(ctx context.Context) {
	if p.cache == nil {
		p.fetch(ctx)
		return
	}
	if cached, ok := cache.Lookup[[]model.Knowledge](p.cache, CacheKey); ok {
		p.mu.Lock()
		p.items = clone(cached)
		p.err = nil
		p.mu.Unlock()
		return
	}
	if !p.cache.SetIfAbsent(LoadingCacheKey, true, LoadingTTL) {
		p.logger.Debug("knowledge fetch already in flight")
		return
	}
	defer p.cache.Delete(LoadingCacheKey)
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
	items, err := p.backend.FetchAllKnowledge(ctx)
	if err != nil {
		p.logger.Warn("fetching knowledge failed", "error", err)
		p.mu.Lock()
		p.err = fmt.Errorf("loading knowledge: %w", err)
		p.mu.Unlock()
		notify.Error(p.notifier, p.loc.T(i18n.KnowledgeLoadFailed))
		return
	}
	p.mu.Lock()
	p.items = clone(items)
	p.err = nil
	p.mu.Unlock()

	if p.cache != nil {
		p.cache.Set(CacheKey, clone(items), CacheTTL)
	}
}

// AllKnowledge returns a snapshot of the list.
func (p *Provider) AllKnowledge() []model.Knowledge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.items)
}

// Get returns the item with id from the local list.
func (p *Provider) Get(id uuid.UUID) (model.Knowledge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.items {
		if k.ID == id {
			return k, true
		}
	}
	return model.Knowledge{}, false
}

// Err returns the last load failure.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// UpdateLocalKnowledge replaces every existing item sharing an id with one
// of items and appends the rest, in one write. A nil slice is a no-op.
func (p *Provider) UpdateLocalKnowledge(items []model.Knowledge) {
	if items == nil {
		return
	}
	p.mu.Lock()
	p.items = merge(p.items, items)
	snapshot := clone(p.items)
	p.mu.Unlock()

	p.publish(snapshot)
}

// AddLocalKnowledge appends new items; items whose id is already present
// replace the existing entry instead of duplicating it.
func (p *Provider) AddLocalKnowledge(items []model.Knowledge) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	var updates, additions []model.Knowledge
	for _, k := range items {
		if containsID(p.items, k.ID) {
			updates = append(updates, k)
		} else {
			additions = append(additions, k)
		}
	}
	next := p.items
	if len(updates) > 0 {
		next = merge(next, updates)
	}
	p.items = merge(next, additions)
	snapshot := clone(p.items)
	p.mu.Unlock()

	p.publish(snapshot)
}

// DeleteLocalKnowledge drops item from the list.
func (p *Provider) DeleteLocalKnowledge(item model.Knowledge) {
	p.mu.Lock()
	kept := p.items[:0:0]
	for _, k := range p.items {
		if k.ID != item.ID {
			kept = append(kept, k)
		}
	}
	p.items = kept
	snapshot := clone(p.items)
	p.mu.Unlock()

	p.publish(snapshot)
}

func (p *Provider) publish(items []model.Knowledge) {
	if p.cache == nil {
		return
	}
	p.cache.Set(CacheKey, items, CacheTTL)
}

// merge removes every entry of base whose id appears in incoming and appends
// incoming. Within incoming, the last item for an id wins.
func merge(base, incoming []model.Knowledge) []model.Knowledge {
	last := make(map[uuid.UUID]int, len(incoming))
	for i, k := range incoming {
		last[k.ID] = i
	}
	out := make([]model.Knowledge, 0, len(base)+len(last))
	for _, k := range base {
		if _, replaced := last[k.ID]; !replaced {
			out = append(out, k)
		}
	}
	for i, k := range incoming {
		if last[k.ID] == i {
			out = append(out, k)
		}
	}
	return out
}

func containsID(items []model.Knowledge, id uuid.UUID) bool {
	for _, k := range items {
		if k.ID == id {
			return true
		}
	}
	return false
}

func clone(in []model.Knowledge) []model.Knowledge {
	if in == nil {
		return nil
	}
	out := make([]model.Knowledge, len(in))
	copy(out, in)
	return out
}
