package pdfview

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultSearchDebounce is how long the toolbar waits after the last
// keystroke before searching.
const DefaultSearchDebounce = 300 * time.Millisecond

// Toolbar turns query input into debounced viewer searches and renders the
// viewer's status for display.
type Toolbar struct {
	viewer   *Viewer
	debounce time.Duration
	schedule Scheduler

	mu      sync.Mutex
	timer   Timer
	pending *pendingSearch
}

type pendingSearch struct {
	ctx   context.Context
	query string
}

type ToolbarOption func(*Toolbar)

func WithDebounce(d time.Duration) ToolbarOption {
	return func(t *Toolbar) { t.debounce = d }
}

func WithScheduler(s Scheduler) ToolbarOption {
	return func(t *Toolbar) { t.schedule = s }
}

func NewToolbar(v *Viewer, opts ...ToolbarOption) *Toolbar {
	t := &Toolbar{viewer: v, debounce: DefaultSearchDebounce, schedule: afterFunc}
	for _, o := range opts {
		o(t)
	}
	v.closed(t.Stop)
	return t
}

// SetQuery records query and (re)starts the debounce timer. Only the last
// query typed within the debounce window is searched.
func (t *Toolbar) SetQuery(ctx context.Context, query string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	p := &pendingSearch{ctx: ctx, query: query}
	t.pending = p
	t.timer = t.schedule(t.debounce, func() { t.fire(p) })
}

func (t *Toolbar) fire(p *pendingSearch) {
	t.mu.Lock()
	if t.pending != p {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.timer = nil
	t.mu.Unlock()

	if err := t.viewer.Search(p.ctx, p.query); err != nil && !errors.Is(err, ErrNoDocument) {
		t.viewer.logger.Warn("search failed", "query", p.query, "error", err)
	}
}

// Flush runs the pending search now instead of waiting for the timer.
func (t *Toolbar) Flush() error {
	t.mu.Lock()
	p := t.pending
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = nil
	t.timer = nil
	t.mu.Unlock()

	if p == nil {
		return nil
	}
	return t.viewer.Search(p.ctx, p.query)
}

// Stop drops any pending search.
func (t *Toolbar) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = nil
	t.timer = nil
}

// PageStatus renders "page / pages".
func (t *Toolbar) PageStatus() string {
	return fmt.Sprintf("%d / %d", t.viewer.Page(), t.viewer.NumPages())
}

// ZoomStatus renders the zoom as a percentage.
func (t *Toolbar) ZoomStatus() string {
	return fmt.Sprintf("%d%%", int(math.Round(t.viewer.Zoom()*100)))
}

// SearchStatus renders "current / total" for the active search, or "" when
// there is no query.
func (t *Toolbar) SearchStatus() string {
	if t.viewer.Query() == "" {
		return ""
	}
	if t.viewer.State() == Searching {
		return "…"
	}
	return fmt.Sprintf("%d / %d", t.viewer.ResultIndex()+1, len(t.viewer.Results()))
}
