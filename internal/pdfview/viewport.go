package pdfview

import (
	"errors"
	"sync"
)

// DefaultVisibilityThreshold is the visible share of a page at which it
// becomes the current page.
const DefaultVisibilityThreshold = 0.5

var ErrTrackerAttached = errors.New("viewport tracker already attached")

// Rect is an axis-aligned rectangle in document coordinates.
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) area() float64 { return r.W * r.H }

func (r Rect) intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Target is one observed page.
type Target struct {
	Page int
	Rect Rect
}

// Tracker watches which pages are visible inside a scrolling root and
// reports pages whose visible ratio rises to the threshold. Attach and Detach
// are explicit: targets change whenever the layout does, and the caller
// detaches before attaching the new set.
type Tracker struct {
	threshold float64
	onVisible func(page int)

	mu       sync.Mutex
	attached bool
	root     Rect
	targets  []Target
	visible  map[int]bool
}

// NewTracker calls onVisible with the page number each time a page crosses
// threshold upwards. onVisible runs without the tracker's lock held.
func NewTracker(threshold float64, onVisible func(page int)) *Tracker {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultVisibilityThreshold
	}
	return &Tracker{threshold: threshold, onVisible: onVisible}
}

// Attach starts observing targets against root and reports the pages that
// are already visible.
func (t *Tracker) Attach(root Rect, targets []Target) error {
	t.mu.Lock()
	if t.attached {
		t.mu.Unlock()
		return ErrTrackerAttached
	}
	t.attached = true
	t.targets = append([]Target(nil), targets...)
	t.visible = make(map[int]bool, len(targets))
	fired := t.updateLocked(root)
	t.mu.Unlock()
	t.fire(fired)
	return nil
}

// Scroll moves the root rect and reports pages that became visible.
func (t *Tracker) Scroll(root Rect) {
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return
	}
	fired := t.updateLocked(root)
	t.mu.Unlock()
	t.fire(fired)
}

// Detach stops observing. It is safe to call when not attached.
func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached = false
	t.targets = nil
	t.visible = nil
}

// Ratio returns the visible share of page, or 0 when it is not observed.
func (t *Tracker) Ratio(page int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tg := range t.targets {
		if tg.Page == page {
			return ratio(t.root, tg.Rect)
		}
	}
	return 0
}

func (t *Tracker) updateLocked(root Rect) []int {
	t.root = root
	var fired []int
	for _, tg := range t.targets {
		now := ratio(root, tg.Rect) >= t.threshold
		if now && !t.visible[tg.Page] {
			fired = append(fired, tg.Page)
		}
		t.visible[tg.Page] = now
	}
	return fired
}

func (t *Tracker) fire(pages []int) {
	if t.onVisible == nil {
		return
	}
	for _, p := range pages {
		t.onVisible(p)
	}
}

func ratio(root, target Rect) float64 {
	a := target.area()
	if a == 0 {
		return 0
	}
	return root.intersect(target).area() / a
}

// FirstIntersecting returns the first target that overlaps root at all, or 0
// when none does.
func FirstIntersecting(root Rect, targets []Target) int {
	for _, tg := range targets {
		if root.intersect(tg.Rect).area() > 0 {
			return tg.Page
		}
	}
	return 0
}
