// Package pdfview is the document viewer behind cited sources: it loads a
// knowledge item's PDF, tracks the page, zoom and rotation the user sees and
// runs in-document search with highlighting.
package pdfview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
)

type State int

const (
	Idle State = iota
	Loading
	Ready
	Searching
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Searching:
		return "searching"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

const (
	MinZoom  = 0.5
	MaxZoom  = 3.0
	ZoomStep = 0.1

	DefaultSettleDelay = 100 * time.Millisecond
	DefaultLoadTimeout = 60 * time.Second

	// pageGap is the vertical space between pages at any zoom.
	pageGap = 10
)

var (
	ErrNoOpener = errors.New("no opener configured")

	// ErrNoDocument is returned once the viewer has been closed or its last
	// load failed.
	ErrNoDocument = errors.New("no document open")
)

// BlobFetcher downloads a knowledge item's file.
type BlobFetcher interface {
	FetchFileBlob(ctx context.Context, id uuid.UUID) (model.Blob, error)
}

// TextStore persists extracted page text between runs.
type TextStore interface {
	LoadPageTexts(ctx context.Context, fileID, checksum string) ([]string, bool, error)
	SavePageTexts(ctx context.Context, fileID, checksum string, pages []string) error
}

// URLRegistry hands out URLs for in-memory blobs.
type URLRegistry interface {
	Register(b model.Blob) (string, error)
	Revoke(url string)
}

// Timer is the part of *time.Timer the viewer needs.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Opener hands a URL to an external program.
type Opener func(ctx context.Context, url string) error

type Config struct {
	Fetcher     BlobFetcher
	URLs        URLRegistry
	Store       TextStore    // optional
	Searcher    *Searcher    // optional, shared across viewers
	Highlighter *Highlighter // optional, shared across viewers
	Notifier    notify.Notifier
	Localizer   *i18n.Localizer
	Open        Opener // used by Print

	LoadTimeout time.Duration
	SettleDelay time.Duration
	Schedule    Scheduler
	// Viewport is the size of the scroll container; X and Y are ignored.
	Viewport Rect
}

// FileInfo describes the open file.
type FileInfo struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified *time.Time
	Pages        int
	Title        string
	Author       string
}

// Viewer is the controller for one open document. Pages are laid out top to
// bottom; the viewport tracker decides which page is current as the user
// scrolls.
type Viewer struct {
	fetcher     BlobFetcher
	urls        URLRegistry
	store       TextStore
	searcher    *Searcher
	highlighter *Highlighter
	notifier    notify.Notifier
	loc         *i18n.Localizer
	open        Opener
	loadTimeout time.Duration
	settleDelay time.Duration
	schedule    Scheduler
	viewport    Rect
	tracker     *Tracker
	logger      *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	fileID    uuid.UUID
	blob      model.Blob
	url       string
	doc       *Document
	texts     []string
	loadSeq   uint64
	page      int
	zoom      float64
	rotation  int
	scrollY   float64
	query     string
	results   []SearchResult
	resultIdx int
	searchSeq uint64
	settle    Timer
	onClose   []func()
}

func NewViewer(cfg Config) *Viewer {
	v := &Viewer{
		fetcher:     cfg.Fetcher,
		urls:        cfg.URLs,
		store:       cfg.Store,
		searcher:    cfg.Searcher,
		highlighter: cfg.Highlighter,
		notifier:    cfg.Notifier,
		loc:         cfg.Localizer,
		open:        cfg.Open,
		loadTimeout: cfg.LoadTimeout,
		settleDelay: cfg.SettleDelay,
		schedule:    cfg.Schedule,
		viewport:    cfg.Viewport,
		logger:      slog.Default(),
		zoom:        1,
		resultIdx:   -1,
	}
	if v.searcher == nil {
		v.searcher = NewSearcher()
	}
	if v.highlighter == nil {
		v.highlighter = NewHighlighter("<mark>", "</mark>")
	}
	if v.loadTimeout <= 0 {
		v.loadTimeout = DefaultLoadTimeout
	}
	if v.settleDelay <= 0 {
		v.settleDelay = DefaultSettleDelay
	}
	if v.schedule == nil {
		v.schedule = afterFunc
	}
	if v.viewport.W <= 0 || v.viewport.H <= 0 {
		v.viewport = Rect{W: 1000, H: 1000}
	}
	v.tracker = NewTracker(DefaultVisibilityThreshold, v.pageVisible)
	return v
}

type loadResult struct {
	blob model.Blob
	url  string
	doc  *Document
	err  error
}

// Open loads the file behind id, replacing any open document. The fetch and
// parse are bounded by the load timeout; on failure the viewer is left in
// Failed with the error.
func (v *Viewer) Open(ctx context.Context, id uuid.UUID) error {
	v.mu.Lock()
	prevURL := v.resetLocked()
	v.loadSeq++
	seq := v.loadSeq
	v.fileID = id
	v.state = Loading
	v.err = nil
	v.mu.Unlock()
	v.tracker.Detach()
	if prevURL != "" {
		v.urls.Revoke(prevURL)
	}

	ctx, cancel := context.WithTimeout(ctx, v.loadTimeout)
	defer cancel()

	ch := make(chan loadResult, 1)
	go func() { ch <- v.load(ctx, id) }()

	var res loadResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-ch; late.url != "" {
				v.urls.Revoke(late.url)
			}
		}()
	}

	v.mu.Lock()
	if seq != v.loadSeq {
		v.mu.Unlock()
		if res.url != "" {
			v.urls.Revoke(res.url)
		}
		return nil
	}
	if res.err != nil {
		err := fmt.Errorf("opening %s: %w", id, res.err)
		v.state = Failed
		v.err = err
		v.mu.Unlock()
		v.logger.Warn("document load failed", "knowledge_id", id, "error", err)
		notify.Error(v.notifier, v.loc.T(i18n.DocumentLoadFailed))
		return err
	}
	v.blob = res.blob
	v.url = res.url
	v.doc = res.doc
	v.page = 1
	v.state = Ready
	root, targets := v.layoutLocked()
	v.mu.Unlock()

	v.logger.Debug("document loaded", "knowledge_id", id, "pages", res.doc.NumPages())
	return v.tracker.Attach(root, targets)
}

func (v *Viewer) load(ctx context.Context, id uuid.UUID) loadResult {
	blob, err := v.fetcher.FetchFileBlob(ctx, id)
	if err != nil {
		return loadResult{err: err}
	}
	url, err := v.urls.Register(blob)
	if err != nil {
		return loadResult{err: err}
	}
	doc, err := ParseDocument(blob.Data)
	if err != nil {
		v.urls.Revoke(url)
		return loadResult{err: err}
	}
	return loadResult{blob: blob, url: url, doc: doc}
}

// resetLocked drops the open document and returns its URL for revocation.
func (v *Viewer) resetLocked() string {
	if v.settle != nil {
		v.settle.Stop()
		v.settle = nil
	}
	url := v.url
	v.url = ""
	v.blob = model.Blob{}
	v.doc = nil
	v.texts = nil
	v.page = 0
	v.zoom = 1
	v.rotation = 0
	v.scrollY = 0
	v.query = ""
	v.results = nil
	v.resultIdx = -1
	v.searchSeq++
	return url
}

// Close releases the document. The viewer can be reopened.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.state == Closed {
		v.mu.Unlock()
		return
	}
	url := v.resetLocked()
	v.loadSeq++
	v.state = Closed
	hooks := v.onClose
	v.mu.Unlock()

	v.tracker.Detach()
	if url != "" {
		v.urls.Revoke(url)
	}
	for _, f := range hooks {
		f()
	}
}

// closed registers f to run whenever the viewer is closed.
func (v *Viewer) closed(f func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onClose = append(v.onClose, f)
}

func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Page returns the current page, 1-based.
func (v *Viewer) Page() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page
}

// PageVisibility is the share of the current page inside the viewport.
func (v *Viewer) PageVisibility() float64 {
	return v.tracker.Ratio(v.Page())
}

func (v *Viewer) NumPages() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.doc == nil {
		return 0
	}
	return v.doc.NumPages()
}

func (v *Viewer) Zoom() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.zoom
}

// Rotation is in degrees, one of 0, 90, 180, 270.
func (v *Viewer) Rotation() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rotation
}

// URL is the object URL of the open file.
func (v *Viewer) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

func (v *Viewer) Query() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

func (v *Viewer) Results() []SearchResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]SearchResult(nil), v.results...)
}

// ResultIndex is the selected result, or -1.
func (v *Viewer) ResultIndex() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resultIdx
}

// FileInfo describes the fetched file.
func (v *Viewer) FileInfo() FileInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	fi := FileInfo{
		Name:         v.blob.Name,
		Size:         v.blob.Size(),
		ContentType:  v.blob.ContentType,
		LastModified: v.blob.LastModified,
	}
	if v.doc != nil {
		fi.Pages = v.doc.NumPages()
		fi.Title = v.doc.Title()
		fi.Author = v.doc.Author()
	}
	return fi
}

// lockDoc locks the viewer and reports whether a document is open. When it
// is not, the lock is released again. Calling an operation that needs a
// document before the first Open is a programming error and panics.
func (v *Viewer) lockDoc() bool {
	v.mu.Lock()
	if v.doc != nil {
		return true
	}
	state := v.state
	v.mu.Unlock()
	if state == Idle {
		panic("pdfview: no document loaded")
	}
	return false
}

// pageVisible is the tracker callback.
func (v *Viewer) pageVisible(page int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.doc != nil {
		v.page = page
	}
}

// layoutLocked places every page at the current zoom and rotation and
// returns the visible rect with the page targets.
func (v *Viewer) layoutLocked() (Rect, []Target) {
	targets := make([]Target, v.doc.NumPages())
	y := 0.0
	for i := range targets {
		size := v.doc.PageSize(i + 1)
		w, h := size.Width*v.zoom, size.Height*v.zoom
		if v.rotation%180 != 0 {
			w, h = h, w
		}
		targets[i] = Target{Page: i + 1, Rect: Rect{X: 0, Y: y, W: w, H: h}}
		y += h + pageGap
	}
	maxScroll := math.Max(0, y-pageGap-v.viewport.H)
	v.scrollY = math.Min(math.Max(0, v.scrollY), maxScroll)
	return Rect{X: 0, Y: v.scrollY, W: v.viewport.W, H: v.viewport.H}, targets
}

func (v *Viewer) NextPage() { v.navigate(func(p int) int { return p + 1 }) }
func (v *Viewer) PrevPage() { v.navigate(func(p int) int { return p - 1 }) }

// GoToPage scrolls page n into view, clamped to the document.
func (v *Viewer) GoToPage(n int) { v.navigate(func(int) int { return n }) }

func (v *Viewer) navigate(next func(int) int) {
	if !v.lockDoc() {
		return
	}
	doc := v.doc
	n := min(max(next(v.page), 1), doc.NumPages())
	_, targets := v.layoutLocked()
	v.scrollY = targets[n-1].Rect.Y
	root, _ := v.layoutLocked()
	v.mu.Unlock()

	v.tracker.Scroll(root)

	// The explicit target wins over whatever the scroll revealed.
	v.mu.Lock()
	if v.doc == doc {
		v.page = n
	}
	v.mu.Unlock()
}

func (v *Viewer) ZoomIn()              { v.zoomTo(func(z float64) float64 { return z + ZoomStep }) }
func (v *Viewer) ZoomOut()             { v.zoomTo(func(z float64) float64 { return z - ZoomStep }) }
func (v *Viewer) SetZoom(zoom float64) { v.zoomTo(func(float64) float64 { return zoom }) }

func clampZoom(z float64) float64 {
	z = math.Round(z*10) / 10
	return math.Min(math.Max(z, MinZoom), MaxZoom)
}

func (v *Viewer) zoomTo(next func(float64) float64) {
	if !v.lockDoc() {
		return
	}
	z := clampZoom(next(v.zoom))
	if z == v.zoom {
		v.mu.Unlock()
		return
	}
	v.scrollY *= z / v.zoom
	v.zoom = z
	root, targets := v.layoutLocked()
	if v.settle != nil {
		v.settle.Stop()
	}
	v.settle = v.schedule(v.settleDelay, v.settleCurrentPage)
	v.mu.Unlock()

	v.reattach(root, targets)
}

// settleCurrentPage runs once layout has settled after a zoom and picks the
// first page overlapping the visible rect.
func (v *Viewer) settleCurrentPage() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settle = nil
	if v.doc == nil {
		return
	}
	root, targets := v.layoutLocked()
	if p := FirstIntersecting(root, targets); p > 0 {
		v.page = p
	}
}

func (v *Viewer) reattach(root Rect, targets []Target) {
	v.tracker.Detach()
	if err := v.tracker.Attach(root, targets); err != nil {
		v.logger.Debug("viewport tracker reattach", "error", err)
	}
}

// Wheel handles a wheel event. With ctrl held it zooms (up is in), otherwise
// it scrolls by deltaY.
func (v *Viewer) Wheel(deltaY float64, ctrl bool) {
	if ctrl {
		switch {
		case deltaY < 0:
			v.ZoomIn()
		case deltaY > 0:
			v.ZoomOut()
		}
		return
	}
	if !v.lockDoc() {
		return
	}
	v.scrollY += deltaY
	root, _ := v.layoutLocked()
	v.mu.Unlock()
	v.tracker.Scroll(root)
}

func (v *Viewer) RotateClockwise()        { v.rotate(90) }
func (v *Viewer) RotateCounterClockwise() { v.rotate(270) }

func (v *Viewer) rotate(by int) {
	if !v.lockDoc() {
		return
	}
	v.rotation = (v.rotation + by) % 360
	root, targets := v.layoutLocked()
	v.mu.Unlock()
	v.reattach(root, targets)
}

// Search looks for query in every page. Earlier results are cleared at once;
// if another search starts before this one finishes, this one's results are
// dropped. On success the viewer jumps to the first result.
func (v *Viewer) Search(ctx context.Context, query string) error {
	if !v.lockDoc() {
		return ErrNoDocument
	}
	v.searchSeq++
	seq := v.searchSeq
	v.query = query
	v.results = nil
	v.resultIdx = -1
	if strings.TrimSpace(query) == "" {
		v.state = Ready
		v.mu.Unlock()
		return nil
	}
	v.state = Searching
	fileID := v.fileID
	v.mu.Unlock()

	texts, err := v.PageTexts(ctx)
	if err != nil {
		v.mu.Lock()
		if seq == v.searchSeq {
			v.state = Ready
		}
		v.mu.Unlock()
		return err
	}
	results := v.searcher.Search(fileID.String(), texts, query)

	v.mu.Lock()
	if seq != v.searchSeq {
		v.mu.Unlock()
		return nil
	}
	v.results = results
	v.state = Ready
	if len(results) == 0 {
		v.mu.Unlock()
		return nil
	}
	v.resultIdx = 0
	first := results[0].PageIndex + 1
	v.mu.Unlock()

	v.GoToPage(first)
	return nil
}

// NextResult selects the next result, wrapping to the first, and returns its
// index or -1 when there are no results.
func (v *Viewer) NextResult() int {
	return v.selectResult(func(i, n int) int { return (i + 1) % n })
}

// PrevResult selects the previous result, wrapping to the last.
func (v *Viewer) PrevResult() int {
	return v.selectResult(func(i, n int) int {
		if i <= 0 {
			return n - 1
		}
		return i - 1
	})
}

func (v *Viewer) selectResult(step func(i, n int) int) int {
	v.mu.Lock()
	n := len(v.results)
	if n == 0 {
		v.mu.Unlock()
		return -1
	}
	v.resultIdx = step(v.resultIdx, n)
	idx := v.resultIdx
	page := v.results[idx].PageIndex + 1
	v.mu.Unlock()

	v.GoToPage(page)
	return idx
}

// PageTexts returns the plain text of every page, from memory, then the text
// store, then by extracting it.
func (v *Viewer) PageTexts(ctx context.Context) ([]string, error) {
	if !v.lockDoc() {
		return nil, ErrNoDocument
	}
	if v.texts != nil {
		texts := v.texts
		v.mu.Unlock()
		return texts, nil
	}
	doc, fileID := v.doc, v.fileID.String()
	v.mu.Unlock()

	texts, err := v.loadTexts(ctx, doc, fileID)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	if v.doc == doc {
		v.texts = texts
	}
	v.mu.Unlock()
	return texts, nil
}

func (v *Viewer) loadTexts(ctx context.Context, doc *Document, fileID string) ([]string, error) {
	if v.store != nil {
		texts, ok, err := v.store.LoadPageTexts(ctx, fileID, doc.Checksum())
		switch {
		case err != nil:
			v.logger.Warn("reading stored page text failed", "file_id", fileID, "error", err)
		case ok && len(texts) == doc.NumPages():
			return texts, nil
		}
	}
	texts, err := doc.ExtractText(ctx)
	if err != nil {
		return nil, err
	}
	if v.store != nil {
		if err := v.store.SavePageTexts(ctx, fileID, doc.Checksum(), texts); err != nil {
			v.logger.Warn("storing page text failed", "file_id", fileID, "error", err)
		}
	}
	return texts, nil
}

// HighlightPage returns the text of page n (1-based) with query's matches
// marked.
func (v *Viewer) HighlightPage(ctx context.Context, n int, query string) (string, error) {
	texts, err := v.PageTexts(ctx)
	if err != nil {
		return "", err
	}
	if n < 1 || n > len(texts) {
		return "", fmt.Errorf("page %d out of range 1..%d", n, len(texts))
	}
	return v.highlighter.Highlight(texts[n-1], query), nil
}

// Download writes the file into dir and returns its path. The name always
// ends in .pdf.
func (v *Viewer) Download(dir string) (string, error) {
	if !v.lockDoc() {
		return "", ErrNoDocument
	}
	blob, fileID := v.blob, v.fileID
	v.mu.Unlock()

	dest := filepath.Join(dir, DownloadName(blob.Name, fileID))
	tmp, err := os.CreateTemp(dir, ".docchat-*.part")
	if err != nil {
		return "", fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing download file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing download file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("saving %s: %w", dest, err)
	}
	return dest, nil
}

// DownloadName derives a local file name from the server-provided name,
// falling back to the id, and makes sure it ends in .pdf.
func DownloadName(name string, id uuid.UUID) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = id.String()
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

// Print hands the object URL to the configured opener.
func (v *Viewer) Print(ctx context.Context) error {
	if !v.lockDoc() {
		return ErrNoDocument
	}
	url := v.url
	v.mu.Unlock()
	if v.open == nil {
		return ErrNoOpener
	}
	return v.open(ctx, url)
}
