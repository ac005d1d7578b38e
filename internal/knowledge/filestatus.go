package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
)

// DefaultPollInterval is how often pending items are re-checked.
const DefaultPollInterval = 5 * time.Second

// StatusFetcher loads a single knowledge item.
type StatusFetcher interface {
	FetchKnowledgeByID(ctx context.Context, id uuid.UUID) (*model.Knowledge, error)
}

// LocalAdder receives fresh copies of tracked items.
type LocalAdder interface {
	AddLocalKnowledge(items []model.Knowledge)
}

// FileStatus follows newly uploaded items until their ingestion finishes.
// A single ticker goroutine runs while at least one item is pending; it
// exits as soon as the pending set drains, on Stop, or when the context
// given to Track is cancelled.
type FileStatus struct {
	fetcher  StatusFetcher
	sink     LocalAdder
	poll     time.Duration
	notifier notify.Notifier
	loc      *i18n.Localizer
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileStatus creates a FileStatus. If pollInterval is <= 0, it defaults
// to DefaultPollInterval.
func NewFileStatus(fetcher StatusFetcher, sink LocalAdder, pollInterval time.Duration, n notify.Notifier, loc *i18n.Localizer) *FileStatus {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	done := make(chan struct{})
	close(done)
	return &FileStatus{
		fetcher:  fetcher,
		sink:     sink,
		poll:     pollInterval,
		notifier: n,
		loc:      loc,
		logger:   slog.Default(),
		pending:  make(map[uuid.UUID]struct{}),
		done:     done,
	}
}

// Track fetches each id, adds it to the local list and enrolls the ones
// still PENDING in the poll loop.
func (f *FileStatus) Track(ctx context.Context, ids ...uuid.UUID) {
	items, errs := f.fetchAll(ctx, ids)
	for i, err := range errs {
		if err != nil {
			f.logger.Warn("fetching uploaded item failed", "knowledge_id", ids[i], "error", err)
			notify.Error(f.notifier, f.loc.T(i18n.FileStatusFailed, ids[i]))
		}
	}

	var fresh []model.Knowledge
	f.mu.Lock()
	for _, k := range items {
		if k == nil {
			continue
		}
		fresh = append(fresh, *k)
		if k.IngestionStatus == model.IngestionPending {
			f.pending[k.ID] = struct{}{}
		}
	}
	startLoop := len(f.pending) > 0 && f.cancel == nil
	var loopCtx context.Context
	if startLoop {
		loopCtx, f.cancel = context.WithCancel(ctx)
		f.done = make(chan struct{})
	}
	done := f.done
	f.mu.Unlock()

	if len(fresh) > 0 {
		f.sink.AddLocalKnowledge(fresh)
	}

	if startLoop {
		go f.run(loopCtx, done)
	}
}

// Pending returns the ids still waiting for ingestion.
func (f *FileStatus) Pending() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, 0, len(f.pending))
	for id := range f.pending {
		out = append(out, id)
	}
	return out
}

// Done is closed when no poll loop is running.
func (f *FileStatus) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Stop ends the poll loop and waits for it to exit. Pending ids are kept.
func (f *FileStatus) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

func (f *FileStatus) run(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(f.poll)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			f.release()
			return
		case <-ticker.C:
		}
		f.RunOnce(ctx)

		// Track may enroll new ids between RunOnce and here, so the
		// emptiness check and the release happen under one lock.
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.cancel()
			f.cancel = nil
			f.mu.Unlock()
			f.logger.Debug("ingestion polling finished")
			return
		}
		f.mu.Unlock()
	}
}

func (f *FileStatus) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// RunOnce re-fetches every pending item and returns how many are still
// pending afterwards. Items whose fetch fails stay pending; items the server
// no longer knows are dropped.
func (f *FileStatus) RunOnce(ctx context.Context) int {
	ids := f.Pending()
	if len(ids) == 0 {
		return 0
	}
	items, errs := f.fetchAll(ctx, ids)

	var fresh []model.Knowledge
	f.mu.Lock()
	for i, k := range items {
		switch {
		case errs[i] != nil:
			f.logger.Warn("checking ingestion status failed", "knowledge_id", ids[i], "error", errs[i])
		case k == nil:
			delete(f.pending, ids[i])
		default:
			fresh = append(fresh, *k)
			if k.IngestionStatus != model.IngestionPending {
				delete(f.pending, k.ID)
			}
		}
	}
	remaining := len(f.pending)
	f.mu.Unlock()

	if len(fresh) > 0 {
		f.sink.AddLocalKnowledge(fresh)
	}
	return remaining
}

func (f *FileStatus) fetchAll(ctx context.Context, ids []uuid.UUID) ([]*model.Knowledge, []error) {
	out := make([]*model.Knowledge, len(ids))
	errs := make([]error, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			out[i], errs[i] = f.fetcher.FetchKnowledgeByID(gCtx, id)
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}
