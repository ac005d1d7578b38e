package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
)

// scriptedFetcher returns the statuses in script for an id, one per call,
// repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	script map[uuid.UUID][]model.IngestionStatus
	errs   map[uuid.UUID]error
	calls  map[uuid.UUID]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		script: make(map[uuid.UUID][]model.IngestionStatus),
		errs:   make(map[uuid.UUID]error),
		calls:  make(map[uuid.UUID]int),
	}
}

func (s *scriptedFetcher) FetchKnowledgeByID(_ context.Context, id uuid.UUID) (*model.Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[id]
	s.calls[id] = n + 1
	if err := s.errs[id]; err != nil {
		return nil, err
	}
	steps, ok := s.script[id]
	if !ok {
		return nil, nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return &model.Knowledge{ID: id, Type: model.KnowledgeFile, IngestionStatus: steps[n]}, nil
}

func (s *scriptedFetcher) callCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]model.Knowledge
}

func (r *recordingSink) AddLocalKnowledge(items []model.Knowledge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
}

func (r *recordingSink) last(id uuid.UUID) (model.Knowledge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.batches) - 1; i >= 0; i-- {
		for _, k := range r.batches[i] {
			if k.ID == id {
				return k, true
			}
		}
	}
	return model.Knowledge{}, false
}

func waitDone(t *testing.T, f *FileStatus) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not finish")
	}
}

func TestFileStatus_PendingThenSucceeded(t *testing.T) {
	id := uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[id] = []model.IngestionStatus{model.IngestionPending, model.IngestionSucceeded}
	sink := &recordingSink{}

	f := NewFileStatus(fetcher, sink, 5*time.Millisecond, nil, nil)
	f.Track(ctx, id)
	require.Equal(t, []uuid.UUID{id}, f.Pending())

	waitDone(t, f)

	assert.Empty(t, f.Pending())
	got, ok := sink.last(id)
	require.True(t, ok)
	assert.Equal(t, model.IngestionSucceeded, got.IngestionStatus)
	assert.Equal(t, 2, fetcher.callCount(id), "one fetch on track, one poll")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, fetcher.callCount(id), "no polling after the item settled")
}

func TestFileStatus_TerminalOnTrackDoesNotPoll(t *testing.T) {
	id := uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[id] = []model.IngestionStatus{model.IngestionFailed}
	sink := &recordingSink{}

	f := NewFileStatus(fetcher, sink, 5*time.Millisecond, nil, nil)
	f.Track(ctx, id)

	assert.Empty(t, f.Pending())
	waitDone(t, f)
	got, ok := sink.last(id)
	require.True(t, ok)
	assert.Equal(t, model.IngestionFailed, got.IngestionStatus)
	assert.Equal(t, 1, fetcher.callCount(id))
}

func TestFileStatus_TrackErrorNotifies(t *testing.T) {
	id := uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.errs[id] = errors.New("boom")
	rec := &notify.Recorder{}

	f := NewFileStatus(fetcher, &recordingSink{}, 5*time.Millisecond, rec, nil)
	f.Track(ctx, id)

	assert.Empty(t, f.Pending())
	require.Len(t, rec.All(), 1)
	assert.Contains(t, rec.All()[0].Message, id.String())
}

func TestFileStatus_RunOnceKeepsFailedFetchPending(t *testing.T) {
	a, b, gone := uuid.New(), uuid.New(), uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[a] = []model.IngestionStatus{model.IngestionPending}
	fetcher.script[b] = []model.IngestionStatus{model.IngestionPending, model.IngestionSucceeded}
	fetcher.script[gone] = []model.IngestionStatus{model.IngestionPending}
	sink := &recordingSink{}

	f := NewFileStatus(fetcher, sink, time.Hour, nil, nil)
	f.Track(ctx, a, b, gone)
	defer f.Stop()
	require.Len(t, f.Pending(), 3)

	fetcher.mu.Lock()
	fetcher.errs[a] = errors.New("timeout")
	delete(fetcher.script, gone)
	fetcher.mu.Unlock()

	remaining := f.RunOnce(ctx)

	assert.Equal(t, 1, remaining)
	assert.Equal(t, []uuid.UUID{a}, f.Pending())
}

func TestFileStatus_StopEndsLoop(t *testing.T) {
	id := uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[id] = []model.IngestionStatus{model.IngestionPending}

	f := NewFileStatus(fetcher, &recordingSink{}, 5*time.Millisecond, nil, nil)
	f.Track(ctx, id)
	time.Sleep(15 * time.Millisecond)

	f.Stop()
	calls := fetcher.callCount(id)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, calls, fetcher.callCount(id))
	assert.Equal(t, []uuid.UUID{id}, f.Pending(), "stop keeps the pending set")
}

func TestFileStatus_ContextCancelEndsLoop(t *testing.T) {
	id := uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[id] = []model.IngestionStatus{model.IngestionPending}

	c, cancel := context.WithCancel(context.Background())
	f := NewFileStatus(fetcher, &recordingSink{}, 5*time.Millisecond, nil, nil)
	f.Track(c, id)
	cancel()

	waitDone(t, f)
}

func TestFileStatus_TrackWhileRunningJoinsLoop(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	fetcher := newScriptedFetcher()
	fetcher.script[a] = []model.IngestionStatus{model.IngestionPending, model.IngestionPending, model.IngestionSucceeded}
	fetcher.script[b] = []model.IngestionStatus{model.IngestionPending, model.IngestionSucceeded}
	sink := &recordingSink{}

	f := NewFileStatus(fetcher, sink, 5*time.Millisecond, nil, nil)
	f.Track(ctx, a)
	f.Track(ctx, b)

	waitDone(t, f)
	assert.Empty(t, f.Pending())
	ka, _ := sink.last(a)
	kb, _ := sink.last(b)
	assert.Equal(t, model.IngestionSucceeded, ka.IngestionStatus)
	assert.Equal(t, model.IngestionSucceeded, kb.IngestionStatus)
}
