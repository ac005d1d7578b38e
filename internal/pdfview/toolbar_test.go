package pdfview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolbar_DebouncesToLastQuery(t *testing.T) {
	h := newHarness(t, nil)
	v := h.open(t)
	sched := &fakeScheduler{}
	tb := NewToolbar(v, WithScheduler(sched.schedule))

	tb.SetQuery(ctx, "q")
	tb.SetQuery(ctx, "qu")
	tb.SetQuery(ctx, "quick")

	require.Len(t, sched.timers, 3)
	assert.Equal(t, DefaultSearchDebounce, sched.delays[2])
	assert.Empty(t, v.Query(), "nothing searched before the timer fires")

	sched.fire()

	assert.Equal(t, "quick", v.Query())
	assert.Len(t, v.Results(), 2)
}

func TestToolbar_Flush(t *testing.T) {
	v := newHarness(t, nil).open(t)
	sched := &fakeScheduler{}
	tb := NewToolbar(v, WithScheduler(sched.schedule))

	tb.SetQuery(ctx, "trot")
	require.NoError(t, tb.Flush())
	assert.Equal(t, "trot", v.Query())

	sched.fire()
	assert.Equal(t, "trot", v.Query(), "flushed timer does not run again")
	assert.NoError(t, tb.Flush())
}

func TestToolbar_StopDropsPending(t *testing.T) {
	v := newHarness(t, nil).open(t)
	sched := &fakeScheduler{}
	tb := NewToolbar(v, WithScheduler(sched.schedule))

	tb.SetQuery(ctx, "fox")
	tb.Stop()
	sched.fire()

	assert.Empty(t, v.Query())
}

func TestToolbar_Status(t *testing.T) {
	v := newHarness(t, nil).open(t)
	tb := NewToolbar(v)

	assert.Equal(t, "1 / 3", tb.PageStatus())
	assert.Equal(t, "100%", tb.ZoomStatus())
	assert.Equal(t, "", tb.SearchStatus())

	v.ZoomIn()
	v.ZoomIn()
	assert.Equal(t, "120%", tb.ZoomStatus())

	require.NoError(t, v.Search(ctx, "fox"))
	v.NextResult()
	assert.Equal(t, "2 / 3", tb.SearchStatus())
	assert.Equal(t, "2 / 3", tb.PageStatus())

	require.NoError(t, v.Search(ctx, "nothing matches"))
	assert.Equal(t, "0 / 0", tb.SearchStatus())
}

func TestToolbar_CloseCancelsPendingSearch(t *testing.T) {
	h := newHarness(t, nil)
	v := h.open(t)
	tb := NewToolbar(v, WithScheduler(h.sched.schedule))

	tb.SetQuery(ctx, "fox")
	v.Close()

	assert.NotPanics(t, h.sched.fire)
	assert.Empty(t, v.Query())
	assert.NoError(t, tb.Flush(), "nothing pending after close")
}

func TestToolbar_FireAfterCloseIsQuiet(t *testing.T) {
	h := newHarness(t, nil)
	v := h.open(t)
	sched := &fakeScheduler{}
	tb := NewToolbar(v, WithScheduler(sched.schedule))

	tb.SetQuery(ctx, "fox")
	timer := sched.timers[0]
	v.Close()

	// A timer that already started running when Close stopped it.
	assert.NotPanics(t, timer.f)
	assert.Equal(t, Closed, v.State())
}
