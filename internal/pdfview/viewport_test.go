package pdfview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// three 100-high pages stacked with no gap
var stacked = []Target{
	{Page: 1, Rect: Rect{Y: 0, W: 100, H: 100}},
	{Page: 2, Rect: Rect{Y: 100, W: 100, H: 100}},
	{Page: 3, Rect: Rect{Y: 200, W: 100, H: 100}},
}

func TestTracker_AttachReportsVisiblePages(t *testing.T) {
	var seen []int
	tr := NewTracker(0.5, func(p int) { seen = append(seen, p) })

	require.NoError(t, tr.Attach(Rect{W: 100, H: 160}, stacked))

	assert.Equal(t, []int{1, 2}, seen, "page 2 is 60% visible")
	assert.InDelta(t, 0.6, tr.Ratio(2), 1e-9)
	assert.Zero(t, tr.Ratio(3))
}

func TestTracker_FiresOnUpwardCrossingOnly(t *testing.T) {
	var seen []int
	tr := NewTracker(0.5, func(p int) { seen = append(seen, p) })
	require.NoError(t, tr.Attach(Rect{W: 100, H: 100}, stacked))
	seen = nil

	tr.Scroll(Rect{Y: 40, W: 100, H: 100}) // page 1 still 60%
	assert.Empty(t, seen)

	tr.Scroll(Rect{Y: 60, W: 100, H: 100}) // page 2 reaches 60%
	assert.Equal(t, []int{2}, seen)

	tr.Scroll(Rect{Y: 70, W: 100, H: 100}) // page 2 stays visible
	assert.Equal(t, []int{2}, seen)

	tr.Scroll(Rect{Y: 0, W: 100, H: 100})
	assert.Equal(t, []int{2, 1}, seen)
}

func TestTracker_DetachBeforeReattach(t *testing.T) {
	calls := 0
	tr := NewTracker(0.5, func(int) { calls++ })
	require.NoError(t, tr.Attach(Rect{W: 100, H: 100}, stacked))

	assert.ErrorIs(t, tr.Attach(Rect{W: 100, H: 100}, stacked), ErrTrackerAttached)

	tr.Detach()
	assert.False(t, tr.attached)
	tr.Scroll(Rect{Y: 200, W: 100, H: 100})
	assert.Equal(t, 1, calls, "no callbacks while detached")

	require.NoError(t, tr.Attach(Rect{Y: 200, W: 100, H: 100}, stacked))
	assert.Equal(t, 2, calls)
}

func TestTracker_DefaultThreshold(t *testing.T) {
	tr := NewTracker(0, nil)
	assert.Equal(t, DefaultVisibilityThreshold, tr.threshold)
}

func TestFirstIntersecting(t *testing.T) {
	assert.Equal(t, 1, FirstIntersecting(Rect{Y: 90, W: 100, H: 100}, stacked))
	assert.Equal(t, 2, FirstIntersecting(Rect{Y: 100, W: 100, H: 100}, stacked), "touching edges do not intersect")
	assert.Equal(t, 0, FirstIntersecting(Rect{Y: 500, W: 100, H: 100}, stacked))
}
