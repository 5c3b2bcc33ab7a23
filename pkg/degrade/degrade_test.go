package degrade

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/repoharvest/scmsync/pkg/errclass"
)

func TestRecordError_ThresholdExactness(t *testing.T) {
	c := New(Config{TimeoutThreshold: 3, ContentTooLargeThreshold: 2})

	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.False(t, c.ShouldSkipPatches(), "two timeouts must not trip a threshold of three")

	assert.True(t, c.RecordError(errclass.CategoryTimeout), "third timeout must trip")
	assert.True(t, c.ShouldSkipPatches())
	assert.Contains(t, c.SkipReason(), "timeout")
}

func TestRecordError_TripsOnlyOnce(t *testing.T) {
	c := New(Config{TimeoutThreshold: 2, ContentTooLargeThreshold: 2})

	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.RecordError(errclass.CategoryTimeout))

	// Further errors in the same streak keep the flag but do not
	// re-report the trip.
	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.ShouldSkipPatches())
}

func TestRecordError_CrossCategoryIsolation(t *testing.T) {
	c := New(Config{TimeoutThreshold: 3, ContentTooLargeThreshold: 5})

	c.RecordError(errclass.CategoryTimeout)
	c.RecordError(errclass.CategoryTimeout)
	c.RecordError(errclass.CategoryContentTooLarge)
	c.RecordError(errclass.CategoryTimeout)
	c.RecordError(errclass.CategoryTimeout)

	// The content_too_large error reset the timeout streak, so only
	// two timeouts have accumulated since.
	assert.False(t, c.ShouldSkipPatches())
	assert.Equal(t, 2, c.GetState().ConsecutiveTimeout)

	assert.True(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.ShouldSkipPatches())
}

func TestRecordError_UntrackedCategoryBreaksStreaks(t *testing.T) {
	c := New(Config{TimeoutThreshold: 2, ContentTooLargeThreshold: 2})

	c.RecordError(errclass.CategoryTimeout)
	assert.False(t, c.RecordError(errclass.CategoryConnection))
	assert.Equal(t, 0, c.GetState().ConsecutiveTimeout)

	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.False(t, c.ShouldSkipPatches())
}

func TestRecordSuccess_ResetsTrip(t *testing.T) {
	c := New(Config{TimeoutThreshold: 2, ContentTooLargeThreshold: 2})

	c.RecordError(errclass.CategoryTimeout)
	assert.True(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.ShouldSkipPatches())

	c.RecordSuccess()
	assert.False(t, c.ShouldSkipPatches())
	assert.Empty(t, c.SkipReason())

	// Errors must reaccumulate from zero to retrip.
	assert.False(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.RecordError(errclass.CategoryTimeout))
	assert.True(t, c.ShouldSkipPatches())
}

func TestRecordSuccess_StickyKeepsTrip(t *testing.T) {
	c := New(Config{TimeoutThreshold: 2, ContentTooLargeThreshold: 2, Sticky: true})

	c.RecordError(errclass.CategoryTimeout)
	c.RecordError(errclass.CategoryTimeout)
	assert.True(t, c.ShouldSkipPatches())

	c.RecordSuccess()
	assert.True(t, c.ShouldSkipPatches(), "sticky mode keeps the breaker tripped across successes")
	assert.Equal(t, 0, c.GetState().ConsecutiveTimeout)

	c.Reset()
	assert.False(t, c.ShouldSkipPatches(), "Reset clears even a sticky trip")
}

func TestThresholdOfOne(t *testing.T) {
	c := New(Config{TimeoutThreshold: 1, ContentTooLargeThreshold: 1})

	assert.True(t, c.RecordError(errclass.CategoryContentTooLarge))
	assert.True(t, c.ShouldSkipPatches())
	assert.Contains(t, c.SkipReason(), "content_too_large")
}

func TestThresholdClamping(t *testing.T) {
	c := New(Config{TimeoutThreshold: 0, ContentTooLargeThreshold: -5})

	// Clamped to one, so the first error trips.
	assert.True(t, c.RecordError(errclass.CategoryTimeout))

	c.Reset()
	assert.True(t, c.RecordError(errclass.CategoryContentTooLarge))
}

func TestContentTooLargeStreak(t *testing.T) {
	c := New(DefaultConfig())

	assert.False(t, c.RecordError(errclass.CategoryContentTooLarge))
	assert.True(t, c.RecordError(errclass.CategoryContentTooLarge))

	state := c.GetState()
	assert.Equal(t, errclass.CategoryContentTooLarge, state.TrippedCategory)
	assert.Contains(t, state.SkipReason, "content_too_large")
}

func TestGetState_Snapshot(t *testing.T) {
	c := New(Config{TimeoutThreshold: 3, ContentTooLargeThreshold: 2})

	c.RecordError(errclass.CategoryTimeout)
	c.RecordError(errclass.CategoryTimeout)

	state := c.GetState()
	assert.Equal(t, 2, state.ConsecutiveTimeout)
	assert.Equal(t, 0, state.ConsecutiveContentTooLarge)
	assert.False(t, state.ShouldSkipPatches)
	assert.Empty(t, state.SkipReason)

	// The snapshot is a copy; mutating the controller afterwards does
	// not change it.
	c.RecordError(errclass.CategoryTimeout)
	assert.Equal(t, 2, state.ConsecutiveTimeout)
}
