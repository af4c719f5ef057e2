package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/models"
)

func TestIncrementTouchesOnlyCache(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 1, Target: "site-a", Status: models.StatusActive})
	ctx := context.Background()

	var got int64
	for i := 0; i < 5; i++ {
		n, err := h.counterSv.Increment(ctx, "site-a", "10.0.0.1")
		require.NoError(t, err)
		got = n
	}
	assert.Equal(t, int64(5), got)

	row, _ := h.counters.byTarget("site-a")
	assert.Zero(t, row.Count, "database must not change before a flush")

	c, err := h.counterSv.Get(ctx, "site-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Count)

	keys, err := h.cache.Keys(ctx, cache.LogPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 5)
	assert.Zero(t, h.logs.count())
}

func TestIncrementUnknownTarget(t *testing.T) {
	h := newHarness(t, fastSync(30))
	_, err := h.counterSv.Increment(context.Background(), "nope", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.counterSv.Increment(context.Background(), "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementDisabledTarget(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 7, Target: "off", Count: 3, Status: models.StatusDisabled})
	ctx := context.Background()

	_, err := h.counterSv.Increment(ctx, "off", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := h.counterSv.Get(ctx, "off")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Count)

	keys, err := h.cache.Keys(ctx, cache.LogPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIncrementRepopulatesAfterEviction(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 1, Target: "site-a", Count: 10, Status: models.StatusActive})
	ctx := context.Background()

	_, err := h.counterSv.Increment(ctx, "site-a", "")
	require.NoError(t, err)
	h.mr.Del(cache.CounterKey("site-a"))

	n, err := h.counterSv.Increment(ctx, "site-a", "")
	require.NoError(t, err)
	assert.Equal(t, int64(11), n, "unflushed increments are lost on eviction")
}

func TestGetReplacesCorruptEntry(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 2, Target: "site-b", Count: 4, Status: models.StatusActive})
	ctx := context.Background()
	require.NoError(t, h.mr.Set(cache.CounterKey("site-b"), "{not json"))

	c, err := h.counterSv.Get(ctx, "site-b")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Count)

	e, err := cache.Get[models.Counter](ctx, h.cache, cache.KindCounter, cache.CounterKey("site-b"))
	require.NoError(t, err)
	assert.Equal(t, "site-b", e.Value.Target)
}

func TestCreateAssignsTemporaryID(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 40, Target: "old", Status: models.StatusActive})
	ctx := context.Background()
	require.NoError(t, h.counterSv.Warm(ctx))

	c, err := h.counterSv.Create(ctx, models.Counter{Target: " fresh ", Status: models.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.Target)
	assert.Less(t, c.ID, int64(0))

	second, err := h.counterSv.Create(ctx, models.Counter{Target: "fresher", Status: models.StatusActive})
	require.NoError(t, err)
	assert.Less(t, second.ID, c.ID)

	_, err = h.counterSv.Create(ctx, models.Counter{ID: 40, Target: "claims-old-id", Status: models.StatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.counterSv.Create(ctx, models.Counter{Target: "fresh", Status: models.StatusActive})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.counterSv.Create(ctx, models.Counter{Target: "old", Status: models.StatusActive})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.counterSv.Create(ctx, models.Counter{Target: "  ", Status: models.StatusActive})
	assert.ErrorIs(t, err, ErrInvalid)

	_, ok := h.counters.byTarget("fresh")
	assert.False(t, ok)
}

func TestCreateFlushGetRoundTrip(t *testing.T) {
	h := newHarness(t, fastSync(30))
	ctx := context.Background()

	created, err := h.counterSv.Create(ctx, models.Counter{Target: "t", Count: 9, Description: "home", Status: models.StatusActive})
	require.NoError(t, err)

	_, err = h.scheduler.FlushCounters(ctx)
	require.NoError(t, err)

	row, ok := h.counters.byTarget("t")
	require.True(t, ok)
	assert.Equal(t, int64(9), row.Count)

	got, err := h.counterSv.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID, "cache adopts the database id")
	assert.Equal(t, created.Target, got.Target)
	assert.Equal(t, created.Count, got.Count)
	assert.Equal(t, created.Description, got.Description)
	assert.Equal(t, created.Status, got.Status)
}

func TestUpdateAndSetStatus(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 3, Target: "u", Count: 1, Status: models.StatusActive})
	ctx := context.Background()

	count, desc := int64(50), "updated"
	c, err := h.counterSv.Update(ctx, 3, CounterPatch{Count: &count, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.Count)
	assert.Equal(t, "updated", c.Description)

	require.NoError(t, h.counterSv.SetStatus(ctx, 3, models.StatusDisabled))
	_, err = h.counterSv.Increment(ctx, "u", "")
	assert.ErrorIs(t, err, ErrNotFound)

	neg := int64(-1)
	_, err = h.counterSv.Update(ctx, 3, CounterPatch{Count: &neg})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = h.counterSv.Update(ctx, 99, CounterPatch{Description: &desc})
	assert.ErrorIs(t, err, ErrNotFound)

	row, _ := h.counters.byTarget("u")
	assert.Equal(t, int64(1), row.Count)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 5, Target: "gone", Status: models.StatusActive})
	ctx := context.Background()
	_, err := h.counterSv.Increment(ctx, "gone", "")
	require.NoError(t, err)

	require.NoError(t, h.counterSv.Delete(ctx, 5))
	_, ok := h.counters.byTarget("gone")
	assert.False(t, ok)
	assert.False(t, h.mr.Exists(cache.CounterKey("gone")))

	assert.ErrorIs(t, h.counterSv.Delete(ctx, 5), ErrNotFound)
}

func TestListMergesTiers(t *testing.T) {
	h := newHarness(t, fastSync(30),
		models.Counter{ID: 1, Target: "a", Count: 1, Status: models.StatusActive},
		models.Counter{ID: 2, Target: "b", Count: 2, Status: models.StatusActive},
	)
	ctx := context.Background()
	_, err := h.counterSv.Increment(ctx, "a", "")
	require.NoError(t, err)
	_, err = h.counterSv.Create(ctx, models.Counter{ID: 3, Target: "c", Status: models.StatusActive})
	require.NoError(t, err)

	list, err := h.counterSv.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Target)
	assert.Equal(t, int64(2), list[0].Count)
	assert.Equal(t, "c", list[2].Target)
	assert.True(t, h.mr.Exists(cache.CounterKey("b")))
}

func TestWarmKeepsCachedValues(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 8, Target: "w", Count: 1, Status: models.StatusActive})
	ctx := context.Background()
	_, err := h.counterSv.Increment(ctx, "w", "")
	require.NoError(t, err)

	require.NoError(t, h.counterSv.Warm(ctx))
	c, err := h.counterSv.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Count)
	assert.Equal(t, int64(8), c.ID)
}

func TestUpdateRejectsTargetChange(t *testing.T) {
	h := newHarness(t, fastSync(30), models.Counter{ID: 4, Target: "fixed", Status: models.StatusActive})
	ctx := context.Background()

	other := "renamed"
	_, err := h.counterSv.Update(ctx, 4, CounterPatch{Target: &other})
	assert.ErrorIs(t, err, ErrInvalid)

	same := "fixed"
	_, err = h.counterSv.Update(ctx, 4, CounterPatch{Target: &same})
	assert.NoError(t, err)
}
