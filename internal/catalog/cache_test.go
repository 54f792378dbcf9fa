package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mindfulpath/scheduling/internal/model"
)

type countingProvider struct {
	slots []model.TimeSlot
	err   error
	calls int
}

func (p *countingProvider) List(_ context.Context) ([]model.TimeSlot, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.slots, nil
}

func (p *countingProvider) Get(_ context.Context, id string) (model.TimeSlot, error) {
	for _, s := range p.slots {
		if s.ID == id {
			return s, nil
		}
	}
	return model.TimeSlot{}, ErrNotFound
}

func testSlots() []model.TimeSlot {
	return []model.TimeSlot{
		{ID: "slot-0900", StartTime: "09:00", EndTime: "10:00", DurationMinutes: 60, IsStandard: true, SortOrder: 1},
		{ID: "slot-1000", StartTime: "10:00", EndTime: "11:00", DurationMinutes: 60, IsStandard: true, SortOrder: 2},
	}
}

func newTestCache(t *testing.T, inner Provider) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCache(inner, rdb, time.Minute, nil), mr
}

func TestCache_ReadThrough(t *testing.T) {
	inner := &countingProvider{slots: testSlots()}
	cache, _ := newTestCache(t, inner)
	ctx := context.Background()

	first, err := cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, 1, inner.calls)

	second, err := cache.List(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, inner.calls, "second read must be served from cache")
}

func TestCache_GetByID(t *testing.T) {
	cache, _ := newTestCache(t, &countingProvider{slots: testSlots()})
	ctx := context.Background()

	slot, err := cache.Get(ctx, "slot-1000")
	require.NoError(t, err)
	require.Equal(t, "10:00", slot.StartTime)

	_, err = cache.Get(ctx, "slot-nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	inner := &countingProvider{slots: testSlots()}
	cache, _ := newTestCache(t, inner)
	ctx := context.Background()

	_, err := cache.List(ctx)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx))

	_, err = cache.List(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestCache_CorruptEntryDropped(t *testing.T) {
	inner := &countingProvider{slots: testSlots()}
	cache, mr := newTestCache(t, inner)
	ctx := context.Background()

	require.NoError(t, mr.Set("scheduling:timeslots:v1", "{not json"))

	slots, err := cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	require.Equal(t, 1, inner.calls)
}

func TestCache_ProviderErrorPropagates(t *testing.T) {
	inner := &countingProvider{err: errors.New("db down")}
	cache, _ := newTestCache(t, inner)

	_, err := cache.List(context.Background())
	require.Error(t, err)
}
