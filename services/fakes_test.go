package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
)

type fakeCounterStore struct {
	mu      sync.Mutex
	rows    map[int64]models.Counter
	nextID  int64
	failOn  map[string]error
	calls   int
	updates int
}

func newFakeCounterStore(rows ...models.Counter) *fakeCounterStore {
	f := &fakeCounterStore{rows: map[int64]models.Counter{}, failOn: map[string]error{}}
	for _, r := range rows {
		f.rows[r.ID] = r
		f.nextID = max(f.nextID, r.ID)
	}
	return f
}

func (f *fakeCounterStore) FindByTarget(_ context.Context, target string) (*models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, r := range f.rows {
		if r.Target == target {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeCounterStore) FindByID(_ context.Context, id int64) (*models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (f *fakeCounterStore) List(context.Context) ([]models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]models.Counter, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCounterStore) Page(ctx context.Context, _ repository.CounterFilter) ([]models.Counter, int64, error) {
	rows, err := f.List(ctx)
	return rows, int64(len(rows)), err
}

func (f *fakeCounterStore) Insert(_ context.Context, c *models.Counter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failOn[c.Target]; err != nil {
		return 0, err
	}
	f.nextID++
	row := *c
	row.ID = f.nextID
	f.rows[row.ID] = row
	return row.ID, nil
}

func (f *fakeCounterStore) Update(_ context.Context, c *models.Counter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failOn[c.Target]; err != nil {
		return err
	}
	if _, ok := f.rows[c.ID]; !ok {
		return repository.ErrNotFound
	}
	f.updates++
	f.rows[c.ID] = *c
	return nil
}

func (f *fakeCounterStore) DeleteByTarget(_ context.Context, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for id, r := range f.rows {
		if r.Target == target {
			delete(f.rows, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCounterStore) byTarget(target string) (models.Counter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Target == target {
			return r, true
		}
	}
	return models.Counter{}, false
}

func (f *fakeCounterStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLogStore struct {
	mu       sync.Mutex
	rows     map[int64]models.LogEntry
	nextID   int64
	calls    int
	failIP   string
	onInsert func()
}

func newFakeLogStore(nextID int64) *fakeLogStore {
	return &fakeLogStore{rows: map[int64]models.LogEntry{}, nextID: nextID}
}

func (f *fakeLogStore) FindByID(_ context.Context, id int64) (*models.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (f *fakeLogStore) List(context.Context) ([]models.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]models.LogEntry, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeLogStore) Page(ctx context.Context, _ repository.LogFilter) ([]models.LogEntry, int64, error) {
	rows, err := f.List(ctx)
	return rows, int64(len(rows)), err
}

func (f *fakeLogStore) Insert(_ context.Context, e *models.LogEntry) (int64, error) {
	if f.onInsert != nil {
		f.onInsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failIP != "" && e.IPAddress == f.failIP {
		return 0, errStoreDown
	}
	f.nextID++
	row := *e
	row.ID = f.nextID
	f.rows[row.ID] = row
	return row.ID, nil
}

func (f *fakeLogStore) Delete(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_, ok := f.rows[id]
	delete(f.rows, id)
	return ok, nil
}

func (f *fakeLogStore) CountBetween(_ context.Context, from, to time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var n int64
	for _, r := range f.rows {
		if !r.CreateTime.Before(from) && r.CreateTime.Before(to) {
			n++
		}
	}
	return n, nil
}

func (f *fakeLogStore) Recent(ctx context.Context, limit int) ([]models.LogEntry, error) {
	rows, err := f.List(ctx)
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreateTime.After(rows[j].CreateTime) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, err
}

func (f *fakeLogStore) MaxID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID, nil
}

func (f *fakeLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeLogStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type storeErr string

func (e storeErr) Error() string { return string(e) }

const errStoreDown = storeErr("database unavailable")

type harness struct {
	mr        *miniredis.Miniredis
	cache     *cache.Store
	counters  *fakeCounterStore
	logs      *fakeLogStore
	counterSv *CounterService
	logSv     *LogService
	scheduler *Scheduler
}

func newHarness(t *testing.T, opts SyncOptions, rows ...models.Counter) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger := zap.NewNop()
	cs := cache.New(rc, logger)
	h := &harness{mr: mr, cache: cs, counters: newFakeCounterStore(rows...), logs: newFakeLogStore(1000)}
	h.logSv = NewLogService(cs, h.logs, DefaultLogTTL, logger)
	h.counterSv = NewCounterService(cs, h.counters, h.logSv, 0, logger)
	h.scheduler = NewScheduler(h.counterSv, h.logSv, opts, logger)
	t.Cleanup(func() { _ = h.scheduler.Shutdown() })
	return h
}

func fastSync(batch int) SyncOptions {
	return SyncOptions{Interval: time.Hour, BatchSize: batch, BatchPause: time.Millisecond}
}
