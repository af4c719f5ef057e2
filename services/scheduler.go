package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
)

const (
	NamespaceCounters = "counters"
	NamespaceLogs     = "logs"
)

// SyncOptions tunes the periodic flush.
type SyncOptions struct {
	Interval   time.Duration
	BatchSize  int
	BatchPause time.Duration
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{Interval: 10 * time.Minute, BatchSize: 30, BatchPause: 200 * time.Millisecond}
}

// FlushReport summarizes one flush of a namespace.
type FlushReport struct {
	Namespace   string        `json:"namespace"`
	Keys        int           `json:"keys"`
	Batches     int           `json:"batches"`
	Flushed     int           `json:"flushed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"-"`
}

type batchStats struct{ flushed, skipped, failed int }

func (r *FlushReport) add(b batchStats) {
	r.Batches++
	r.Flushed += b.flushed
	r.Skipped += b.skipped
	r.Failed += b.failed
}

// Scheduler copies cached counters and visit logs into the database. Each namespace runs
// at most once at a time; concurrent triggers join the run in progress.
type Scheduler struct {
	cache    *cache.Store
	counters repository.CounterStore
	logs     repository.LogStore

	counterTTL time.Duration
	logTTL     time.Duration
	opts       SyncOptions
	logger     *zap.Logger

	inflight singleflight.Group

	// ctx bounds the flush work itself; it ends only on Shutdown.
	ctx      context.Context
	shutdown context.CancelFunc
	running  sync.WaitGroup

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(counters *CounterService, logs *LogService, opts SyncOptions, logger *zap.Logger) *Scheduler {
	def := DefaultSyncOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.BatchPause < 0 {
		opts.BatchPause = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, shutdown := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:        ctx,
		shutdown:   shutdown,
		cache:      counters.cache,
		counters:   counters.store,
		logs:       logs.store,
		counterTTL: counters.ttl,
		logTTL:     logs.ttl,
		opts:       opts,
		logger:     logger,
	}
}

// Start launches the periodic flush. Calling it again while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("sync scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Duration("batch_pause", s.opts.BatchPause))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FlushAll(ctx); err != nil {
				s.logger.Warn("periodic flush", zap.Error(err))
			}
		}
	}
}

// Stop ends the periodic loop. A flush already running continues until it completes or
// Shutdown is called.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync scheduler stopped")
}

// Shutdown stops the loop, interrupts running flushes between batches and waits for them
// to return. Later flush calls fail with ErrSchedulerClosed. It satisfies do.Shutdownable.
func (s *Scheduler) Shutdown() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	s.running.Wait()
	return nil
}

// FlushAll flushes counters, then logs.
func (s *Scheduler) FlushAll(ctx context.Context) ([]FlushReport, error) {
	counters, cerr := s.FlushCounters(ctx)
	reports := []FlushReport{counters}
	if ctx.Err() != nil {
		return reports, errors.Join(cerr, ctx.Err())
	}
	logs, lerr := s.FlushLogs(ctx)
	return append(reports, logs), errors.Join(cerr, lerr)
}

// FlushCounters writes every cached counter to the database, inserting unknown targets and
// overwriting known ones. Database ids are copied back onto the cached counters.
func (s *Scheduler) FlushCounters(ctx context.Context) (FlushReport, error) {
	return s.run(ctx, NamespaceCounters, func(ctx context.Context) (FlushReport, error) {
		keys, err := s.cache.Keys(ctx, cache.CounterPrefix)
		if err != nil {
			return FlushReport{Namespace: NamespaceCounters}, err
		}
		return s.walk(ctx, NamespaceCounters, keys, s.flushCounterBatch)
	})
}

// FlushLogs inserts every unflushed cached log entry and re-keys it under its database id.
func (s *Scheduler) FlushLogs(ctx context.Context) (FlushReport, error) {
	return s.run(ctx, NamespaceLogs, func(ctx context.Context) (FlushReport, error) {
		keys, err := s.cache.Keys(ctx, cache.LogPrefix)
		if err != nil {
			return FlushReport{Namespace: NamespaceLogs}, err
		}
		return s.walk(ctx, NamespaceLogs, keys, s.flushLogBatch)
	})
}

// run executes fn once per namespace at a time. fn runs on the scheduler's own context, so
// a caller whose ctx ends only stops waiting; the flush keeps going for the other callers.
func (s *Scheduler) run(ctx context.Context, ns string, fn func(context.Context) (FlushReport, error)) (FlushReport, error) {
	ch := s.inflight.DoChan(ns, func() (interface{}, error) {
		if !s.track() {
			return FlushReport{Namespace: ns}, ErrSchedulerClosed
		}
		defer s.running.Done()
		return s.execute(ns, fn)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined running flush", zap.String("namespace", ns))
		}
		rep, _ := res.Val.(FlushReport)
		return rep, res.Err
	case <-ctx.Done():
		s.logger.Debug("stopped waiting for flush", zap.String("namespace", ns), zap.Error(ctx.Err()))
		return FlushReport{Namespace: ns}, ctx.Err()
	}
}

// track registers a flush with Shutdown unless the scheduler is already closed.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.running.Add(1)
	return true
}

func (s *Scheduler) execute(ns string, fn func(context.Context) (FlushReport, error)) (FlushReport, error) {
	start := time.Now()
	rep, err := fn(s.ctx)
	rep.Duration = time.Since(start)
	if err == nil && rep.Failed > 0 {
		err = fmt.Errorf("%w: %d of %d %s entries left in cache", ErrFlushIncomplete, rep.Failed, rep.Keys, ns)
	}
	observeFlush(rep, err)

	fields := []zap.Field{
		zap.String("namespace", ns),
		zap.Int("keys", rep.Keys),
		zap.Int("batches", rep.Batches),
		zap.Int("flushed", rep.Flushed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", rep.Duration),
	}
	switch {
	case rep.Interrupted:
		s.logger.Info("flush interrupted", fields...)
	case err != nil:
		s.logger.Warn("flush finished with errors", append(fields, zap.Error(err))...)
	case rep.Keys > 0:
		s.logger.Info("flush finished", fields...)
	}
	return rep, err
}

// walk processes keys in fixed-size batches with a pause between them. Cancellation is
// checked between batches only; the batch in progress always completes.
func (s *Scheduler) walk(ctx context.Context, ns string, keys []string, flush func(context.Context, []string) batchStats) (FlushReport, error) {
	rep := FlushReport{Namespace: ns, Keys: len(keys)}
	if len(keys) == 0 {
		return rep, nil
	}
	batchCtx := context.WithoutCancel(ctx)
	for start := 0; start < len(keys); start += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			rep.Interrupted = true
			return rep, err
		}
		end := min(start+s.opts.BatchSize, len(keys))
		rep.add(flush(batchCtx, keys[start:end]))
		if end < len(keys) && !s.pause(ctx) {
			rep.Interrupted = true
			return rep, ctx.Err()
		}
	}
	return rep, nil
}

func (s *Scheduler) pause(ctx context.Context) bool {
	if s.opts.BatchPause <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.opts.BatchPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) flushCounterBatch(ctx context.Context, keys []string) batchStats {
	var b batchStats
	entries, err := cache.MultiGet[models.Counter](ctx, s.cache, cache.KindCounter, keys)
	if err != nil {
		s.logger.Warn("read counter batch", zap.Int("keys", len(keys)), zap.Error(err))
		b.failed = len(keys)
		return b
	}
	b.skipped = len(keys) - len(entries)
	for _, e := range entries {
		if err := s.flushCounter(ctx, e.Value); err != nil {
			b.failed++
			s.logger.Warn("flush counter", zap.String("target", e.Value.Target), zap.Error(err))
			continue
		}
		b.flushed++
	}
	return b
}

func (s *Scheduler) flushCounter(ctx context.Context, c models.Counter) error {
	cachedID := c.ID
	existing, err := s.counters.FindByTarget(ctx, c.Target)
	switch {
	case err == nil:
		c.ID = existing.ID
		if err := s.counters.Update(ctx, &c); err != nil {
			return err
		}
	case errors.Is(err, repository.ErrNotFound):
		id, err := s.counters.Insert(ctx, &c)
		if err != nil {
			return err
		}
		c.ID = id
	default:
		return err
	}
	if c.ID == cachedID {
		return nil
	}

	// Visits logged under the temporary id are still waiting in the cache.
	if cachedID < 0 {
		if err := s.cache.SetCounterAlias(ctx, cachedID, c.ID, s.logTTL); err != nil {
			s.logger.Warn("record counter alias", zap.Int64("temp_id", cachedID), zap.Int64("id", c.ID), zap.Error(err))
		}
	}
	_, err = cache.Update(ctx, s.cache, cache.KindCounter, cache.CounterKey(c.Target), s.counterTTL, func(cur *models.Counter) error {
		cur.ID = c.ID
		return nil
	})
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	return err
}

func (s *Scheduler) flushLogBatch(ctx context.Context, keys []string) batchStats {
	var b batchStats
	entries, err := cache.MultiGet[models.LogEntry](ctx, s.cache, cache.KindLogEntry, keys)
	if err != nil {
		s.logger.Warn("read log batch", zap.Int("keys", len(keys)), zap.Error(err))
		b.failed = len(keys)
		return b
	}
	b.skipped = len(keys) - len(entries)

	aliases := s.counterAliases(ctx, entries)

	var maxID int64
	for _, e := range entries {
		if e.Durable {
			b.skipped++
			continue
		}
		row := e.Value
		if id, ok := aliases[row.CounterID]; ok {
			row.CounterID = id
		}
		id, err := s.logs.Insert(ctx, &row)
		if err != nil {
			b.failed++
			s.logger.Warn("flush log entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		row.ID = id
		maxID = max(maxID, id)
		b.flushed++

		if _, err := cache.Remap(ctx, s.cache, cache.KindLogEntry, e.Key, cache.LogKey(id), row, s.logTTL); err != nil {
			// The row is in the database; dropping the old key keeps the next run from inserting it again.
			s.logger.Error("remap flushed log entry", zap.String("key", e.Key), zap.Int64("id", id), zap.Error(err))
			if _, derr := s.cache.Delete(ctx, e.Key); derr != nil {
				s.logger.Error("drop flushed log entry", zap.String("key", e.Key), zap.Error(derr))
			}
		}
	}
	if maxID > 0 {
		if err := s.cache.RaiseFloor(ctx, cache.LogSeqKey, maxID); err != nil {
			s.logger.Warn("raise log id floor", zap.Int64("floor", maxID), zap.Error(err))
		}
	}
	return b
}

// counterAliases maps the temporary counter ids referenced by pending entries onto the
// database ids they were replaced with. A lookup failure leaves the ids as they are.
func (s *Scheduler) counterAliases(ctx context.Context, entries []cache.Entry[models.LogEntry]) map[int64]int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.Durable {
			ids = append(ids, e.Value.CounterID)
		}
	}
	aliases, err := resolveCounterAliases(ctx, s.cache, ids)
	if err != nil {
		s.logger.Warn("resolve counter aliases", zap.Int("ids", len(ids)), zap.Error(err))
		return nil
	}
	return aliases
}

// resolveCounterAliases looks up the distinct temporary (negative) ids among ids.
// Durable ids are never looked up.
func resolveCounterAliases(ctx context.Context, c *cache.Store, ids []int64) (map[int64]int64, error) {
	seen := make(map[int64]struct{})
	var temp []int64
	for _, id := range ids {
		if id >= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		temp = append(temp, id)
	}
	if len(temp) == 0 {
		return nil, nil
	}
	return c.CounterAliases(ctx, temp)
}
