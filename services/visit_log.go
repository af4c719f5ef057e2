package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
)

// DefaultLogTTL is how long a visit log entry stays cached, flushed or not.
const DefaultLogTTL = 10 * time.Minute

// LogService appends visit logs to the cache and serves reads from both tiers.
type LogService struct {
	cache  *cache.Store
	store  repository.LogStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewLogService(c *cache.Store, store repository.LogStore, ttl time.Duration, logger *zap.Logger) *LogService {
	if ttl <= 0 {
		ttl = DefaultLogTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogService{cache: c, store: store, ttl: ttl, logger: logger}
}

// TTL reports the cache lifetime of log entries.
func (s *LogService) TTL() time.Duration { return s.ttl }

// Append caches e under a temporary id and returns the stored copy. The entry is lost if
// its TTL elapses before a flush picks it up.
func (s *LogService) Append(ctx context.Context, e *models.LogEntry) (*models.LogEntry, error) {
	entry := *e
	if entry.ID == 0 {
		id, err := s.cache.Next(ctx, cache.LogSeqKey)
		if err != nil {
			return nil, err
		}
		entry.ID = id
	}
	if entry.CreateTime.IsZero() {
		entry.CreateTime = time.Now()
	}
	if err := cache.Put(ctx, s.cache, cache.KindLogEntry, cache.LogKey(entry.ID), entry, false, s.ttl); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns the entry with the given id. Database hits are cached again as durable.
func (s *LogService) Get(ctx context.Context, id int64) (*models.LogEntry, error) {
	key := cache.LogKey(id)
	e, err := cache.Get[models.LogEntry](ctx, s.cache, cache.KindLogEntry, key)
	switch {
	case err == nil:
		return &e.Value, nil
	case errors.Is(err, cache.ErrCorrupt):
		s.logger.Warn("corrupt log entry in cache", zap.String("key", key), zap.Error(err))
	case !errors.Is(err, cache.ErrMiss):
		return nil, err
	}

	row, err := s.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := cache.Put(ctx, s.cache, cache.KindLogEntry, key, *row, true, s.ttl); err != nil {
		s.logger.Warn("populate log cache failed", zap.Int64("id", id), zap.Error(err))
	}
	return row, nil
}

// List returns unflushed cached entries, newest first, followed by every database row.
func (s *LogService) List(ctx context.Context) ([]models.LogEntry, error) {
	pending, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return append(pending, rows...), nil
}

// Page pages through flushed entries only.
func (s *LogService) Page(ctx context.Context, f repository.LogFilter) ([]models.LogEntry, int64, error) {
	return s.store.Page(ctx, f)
}

// Delete removes the entry from the database and the cache.
func (s *LogService) Delete(ctx context.Context, id int64) error {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	evicted, err := s.cache.Delete(ctx, cache.LogKey(id))
	if err != nil {
		return err
	}
	if !removed && evicted == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBetween counts visits in [from, to) across the database and unflushed cache entries.
func (s *LogService) CountBetween(ctx context.Context, from, to time.Time) (int64, error) {
	n, err := s.store.CountBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	pending, err := s.pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range pending {
		if !e.CreateTime.Before(from) && e.CreateTime.Before(to) {
			n++
		}
	}
	return n, nil
}

// Recent returns the newest limit visits from both tiers.
func (s *LogService) Recent(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	pending, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := append(pending, rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Warm moves the log id sequence past the highest database id so temporary ids do not
// collide with flushed ones.
func (s *LogService) Warm(ctx context.Context) error {
	maxID, err := s.store.MaxID(ctx)
	if err != nil {
		return err
	}
	return s.cache.RaiseFloor(ctx, cache.LogSeqKey, maxID)
}

// pending returns cached entries not yet written to the database, newest first. Counter ids
// of counters flushed in the meantime are reported as their database ids.
func (s *LogService) pending(ctx context.Context) ([]models.LogEntry, error) {
	keys, err := s.cache.Keys(ctx, cache.LogPrefix)
	if err != nil {
		return nil, err
	}
	entries, err := cache.MultiGet[models.LogEntry](ctx, s.cache, cache.KindLogEntry, keys)
	if err != nil {
		return nil, err
	}
	out := make([]models.LogEntry, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.Durable {
			out = append(out, e.Value)
			ids = append(ids, e.Value.CounterID)
		}
	}
	aliases, err := resolveCounterAliases(ctx, s.cache, ids)
	if err != nil {
		s.logger.Warn("resolve counter aliases", zap.Error(err))
	}
	for i := range out {
		if id, ok := aliases[out[i].CounterID]; ok {
			out[i].CounterID = id
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	return out, nil
}
