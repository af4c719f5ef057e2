package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
)

// missRetries bounds how often a read re-populates the cache after the entry vanished
// between two steps (eviction, concurrent delete).
const missRetries = 1

// CounterPatch carries the mutable fields of a Counter; nil fields are left unchanged.
type CounterPatch struct {
	// Target may only repeat the current target; counters cannot be renamed.
	Target      *string
	Count       *int64
	Description *string
	Status      *models.Status
}

// CounterService is the cache-aside accessor for counters. Writes land in the cache only;
// the Scheduler moves them to the database later. Deletion is the exception and acts on both.
type CounterService struct {
	cache  *cache.Store
	store  repository.CounterStore
	logs   *LogService
	ttl    time.Duration
	logger *zap.Logger
}

// NewCounterService creates the service. ttl <= 0 keeps counters resident without expiry.
func NewCounterService(c *cache.Store, store repository.CounterStore, logs *LogService, ttl time.Duration, logger *zap.Logger) *CounterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterService{cache: c, store: store, logs: logs, ttl: ttl, logger: logger}
}

// Increment adds one visit to target and records a visit log for ip. Unknown and disabled
// targets both yield ErrNotFound and leave the count untouched.
func (s *CounterService) Increment(ctx context.Context, target, ip string) (int64, error) {
	if target == "" {
		return 0, ErrNotFound
	}
	key := cache.CounterKey(target)
	for attempt := 0; attempt <= missRetries; attempt++ {
		cur, err := s.load(ctx, target)
		if err != nil {
			return 0, err
		}
		if !cur.Active() {
			return 0, ErrNotFound
		}

		updated, err := cache.Update(ctx, s.cache, cache.KindCounter, key, s.ttl, func(c *models.Counter) error {
			if !c.Active() {
				return ErrNotFound
			}
			c.Count++
			c.UpdatedAt = time.Now()
			return nil
		})
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return 0, err
		}

		incrementsTotal.Inc()
		s.recordVisit(ctx, &updated, ip)
		return updated.Count, nil
	}
	return 0, fmt.Errorf("increment %q: %w", target, errCacheContention)
}

func (s *CounterService) recordVisit(ctx context.Context, c *models.Counter, ip string) {
	if s.logs == nil {
		return
	}
	entry := &models.LogEntry{CounterID: c.ID, IPAddress: ip, CreateTime: time.Now()}
	if _, err := s.logs.Append(ctx, entry); err != nil {
		// The increment already happened; a lost log line is not worth failing the visit.
		s.logger.Warn("visit log append failed", zap.String("target", c.Target), zap.Error(err))
	}
}

// Get returns the counter for target.
func (s *CounterService) Get(ctx context.Context, target string) (*models.Counter, error) {
	if target == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, target)
}

// load reads target through the cache, falling back to the database and populating the
// cache on a miss. A corrupt cache value is replaced by the database row.
func (s *CounterService) load(ctx context.Context, target string) (*models.Counter, error) {
	key := cache.CounterKey(target)
	for attempt := 0; attempt <= missRetries; attempt++ {
		e, err := cache.Get[models.Counter](ctx, s.cache, cache.KindCounter, key)
		if err == nil {
			return &e.Value, nil
		}
		corrupt := errors.Is(err, cache.ErrCorrupt)
		if corrupt {
			s.logger.Warn("corrupt counter in cache, reloading from database", zap.String("key", key), zap.Error(err))
		} else if !errors.Is(err, cache.ErrMiss) {
			return nil, err
		}

		row, err := s.store.FindByTarget(ctx, target)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		if corrupt {
			if err := cache.Put(ctx, s.cache, cache.KindCounter, key, *row, false, s.ttl); err != nil {
				return nil, err
			}
			return row, nil
		}
		wrote, err := cache.PutIfAbsent(ctx, s.cache, cache.KindCounter, key, *row, false, s.ttl)
		if err != nil {
			return nil, err
		}
		if wrote {
			return row, nil
		}
		// Someone populated the key first; their value wins, read it on the next pass.
	}
	return nil, fmt.Errorf("load %q: %w", target, errCacheContention)
}

// GetByID finds a counter by id, preferring the cache over the database.
func (s *CounterService) GetByID(ctx context.Context, id int64) (*models.Counter, error) {
	cached, err := s.cachedCounters(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cached {
		if cached[i].Value.ID == id {
			return &cached[i].Value, nil
		}
	}

	row, err := s.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return row, err
}

// List returns every counter. Cached values win over database rows for the same target;
// rows missing from the cache are loaded into it.
func (s *CounterService) List(ctx context.Context) ([]models.Counter, error) {
	cached, err := s.cachedCounters(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cached))
	out := make([]models.Counter, 0, len(cached)+len(rows))
	for _, e := range cached {
		seen[e.Value.Target] = struct{}{}
		out = append(out, e.Value)
	}
	for _, row := range rows {
		if _, ok := seen[row.Target]; ok {
			continue
		}
		if _, err := cache.PutIfAbsent(ctx, s.cache, cache.KindCounter, cache.CounterKey(row.Target), row, false, s.ttl); err != nil {
			s.logger.Warn("populate counter cache failed", zap.String("target", row.Target), zap.Error(err))
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Page lists database rows matching f, with counts refreshed from the cache.
func (s *CounterService) Page(ctx context.Context, f repository.CounterFilter) ([]models.Counter, int64, error) {
	rows, total, err := s.store.Page(ctx, f)
	if err != nil || len(rows) == 0 {
		return rows, total, err
	}
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = cache.CounterKey(row.Target)
	}
	cached, err := cache.MultiGet[models.Counter](ctx, s.cache, cache.KindCounter, keys)
	if err != nil {
		s.logger.Warn("page overlay from cache failed", zap.Error(err))
		return rows, total, nil
	}
	byTarget := make(map[string]models.Counter, len(cached))
	for _, e := range cached {
		byTarget[e.Value.Target] = e.Value
	}
	for i := range rows {
		if c, ok := byTarget[rows[i].Target]; ok {
			rows[i] = c
		}
	}
	return rows, total, nil
}

// Create caches a new counter. A counter without id gets a negative temporary id from the
// counter sequence until its first flush, so it can never equal a database id. A positive
// id is taken as already durable.
func (s *CounterService) Create(ctx context.Context, c models.Counter) (*models.Counter, error) {
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalid)
	}
	if c.Count < 0 || !c.Status.Valid() {
		return nil, fmt.Errorf("%w: count must be >= 0 and status known", ErrInvalid)
	}
	if _, err := s.load(ctx, c.Target); err == nil {
		return nil, fmt.Errorf("counter %q: %w", c.Target, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	switch {
	case c.ID == 0:
		id, err := s.cache.Next(ctx, cache.CounterSeqKey)
		if err != nil {
			return nil, fmt.Errorf("allocate counter id: %w", err)
		}
		c.ID = -id
	case c.ID > 0:
		if _, err := s.GetByID(ctx, c.ID); err == nil {
			return nil, fmt.Errorf("counter id %d: %w", c.ID, ErrConflict)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now

	wrote, err := cache.PutIfAbsent(ctx, s.cache, cache.KindCounter, cache.CounterKey(c.Target), c, false, s.ttl)
	if err != nil {
		return nil, err
	}
	if !wrote {
		return nil, fmt.Errorf("counter %q: %w", c.Target, ErrConflict)
	}
	s.logger.Info("counter created", zap.String("target", c.Target), zap.Int64("id", c.ID))
	return &c, nil
}

// Update applies p to the counter with the given id. The target cannot be changed.
func (s *CounterService) Update(ctx context.Context, id int64, p CounterPatch) (*models.Counter, error) {
	if p.Count != nil && *p.Count < 0 {
		return nil, fmt.Errorf("%w: count must be >= 0", ErrInvalid)
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalid, *p.Status)
	}
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Target != nil && strings.TrimSpace(*p.Target) != cur.Target {
		return nil, fmt.Errorf("%w: target cannot be changed", ErrInvalid)
	}

	key := cache.CounterKey(cur.Target)
	for attempt := 0; attempt <= missRetries; attempt++ {
		if _, err := s.load(ctx, cur.Target); err != nil {
			return nil, err
		}
		updated, err := cache.Update(ctx, s.cache, cache.KindCounter, key, s.ttl, func(c *models.Counter) error {
			if p.Count != nil {
				c.Count = *p.Count
			}
			if p.Description != nil {
				c.Description = *p.Description
			}
			if p.Status != nil {
				c.Status = *p.Status
			}
			c.UpdatedAt = time.Now()
			return nil
		})
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("update counter %d: %w", id, errCacheContention)
}

// SetStatus enables or disables the counter with the given id.
func (s *CounterService) SetStatus(ctx context.Context, id int64, status models.Status) error {
	_, err := s.Update(ctx, id, CounterPatch{Status: &status})
	return err
}

// Delete removes the counter from the database and the cache. There is no tombstone, so
// this cannot be deferred to the Scheduler.
func (s *CounterService) Delete(ctx context.Context, id int64) error {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteByTarget(ctx, cur.Target); err != nil {
		return fmt.Errorf("delete counter %q: %w", cur.Target, err)
	}
	if _, err := s.cache.Delete(ctx, cache.CounterKey(cur.Target)); err != nil {
		return fmt.Errorf("evict counter %q: %w", cur.Target, err)
	}
	s.logger.Info("counter deleted", zap.String("target", cur.Target), zap.Int64("id", id))
	return nil
}

// Warm loads database rows that are not cached yet.
func (s *CounterService) Warm(ctx context.Context) error {
	rows, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, row := range rows {
		wrote, err := cache.PutIfAbsent(ctx, s.cache, cache.KindCounter, cache.CounterKey(row.Target), row, false, s.ttl)
		if err != nil {
			return err
		}
		if wrote {
			loaded++
		}
	}
	s.logger.Info("counter cache warmed", zap.Int("rows", len(rows)), zap.Int("loaded", loaded))
	return nil
}

func (s *CounterService) cachedCounters(ctx context.Context) ([]cache.Entry[models.Counter], error) {
	keys, err := s.cache.Keys(ctx, cache.CounterPrefix)
	if err != nil {
		return nil, err
	}
	return cache.MultiGet[models.Counter](ctx, s.cache, cache.KindCounter, keys)
}
