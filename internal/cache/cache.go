// Package cache implements the read-through/write-through lookup used by
// enrichment stages in front of external providers.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/store"
)

// ErrStoreUnavailable is reported when the backing store probe fails. The
// session then bypasses caching for the rest of the stage invocation.
var ErrStoreUnavailable = eris.New("cache: backing store unavailable")

// Options configures a cache table.
type Options[T any] struct {
	// StalenessDays is the entry age that counts as a miss. Non-positive
	// selects model.DefaultStalenessDays.
	StalenessDays int
	// Retry wraps every provider fetch.
	Retry resilience.RetryConfig
	// Breaker optionally short-circuits a provider that keeps failing.
	Breaker *resilience.Breaker
	// Placeholder builds the value returned for skipped or failed lookups
	// so downstream fields stay well-formed. Nil returns the zero value.
	Placeholder func(key string) T
	// Now is swapped in tests.
	Now func() time.Time
}

// Table is a typed view over one namespace of the enrichment cache.
type Table[T any] struct {
	store     store.CacheStore
	namespace string
	opts      Options[T]
	threshold time.Duration
}

// New creates a Table for namespace. A nil store disables caching.
func New[T any](st store.CacheStore, namespace string, opts Options[T]) *Table[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(namespace, "fetch")
	}
	return &Table[T]{
		store:     st,
		namespace: namespace,
		opts:      opts,
		threshold: model.StalenessThreshold(opts.StalenessDays),
	}
}

// Namespace returns the table's namespace.
func (t *Table[T]) Namespace() string { return t.namespace }

// Stats counts lookup outcomes for one session.
type Stats struct {
	Hits     int `json:"hits"`
	Misses   int `json:"misses"`
	Stale    int `json:"stale"`
	Fetches  int `json:"fetches"`
	Errors   int `json:"errors"`
	Skips    int `json:"skips"`
	Bypassed int `json:"bypassed"`
}

// Apply adds the session counters to stage analytics.
func (s Stats) Apply(a *model.StageAnalytics) {
	a.CacheHits += s.Hits
	a.CacheMisses += s.Misses
	a.APICalls += s.Fetches
	a.Errors += s.Errors
	a.Skipped += s.Skips
}

// Session is one stage invocation's use of a table. It is safe for
// concurrent lookups from batch workers.
type Session[T any] struct {
	table  *Table[T]
	bypass bool
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// Begin probes the backing store once. If the probe fails the session
// bypasses the store and the failure is logged here, once.
func (t *Table[T]) Begin(ctx context.Context) *Session[T] {
	s := &Session[T]{
		table: t,
		log:   zap.L().With(zap.String("namespace", t.namespace)),
	}
	if t.store == nil {
		s.bypass = true
		return s
	}
	if err := t.store.Ping(ctx); err != nil {
		s.bypass = true
		s.log.Warn("cache bypassed for this stage",
			zap.Error(eris.Wrap(ErrStoreUnavailable, err.Error())),
		)
	}
	return s
}

// Bypassed reports whether the store was unavailable at Begin.
func (s *Session[T]) Bypassed() bool { return s.bypass }

// Stats returns a snapshot of the session counters.
func (s *Session[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Lookup resolves key through the cache, falling back to fetch on a miss.
//
// An empty key, or a fetch that reports resilience.ErrValidation, is a
// validation skip: no retry, placeholder value. A fetch that still fails
// after retries yields the placeholder with source=error. Neither case is
// returned as an error; the record carries degraded data forward.
func (s *Session[T]) Lookup(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, model.SourceMarker) {
	t := s.table

	if key == "" {
		s.count(func(st *Stats) { st.Skips++ })
		return t.placeholder(key), model.SourceMarker{Source: model.SourcePlaceholder, Error: "missing natural key"}
	}

	if !s.bypass {
		if val, ok := s.read(ctx, key); ok {
			s.count(func(st *Stats) { st.Hits++ })
			return val, model.SourceMarker{Source: model.SourceCache}
		}
	} else {
		s.count(func(st *Stats) { st.Bypassed++ })
	}
	s.count(func(st *Stats) { st.Misses++ })

	val, err := resilience.DoVal(ctx, t.opts.Retry, func(ctx context.Context) (T, error) {
		s.count(func(st *Stats) { st.Fetches++ })
		return resilience.Call(ctx, t.opts.Breaker, fetch)
	})
	if err != nil {
		if resilience.IsValidation(err) {
			s.count(func(st *Stats) { st.Skips++ })
			return t.placeholder(key), model.SourceMarker{Source: model.SourcePlaceholder, Error: err.Error()}
		}
		s.count(func(st *Stats) { st.Errors++ })
		s.log.Warn("provider fetch failed", zap.String("key", key), zap.Error(err))
		return t.placeholder(key), model.SourceMarker{Source: model.SourceError, Error: err.Error()}
	}

	if !s.bypass {
		s.write(ctx, key, val)
	}
	return val, model.SourceMarker{Source: model.SourceProvider}
}

// read returns a decoded fresh, non-empty entry. Store and decode failures
// are logged and treated as misses.
func (s *Session[T]) read(ctx context.Context, key string) (T, bool) {
	var zero T
	t := s.table

	entry, err := t.store.GetEntry(ctx, t.namespace, key)
	if err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if entry == nil || entry.Empty() {
		return zero, false
	}
	if entry.IsStale(t.opts.Now(), t.threshold) {
		s.count(func(st *Stats) { st.Stale++ })
		return zero, false
	}

	var val T
	if err := json.Unmarshal(entry.Payload, &val); err != nil {
		s.log.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return val, true
}

func (s *Session[T]) write(ctx context.Context, key string, val T) {
	t := s.table
	payload, err := json.Marshal(val)
	if err != nil {
		s.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if (&model.CacheEntry{Payload: payload}).Empty() {
		return
	}
	if err := t.store.UpsertEntry(ctx, t.namespace, key, payload); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Session[T]) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (t *Table[T]) placeholder(key string) T {
	if t.opts.Placeholder != nil {
		return t.opts.Placeholder(key)
	}
	var zero T
	return zero
}
