package model

import "time"

// DefaultStalenessDays is the age after which a cache entry is treated as a miss.
const DefaultStalenessDays = 90

// CacheEntry is a row in the enrichment cache, keyed by namespace and natural key.
type CacheEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastWrite returns the later of UpdatedAt and CreatedAt.
func (e *CacheEntry) LastWrite() time.Time {
	if e.UpdatedAt.After(e.CreatedAt) {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// IsStale reports whether the entry is at least threshold old at now.
// An age exactly equal to the threshold is stale.
func (e *CacheEntry) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.LastWrite()) >= threshold
}

// Empty reports whether the payload carries no data.
func (e *CacheEntry) Empty() bool {
	switch string(e.Payload) {
	case "", "null", "{}", "[]", `""`:
		return true
	default:
		return false
	}
}

// StalenessThreshold converts a day count to a duration, falling back to
// DefaultStalenessDays for non-positive values.
func StalenessThreshold(days int) time.Duration {
	if days <= 0 {
		days = DefaultStalenessDays
	}
	return time.Duration(days) * 24 * time.Hour
}
