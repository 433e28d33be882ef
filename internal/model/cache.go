package model

import (
	"encoding/json"
	"time"
)

// CacheEntry is a stored provider response keyed by normalized request hash.
type CacheEntry struct {
	Key       string          `json:"key"`
	Provider  string          `json:"provider"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	HitCount  int64           `json:"hit_count"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheTableStats summarizes the persisted cache.
type CacheTableStats struct {
	Entries    int64            `json:"entries"`
	Live       int64            `json:"live"`
	TotalHits  int64            `json:"total_hits"`
	ByProvider map[string]int64 `json:"by_provider"`
}
