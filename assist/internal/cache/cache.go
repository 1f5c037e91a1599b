// Package cache holds the three response/query caches: the hot response
// cache (full rendered answer), the structured query cache (product-id
// lists), and the semantic cache (vector-similarity lookup backed by the
// store). Agentic-path turns bypass all of them; tool-executed answers
// reflect live state and must not be reused.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HotEntry is one cached fully-rendered response.
type HotEntry struct {
	Payload  string
	Language string
	Currency string
}

// Hot is the full-response cache. A hit bypasses all retrieval and LLM
// calls. Bounded LRU, oldest evicted on overflow, absolute per-entry TTL.
type Hot struct {
	lru *expirable.LRU[string, HotEntry]
}

// NewHot builds the hot response cache.
func NewHot(size int, ttl time.Duration) *Hot {
	return &Hot{lru: expirable.NewLRU[string, HotEntry](size, nil, ttl)}
}

// Get returns the cached response for a fingerprint.
func (h *Hot) Get(key string) (HotEntry, bool) {
	return h.lru.Get(key)
}

// Set stores a rendered response under a fingerprint.
func (h *Hot) Set(key string, e HotEntry) {
	h.lru.Add(key, e)
}

// Len reports the live entry count.
func (h *Hot) Len() int { return h.lru.Len() }

// Purge drops every entry (catalog imports, prompt changes).
func (h *Hot) Purge() { h.lru.Purge() }

// StructuredEntry is one cached structured-search result: the ranked
// product-id list plus the path that served it.
type StructuredEntry struct {
	ProductIDs []string
	Path       string
}

// Structured is the structured-query cache, cheapest to invalidate.
type Structured struct {
	lru *expirable.LRU[string, StructuredEntry]
}

// NewStructured builds the structured query cache.
func NewStructured(size int, ttl time.Duration) *Structured {
	return &Structured{lru: expirable.NewLRU[string, StructuredEntry](size, nil, ttl)}
}

// Get returns the cached id list for a normalized filter key.
func (s *Structured) Get(key string) (StructuredEntry, bool) {
	return s.lru.Get(key)
}

// Set stores a structured result.
func (s *Structured) Set(key string, e StructuredEntry) {
	s.lru.Add(key, e)
}

// Purge drops every entry (catalog imports).
func (s *Structured) Purge() { s.lru.Purge() }

// Labels caches localized label sets keyed by (language, label-set hash) so
// repeat turns in the same language skip the localization call.
type Labels struct {
	lru *expirable.LRU[string, map[string]string]
}

// NewLabels builds the label cache.
func NewLabels(size int, ttl time.Duration) *Labels {
	if size <= 0 {
		size = 128
	}
	return &Labels{lru: expirable.NewLRU[string, map[string]string](size, nil, ttl)}
}

// Get returns a cached localized label map.
func (l *Labels) Get(key string) (map[string]string, bool) {
	return l.lru.Get(key)
}

// Set stores a localized label map.
func (l *Labels) Set(key string, labels map[string]string) {
	l.lru.Add(key, labels)
}
