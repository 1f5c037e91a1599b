// WHAT: fingerprint stability, LRU+TTL behavior of the hot and structured
// caches, and the semantic cache's threshold/language/currency gating.
// WHY: a wrong cache key serves another customer's answer; a loose semantic
// hit serves a translated or mis-priced response.
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/dbopen"
	_ "modernc.org/sqlite"
)

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint(FingerprintInput{Text: "Gold   Rings", Locale: "en", Currency: "usd"})
	b := Fingerprint(FingerprintInput{Text: "gold rings", Locale: "EN", Currency: "USD"})
	if a != b {
		t.Error("case and whitespace variants should share a fingerprint")
	}

	c := Fingerprint(FingerprintInput{Text: "gold rings", Locale: "en", Currency: "USD", CatalogVersion: "v2"})
	if a == c {
		t.Error("catalog version bump must change the fingerprint")
	}

	d := Fingerprint(FingerprintInput{Text: "gold rings", Locale: "en", Currency: "EUR"})
	if a == d {
		t.Error("currency must participate in the fingerprint")
	}
}

func TestHotCacheRoundTrip(t *testing.T) {
	h := NewHot(2, time.Minute)
	h.Set("k1", HotEntry{Payload: "p1", Language: "en", Currency: "USD"})

	got, ok := h.Get("k1")
	if !ok || got.Payload != "p1" {
		t.Fatalf("expected hit with p1, got %+v ok=%v", got, ok)
	}
	if _, ok := h.Get("k2"); ok {
		t.Error("unexpected hit for unknown key")
	}

	// Overflow evicts the oldest entry.
	h.Set("k2", HotEntry{Payload: "p2"})
	h.Set("k3", HotEntry{Payload: "p3"})
	if _, ok := h.Get("k1"); ok {
		t.Error("k1 should have been evicted on overflow")
	}
}

func TestStructuredCacheIdempotence(t *testing.T) {
	s := NewStructured(8, time.Minute)
	want := StructuredEntry{ProductIDs: []string{"p3", "p1", "p2"}, Path: "projection"}
	s.Set("filters", want)

	for i := 0; i < 3; i++ {
		got, ok := s.Get("filters")
		if !ok {
			t.Fatal("expected hit")
		}
		for j := range want.ProductIDs {
			if got.ProductIDs[j] != want.ProductIDs[j] {
				t.Fatalf("ordering changed between reads: %v", got.ProductIDs)
			}
		}
	}

	s.Purge()
	if _, ok := s.Get("filters"); ok {
		t.Error("purge should drop all entries")
	}
}

func newSemantic(t *testing.T, threshold float64) *Semantic {
	t.Helper()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewSemantic(st, threshold, time.Hour, nil)
}

func TestSemanticCacheHitRequiresAllThree(t *testing.T) {
	ctx := context.Background()
	s := newSemantic(t, 0.1)

	vec := []float32{1, 0, 0}
	if err := s.Store(ctx, vec, `{"reply":"cached"}`, "en", "USD"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if payload, ok := s.Lookup(ctx, vec, "en", "USD"); !ok || payload != `{"reply":"cached"}` {
		t.Fatalf("identical vector should hit, got ok=%v payload=%q", ok, payload)
	}

	// Near-identical paraphrase still hits.
	if _, ok := s.Lookup(ctx, []float32{0.99, 0.01, 0}, "en", "USD"); !ok {
		t.Error("paraphrase within threshold should hit")
	}

	// Distance above threshold misses.
	if _, ok := s.Lookup(ctx, []float32{0, 1, 0}, "en", "USD"); ok {
		t.Error("orthogonal vector must miss")
	}

	// Language mismatch misses even at distance zero.
	if _, ok := s.Lookup(ctx, vec, "fr", "USD"); ok {
		t.Error("language mismatch must miss")
	}

	// Currency mismatch misses even at distance zero.
	if _, ok := s.Lookup(ctx, vec, "en", "EUR"); ok {
		t.Error("currency mismatch must miss")
	}
}

func TestSemanticCacheThresholdTightening(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}

	vec := []float32{1, 0}
	near := []float32{0.95, 0.3}

	loose := NewSemantic(st, 0.2, time.Hour, nil)
	if err := loose.Store(ctx, vec, "payload", "en", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, ok := loose.Lookup(ctx, near, "en", "USD"); !ok {
		t.Fatal("loose threshold should accept the near vector")
	}

	tight := NewSemantic(st, 0.001, time.Hour, nil)
	if _, ok := tight.Lookup(ctx, near, "en", "USD"); ok {
		t.Error("tightening the threshold must force a miss for the same query")
	}
}
