// WHAT: SQLite store behavior for catalog lookups, EAV filtering, vector
// nearest-neighbour scans, conversation reuse and the semantic cache.
// WHY: every retrieval path above the store depends on these exact
// semantics (order preservation, NOCASE matching, reuse windows).
package store

import (
	"context"
	"testing"
	"time"

	"github.com/gemdesk/gemdesk/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	n := 0
	s, err := New(db, WithIDGenerator(func() string {
		n++
		return "id" + string(rune('a'+n))
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, id, sku, master, name string, inStock bool) {
	t.Helper()
	p := &Product{
		ID: id, SKU: sku, MasterCode: master, Name: name,
		PriceCents: 1999, Currency: "USD", InStock: inStock, Active: true,
	}
	if err := s.UpsertProduct(context.Background(), p); err != nil {
		t.Fatalf("UpsertProduct %s: %v", sku, err)
	}
}

func TestFindProductBySKU(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "RING-001", "RING", "Gold Ring", true)

	p, err := s.FindProductBySKU(ctx, "ring-001")
	if err != nil {
		t.Fatalf("FindProductBySKU: %v", err)
	}
	if p == nil || p.ID != "p1" {
		t.Fatalf("expected p1, got %+v", p)
	}

	p, err = s.FindProductBySKU(ctx, "NOPE-999")
	if err != nil {
		t.Fatalf("FindProductBySKU miss: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for absent SKU, got %+v", p)
	}
}

func TestFindProductFamily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "RING-001-S", "RING-001", "Gold Ring S", true)
	seedProduct(t, s, "p2", "RING-001-M", "RING-001", "Gold Ring M", false)
	seedProduct(t, s, "p3", "NECK-002", "NECK-002", "Silver Necklace", true)

	fam, err := s.FindProductFamily(ctx, "ring-001")
	if err != nil {
		t.Fatalf("FindProductFamily: %v", err)
	}
	if len(fam) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(fam))
	}
	if fam[0].SKU != "RING-001-M" || fam[1].SKU != "RING-001-S" {
		t.Fatalf("unexpected variant order: %s, %s", fam[0].SKU, fam[1].SKU)
	}
}

func TestProductsByIDsPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "A-1", "", "A", true)
	seedProduct(t, s, "p2", "B-2", "", "B", true)
	seedProduct(t, s, "p3", "C-3", "", "C", true)

	got, err := s.ProductsByIDs(ctx, []string{"p3", "missing", "p1"})
	if err != nil {
		t.Fatalf("ProductsByIDs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p3" || got[1].ID != "p1" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestVectorNearestProducts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "A-1", "", "A", true)
	seedProduct(t, s, "p2", "B-2", "", "B", true)
	seedProduct(t, s, "p3", "C-3", "", "C", true)

	vecs := map[string][]float32{
		"p1": {1, 0, 0},
		"p2": {0.9, 0.1, 0},
		"p3": {0, 1, 0},
	}
	for id, v := range vecs {
		if err := s.UpsertProductEmbedding(ctx, id, v); err != nil {
			t.Fatalf("UpsertProductEmbedding %s: %v", id, err)
		}
	}

	got, err := s.VectorNearestProducts(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("VectorNearestProducts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Product.ID != "p1" || got[1].Product.ID != "p2" {
		t.Fatalf("unexpected ranking: %s, %s", got[0].Product.ID, got[1].Product.ID)
	}
	if got[0].Distance > 1e-6 {
		t.Fatalf("identical vector should have near-zero distance, got %f", got[0].Distance)
	}
}

func TestAttributeFilterPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "R-1", "", "Gold Ring", true)
	seedProduct(t, s, "p2", "R-2", "", "Silver Ring", true)

	if err := s.UpsertAttributes(ctx, "p1", map[string]string{"metal": "gold", "type": "ring"}); err != nil {
		t.Fatalf("UpsertAttributes p1: %v", err)
	}
	if err := s.UpsertAttributes(ctx, "p2", map[string]string{"metal": "silver", "type": "ring"}); err != nil {
		t.Fatalf("UpsertAttributes p2: %v", err)
	}

	filters := map[string]string{"metal": "gold", "type": "ring"}

	ids, err := s.FilterByAttributesProjection(ctx, filters, 10)
	if err != nil {
		t.Fatalf("projection filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("projection path: expected [p1], got %v", ids)
	}

	ids, err = s.FilterByAttributesEAV(ctx, filters, 10)
	if err != nil {
		t.Fatalf("eav filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("eav path: expected [p1], got %v", ids)
	}

	ids, err = s.FilterBySearchBlob(ctx, []string{"gold", "ring"}, 10)
	if err != nil {
		t.Fatalf("blob filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("blob path: expected [p1], got %v", ids)
	}
}

func TestAttributeLookupBulk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p1", "R-1", "", "Ring", true)
	seedProduct(t, s, "p2", "R-2", "", "Ring", true)
	if err := s.UpsertAttributes(ctx, "p1", map[string]string{"metal": "gold"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAttributes(ctx, "p2", map[string]string{"metal": "silver"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.AttributeLookup(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("AttributeLookup: %v", err)
	}
	if got["p1"]["metal"] != "gold" || got["p2"]["metal"] != "silver" {
		t.Fatalf("unexpected lookup result: %v", got)
	}
}

func TestVectorNearestChunksTagFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{ID: "c1", Title: "Shipping", Content: "We ship worldwide.", Category: "policy", Tags: "shipping,policy"},
		{ID: "c2", Title: "Returns", Content: "Returns within 30 days.", Category: "policy", Tags: "returns,policy"},
	}
	for i, c := range chunks {
		if err := s.UpsertChunk(ctx, &chunks[i]); err != nil {
			t.Fatalf("UpsertChunk: %v", err)
		}
		vec := []float32{float32(i), 1 - float32(i), 0}
		if err := s.UpsertChunkEmbedding(ctx, c.ID, vec); err != nil {
			t.Fatalf("UpsertChunkEmbedding: %v", err)
		}
	}

	got, err := s.VectorNearestChunks(ctx, []float32{0, 1, 0}, 5, "returns")
	if err != nil {
		t.Fatalf("VectorNearestChunks: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "c2" {
		t.Fatalf("tag filter: expected [c2], got %+v", got)
	}

	got, err = s.VectorNearestChunks(ctx, []float32{0, 1, 0}, 5, "")
	if err != nil {
		t.Fatalf("VectorNearestChunks no tag: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 nearest to (0,1,0), got %+v", got)
	}
}

func TestActiveConversationReuseWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, err := s.ActiveConversation(ctx, "u1", 30*time.Minute, 12*time.Hour)
	if err != nil {
		t.Fatalf("ActiveConversation: %v", err)
	}

	c2, err := s.ActiveConversation(ctx, "u1", 30*time.Minute, 12*time.Hour)
	if err != nil {
		t.Fatalf("ActiveConversation reuse: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected reuse of %s, got %s", c1.ID, c2.ID)
	}

	// Simulate staleness past the idle window.
	old := time.Now().Add(-time.Hour).Unix()
	if _, err := s.DB.ExecContext(ctx, `UPDATE conversations SET last_message_at = ? WHERE id = ?`, old, c1.ID); err != nil {
		t.Fatal(err)
	}
	c3, err := s.ActiveConversation(ctx, "u1", 30*time.Minute, 12*time.Hour)
	if err != nil {
		t.Fatalf("ActiveConversation after idle: %v", err)
	}
	if c3.ID == c1.ID {
		t.Fatal("expected a fresh conversation after idle window")
	}
}

func TestAppendAndRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.ActiveConversation(ctx, "u1", 30*time.Minute, 12*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	turns := []Message{
		{ConversationID: c.ID, Role: "user", Content: "hello", CreatedAt: time.Now().Add(-3 * time.Second)},
		{ConversationID: c.ID, Role: "assistant", Content: "hi there", CreatedAt: time.Now().Add(-2 * time.Second)},
		{ConversationID: c.ID, Role: "user", Content: "show rings", CreatedAt: time.Now().Add(-1 * time.Second)},
	}
	for i := range turns {
		if err := s.AppendMessage(ctx, &turns[i]); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "hi there" || got[1].Content != "show rings" {
		t.Fatalf("expected chronological tail, got %q then %q", got[0].Content, got[1].Content)
	}
}

func TestSemanticCacheLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := &SemanticEntry{
		Vector: []float32{1, 0}, Payload: `{"reply":"yes"}`,
		Language: "en", Currency: "USD",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	expired := &SemanticEntry{
		Vector: []float32{0, 1}, Payload: `{"reply":"old"}`,
		Language: "en", Currency: "USD",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	otherLang := &SemanticEntry{
		Vector: []float32{1, 0}, Payload: `{"reply":"oui"}`,
		Language: "fr", Currency: "EUR",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, e := range []*SemanticEntry{live, expired, otherLang} {
		if err := s.InsertSemanticEntry(ctx, e); err != nil {
			t.Fatalf("InsertSemanticEntry: %v", err)
		}
	}

	got, err := s.ListSemanticEntries(ctx, "en", "USD")
	if err != nil {
		t.Fatalf("ListSemanticEntries: %v", err)
	}
	if len(got) != 1 || got[0].Payload != `{"reply":"yes"}` {
		t.Fatalf("expected only the live en/USD row, got %+v", got)
	}

	n, err := s.PurgeExpiredSemanticEntries(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredSemanticEntries: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}
