// WHAT: metric buffering and flush, labeled queries, heartbeat liveness and
// retention cleanup.
// WHY: these tables are the only monitoring the deployment has; a metric
// silently dropped on flush is an outage nobody sees.
package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestMetricsRecordAndQuery(t *testing.T) {
	db := setupDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordSimple(MetricTurnDurationMs, 220, "milliseconds")
	mm.Record(&Metric{
		Name:      MetricCacheHitCount,
		Timestamp: time.Now(),
		Value:     1,
		Labels:    map[string]string{"tier": "hot"},
		Unit:      "count",
	})
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := mm.Query(MetricCacheHitCount, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("metrics = %d, want 1", len(got))
	}
	if got[0].Labels["tier"] != "hot" {
		t.Errorf("labels = %v", got[0].Labels)
	}

	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all metrics = %d, want 2", len(all))
	}
}

func TestMetricsBufferOverflowFlushes(t *testing.T) {
	db := setupDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)

	mm.RecordSimple(MetricLLMCallCount, 1, "count")
	mm.RecordSimple(MetricLLMCallCount, 1, "count")

	// The second record crossed bufferSize and flushed synchronously.
	got, err := mm.Query(MetricLLMCallCount, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("flushed metrics = %d, want 2", len(got))
	}
	mm.Close()
}

func TestMetricsCleanup(t *testing.T) {
	db := setupDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	old := time.Now().AddDate(0, 0, -40).Unix()
	if _, err := db.Exec(
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, unit) VALUES (?, ?, 1, 'count')`,
		MetricLLMCallCount, old,
	); err != nil {
		t.Fatal(err)
	}

	n, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}
}

func TestHeartbeatWriteAndLatest(t *testing.T) {
	db := setupDB(t)
	hw := NewHeartbeatWriter(db, "chat-server", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "chat-server", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive {
		t.Fatalf("status = %+v, want alive", hs)
	}
	if hs.GoroutinesCount <= 0 {
		t.Errorf("goroutines = %d", hs.GoroutinesCount)
	}

	// Unknown worker has no heartbeat.
	none, err := LatestHeartbeat(context.Background(), db, "nobody", time.Minute)
	if err != nil || none != nil {
		t.Errorf("unknown worker = %+v, %v", none, err)
	}
}

func TestHeartbeatStale(t *testing.T) {
	db := setupDB(t)
	stale := time.Now().Add(-10 * time.Minute).Unix()
	if _, err := db.Exec(`
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('ingest-worker', 'host', 1, ?, 5, 1.0, 2.0, 3)`, stale); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "ingest-worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || hs.Alive {
		t.Fatalf("status = %+v, want stale", hs)
	}
}
