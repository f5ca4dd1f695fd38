package statedb

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), FileName)
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", FileName)

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.RegisterDaemon("127.0.0.1:8765", "v1", false); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	db1.Close()

	// Reopen and verify
	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rows, err := db2.Daemons()
	if err != nil {
		t.Fatalf("Daemons: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 daemon, got %d", len(rows))
	}
	if rows[0].Addr != "127.0.0.1:8765" || rows[0].Version != "v1" {
		t.Errorf("Unexpected row: %+v", rows[0])
	}

	version, _ := db2.GetMeta("schema_version")
	if version != "1" {
		t.Errorf("Expected schema_version 1, got %q", version)
	}
}

func TestRegisterAndCurrent(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.Current(DefaultStaleAfter); !errors.Is(err, ErrNoDaemon) {
		t.Fatalf("Expected ErrNoDaemon before register, got %v", err)
	}

	if err := db.RegisterDaemon("127.0.0.1:9000", "dev", false); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	cur, err := db.Current(DefaultStaleAfter)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.PID != db.PID() {
		t.Errorf("Expected pid %d, got %d", db.PID(), cur.PID)
	}
	if cur.Stdio {
		t.Error("Expected http daemon, got stdio")
	}
	if cur.Started.IsZero() {
		t.Error("Expected started timestamp")
	}
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)

	if err := db.Heartbeat(); err == nil {
		t.Fatal("Expected heartbeat to fail before register")
	}

	if err := db.RegisterDaemon("127.0.0.1:4", "dev", false); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	// Backdate, then heartbeat must refresh it.
	old := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := db.DB().Exec("UPDATE daemons SET heartbeat = ? WHERE pid = ?", old, db.PID()); err != nil {
		t.Fatalf("Backdate: %v", err)
	}
	if _, err := db.Current(DefaultStaleAfter); !errors.Is(err, ErrNoDaemon) {
		t.Fatalf("Expected stale daemon to be ignored, got %v", err)
	}

	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	cur, err := db.Current(DefaultStaleAfter)
	if err != nil {
		t.Fatalf("Current after heartbeat: %v", err)
	}
	if cur.Addr != "127.0.0.1:4" {
		t.Errorf("Unexpected addr %q", cur.Addr)
	}

	if err := db.UnregisterDaemon(); err != nil {
		t.Fatalf("UnregisterDaemon: %v", err)
	}
	rows, _ := db.Daemons()
	if len(rows) != 0 {
		t.Errorf("Expected 0 daemons after unregister, got %d", len(rows))
	}
}

func TestCurrentSkipsStdio(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterDaemon("", "dev", true); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	if _, err := db.Current(DefaultStaleAfter); !errors.Is(err, ErrNoDaemon) {
		t.Fatalf("Expected stdio daemon to be skipped, got %v", err)
	}

	rows, err := db.Daemons()
	if err != nil {
		t.Fatalf("Daemons: %v", err)
	}
	if len(rows) != 1 || !rows[0].Stdio {
		t.Fatalf("Expected one stdio row, got %+v", rows)
	}
}

func TestCleanDeadDaemons(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	_, err := db.DB().Exec(
		"INSERT INTO daemons (pid, addr, started, heartbeat) VALUES (?, ?, ?, ?)",
		99999, "127.0.0.1:1", stale, stale,
	)
	if err != nil {
		t.Fatalf("Insert stale: %v", err)
	}

	if err := db.RegisterDaemon("127.0.0.1:2", "dev", false); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	removed, err := db.CleanDeadDaemons(30 * time.Second)
	if err != nil {
		t.Fatalf("CleanDeadDaemons: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	rows, _ := db.Daemons()
	if len(rows) != 1 || rows[0].PID != db.PID() {
		t.Errorf("Expected only our daemon to remain, got %+v", rows)
	}
}

func TestCurrentPrefersFreshest(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	insert := func(pid int, addr string, hb time.Time) {
		t.Helper()
		if _, err := db.DB().Exec(
			"INSERT INTO daemons (pid, addr, started, heartbeat) VALUES (?, ?, ?, ?)",
			pid, addr, hb.UnixMilli(), hb.UnixMilli(),
		); err != nil {
			t.Fatalf("Insert %d: %v", pid, err)
		}
	}
	insert(100, "older", now.Add(-5*time.Second))
	insert(200, "newer", now.Add(-time.Second))

	cur, err := db.Current(DefaultStaleAfter)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Addr != "newer" {
		t.Errorf("Expected freshest daemon, got %q", cur.Addr)
	}

	if err := db.RemoveDaemon(200); err != nil {
		t.Fatalf("RemoveDaemon: %v", err)
	}
	cur, _ = db.Current(DefaultStaleAfter)
	if cur.Addr != "older" {
		t.Errorf("Expected fallback to older daemon, got %q", cur.Addr)
	}
}

func TestConcurrentHeartbeats(t *testing.T) {
	db := newTestDB(t)
	if err := db.RegisterDaemon("127.0.0.1:3", "dev", false); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := db.Heartbeat(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent heartbeat: %v", err)
	}
}

func TestMetadata(t *testing.T) {
	db := newTestDB(t)

	// Missing key returns empty
	val, err := db.GetMeta("nonexistent")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty, got %q", val)
	}

	if err := db.SetMeta("test_key", "test_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "test_value" {
		t.Errorf("Expected 'test_value', got %q", val)
	}

	// Overwrite
	if err := db.SetMeta("test_key", "new_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "new_value" {
		t.Errorf("Expected 'new_value', got %q", val)
	}
}
