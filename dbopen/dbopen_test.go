package dbopen

import (
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpen_AppliesSchema(t *testing.T) {
	// WHAT: WithSchema executes DDL before Open returns.
	// WHY: Callers rely on tables existing immediately after Open.
	db := OpenMemory(t, WithSchema(`CREATE TABLE things (id TEXT PRIMARY KEY)`))

	if _, err := db.Exec(`INSERT INTO things (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestOpen_MkdirAll(t *testing.T) {
	// WHAT: WithMkdirAll creates missing parent directories.
	// WHY: First boot on a fresh host has no data directory yet.
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestOpen_ForeignKeysOn(t *testing.T) {
	// WHAT: foreign_keys pragma is enabled on open.
	// WHY: The fetch log references site cursors; dangling rows must be rejected.
	db := OpenMemory(t)

	var on int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&on); err != nil {
		t.Fatalf("pragma query: %v", err)
	}
	if on != 1 {
		t.Errorf("foreign_keys: got %d, want 1", on)
	}
}
