package catalog

import (
	"path/filepath"
	"testing"
)

func TestAvailDB(t *testing.T) {
	db, err := OpenAvailDB(filepath.Join(t.TempDir(), "avail.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if db.Has("k1") {
		t.Error("empty index should not have k1")
	}
	if err := db.MarkAvailable("k1"); err != nil {
		t.Fatal(err)
	}
	if !db.Has("k1") {
		t.Error("k1 should be available after mark")
	}
	// Re-mark is not an error (dedup path).
	if err := db.MarkAvailable("k1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.Count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if err := db.MarkMissing("k1"); err != nil {
		t.Fatal(err)
	}
	if db.Has("k1") {
		t.Error("k1 should be gone after MarkMissing")
	}
}

func TestAvailDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avail.db")
	db, err := OpenAvailDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkAvailable("persist"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := OpenAvailDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if !db2.Has("persist") {
		t.Error("index should survive reopen")
	}
}

func TestNilAvailDB(t *testing.T) {
	var db *AvailDB
	if db.Has("x") {
		t.Error("nil index has nothing")
	}
	if err := db.MarkAvailable("x"); err != nil {
		t.Error(err)
	}
	if err := db.MarkMissing("x"); err != nil {
		t.Error(err)
	}
}
