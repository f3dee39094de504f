package sqlitex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testSchema = `
CREATE TABLE schema_version (version INTEGER NOT NULL);
CREATE TABLE things (id TEXT PRIMARY KEY);
`

func TestInitSchemaCreatesAndVerifies(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := InitSchema(ctx, db, testSchema, 1); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := InitSchema(ctx, db, testSchema, 1); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
	if err := InitSchema(ctx, db, testSchema, 2); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if err := QuickCheck(ctx, db); err != nil {
		t.Fatalf("QuickCheck failed: %v", err)
	}
	_ = db.Close()
}

func TestOpenGarbageFileIsCorrupt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "garbage.db")
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	db, err := Open(path)
	if err == nil {
		err = InitSchema(ctx, db, testSchema, 1)
		_ = db.Close()
	}
	if err == nil {
		t.Fatal("expected an error opening a garbage database")
	}
	if !IsCorrupt(err) {
		t.Fatalf("expected corruption classification, got %v", err)
	}
}

func TestRetryOnBusyStopsOnOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("boom")
	err := RetryOnBusy(context.Background(), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Fatalf("expected single call returning boom, got calls=%d err=%v", calls, err)
	}
}

func TestRetryOnBusyRetries(t *testing.T) {
	calls := 0
	err := RetryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got calls=%d err=%v", calls, err)
	}
}
