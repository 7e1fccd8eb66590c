package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("Open should reject an empty path")
	}
}

func TestAppendAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{SessionID: "a", Code: "x = 1", Output: "1", CreatedAt: base},
		{SessionID: "a", Code: "x + 1", Output: "2", CreatedAt: base.Add(time.Minute)},
		{SessionID: "b", Code: "boom(", Error: "SyntaxError", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	// Newest first.
	if all[0].Code != "boom(" || all[2].Code != "x = 1" {
		t.Errorf("unexpected order: %q, %q, %q", all[0].Code, all[1].Code, all[2].Code)
	}
	if all[0].ID == uuid.Nil {
		t.Error("Append should fill in a zero ID")
	}

	bySession, err := s.List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("List(a): %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("session a has %d records, want 2", len(bySession))
	}

	limited, err := s.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List(limit 1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("got %d records with limit 1", len(limited))
	}
}

func TestClear(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, session := range []string{"a", "a", "b"} {
		if err := s.Append(ctx, Record{SessionID: session, Code: "pass"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Clear(ctx, "a")
	if err != nil {
		t.Fatalf("Clear(a): %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d records, want 2", n)
	}

	n, err = s.Clear(ctx, "")
	if err != nil {
		t.Fatalf("Clear(all): %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d records, want 1", n)
	}

	rest, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("%d records remain after Clear", len(rest))
	}
}
