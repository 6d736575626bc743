package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mcdev12/quizzo/go/internal/store"
)

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"answers/ABCD/", "answers/ABCD/%"},
		{"powerups/AB_D/", `powerups/AB\_D/%`},
		{"x%y/", `x\%y/%`},
	}
	for _, tt := range tests {
		if got := likePrefix(tt.in); got != tt.want {
			t.Errorf("likePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// openTestStore connects to QUIZZO_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("QUIZZO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("QUIZZO_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DatabaseURL = dsn
	cfg.NotifyChannel = "quizzo_kv_test"
	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(ctx, s.Pool(), cfg.NotifyChannel); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		s.DeletePrefix(context.Background(), "test/")
		s.Close()
	})
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "test/room"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := s.Put(ctx, "test/room", []byte(`{"status":"lobby"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Create(ctx, "test/room", []byte(`{}`)); !errors.Is(err, store.ErrExists) {
		t.Fatalf("create over live row: %v", err)
	}
	got, err := s.List(ctx, "test/")
	if err != nil || len(got) != 1 {
		t.Fatalf("list: %v, %d entries", err, len(got))
	}
}

func TestWatchSeesPut(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := s.Watch(ctx, "test/watched")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "test/watched", []byte(`1`)); err != nil {
		t.Fatal(err)
	}
	select {
	case e, ok := <-ch:
		if !ok || e.Path != "test/watched" {
			t.Errorf("unexpected event %+v ok=%v", e, ok)
		}
	case <-ctx.Done():
		t.Fatal("no notification")
	}
}
