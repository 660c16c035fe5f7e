package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), srv
}

func TestSaveLookupRevoke(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	hash := HashToken("refresh-token-plaintext")
	if err := store.Save(ctx, hash, TokenData{UserID: "usr_1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := store.Lookup(ctx, hash)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if data.UserID != "usr_1" || data.DisplayName != "Alice" {
		t.Fatalf("unexpected data %+v", data)
	}

	if err := store.Revoke(ctx, hash); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}

	// Revoking again is fine.
	if err := store.Revoke(ctx, hash); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	hash := HashToken("short-lived")
	if err := store.Save(ctx, hash, TokenData{UserID: "usr_1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	srv.FastForward(2 * time.Hour)

	if _, err := store.Lookup(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}
