package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// --- UpsertMisskeyUser ---

func TestUpsertMisskeyUser(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("inserts new account", func(t *testing.T) {
		u := mustUpsertUser(t, ctx, "upsert-new", "example.social")
		if u.MisskeyID != "upsert-new" || u.Instance != "example.social" {
			t.Errorf("identity: got %q@%q", u.MisskeyID, u.Instance)
		}
		if u.ID == uuid.Nil {
			t.Error("ID: expected non-nil")
		}
	})

	t.Run("existing account keeps id and refreshes profile", func(t *testing.T) {
		first := mustUpsertUser(t, ctx, "upsert-existing", "example.social")

		name := "Renamed"
		newID, _ := uuid.NewV7()
		second, err := testStore.UpsertMisskeyUser(ctx, newID, MisskeyIdentity{
			MisskeyID: "upsert-existing",
			Instance:  "example.social",
			Username:  "renamed",
			Name:      &name,
			IsBot:     true,
		})
		if err != nil {
			t.Fatalf("UpsertMisskeyUser: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("ID: expected %v to be kept, got %v", first.ID, second.ID)
		}
		if second.Username != "renamed" || second.Name == nil || *second.Name != "Renamed" || !second.IsBot {
			t.Errorf("profile not refreshed: %+v", second)
		}
	})

	t.Run("same id on another instance is a different account", func(t *testing.T) {
		a := mustUpsertUser(t, ctx, "upsert-same", "a.example")
		b := mustUpsertUser(t, ctx, "upsert-same", "b.example")
		if a.ID == b.ID {
			t.Error("expected distinct users per instance")
		}
	})
}

// --- GetUserByID ---

func TestGetUserByID(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	u := mustUpsertUser(t, ctx, "get-by-id", "example.social")
	got, err := testStore.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.Username != u.Username {
		t.Errorf("Username: expected %q, got %q", u.Username, got.Username)
	}

	missing, _ := uuid.NewV7()
	if _, err := testStore.GetUserByID(ctx, missing); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("missing user: expected pgx.ErrNoRows, got %v", err)
	}
}

// --- Sessions ---

func TestSessions(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustUpsertUser(t, ctx, "sessions", "example.social")

	t.Run("create, fetch, delete", func(t *testing.T) {
		id, _ := uuid.NewV7()
		hash := []byte("sessions-roundtrip-token-hash-32")
		if err := testStore.CreateSession(ctx, id, u.ID, hash, []byte("csrf"), time.Now().Add(time.Hour), nil, nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		got, err := testStore.GetSessionByTokenHash(ctx, hash)
		if err != nil {
			t.Fatalf("GetSessionByTokenHash: %v", err)
		}
		if got.UserID != u.ID {
			t.Errorf("UserID: expected %v, got %v", u.ID, got.UserID)
		}
		if got.MisskeyID != "sessions" || got.Instance != "example.social" {
			t.Errorf("owner: expected sessions@example.social, got %s@%s", got.MisskeyID, got.Instance)
		}

		if err := testStore.DeleteSession(ctx, hash); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, hash); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("after delete: expected pgx.ErrNoRows, got %v", err)
		}
	})

	t.Run("expired session is not returned and is cleaned up", func(t *testing.T) {
		id, _ := uuid.NewV7()
		hash := []byte("sessions-expired-token-hash-32by")
		if err := testStore.CreateSession(ctx, id, u.ID, hash, []byte("csrf"), time.Now().Add(-48*time.Hour), nil, nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, hash); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expired: expected pgx.ErrNoRows, got %v", err)
		}

		n, err := testStore.CleanupExpiredSessions(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("CleanupExpiredSessions: %v", err)
		}
		if n < 1 {
			t.Errorf("CleanupExpiredSessions: expected at least 1 row, got %d", n)
		}
	})
}
