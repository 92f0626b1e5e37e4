package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/pprasoon1/safe-chat/internal/moderation"
)

// newTestStore opens SAFECHAT_TEST_DATABASE_URL, migrates it and returns a
// store. Tests that call this helper are skipped when the variable is unset.
func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("SAFECHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SAFECHAT_TEST_DATABASE_URL not set")
	}
	if err := Migrate(url); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// Running it twice must be a no-op.
	if err := Migrate(url); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestMigrations_Embedded(t *testing.T) {
	for _, name := range []string{"migrations/000001_init.up.sql", "migrations/000001_init.down.sql"} {
		if _, err := fs.Stat(migrationsFS, name); err != nil {
			t.Errorf("missing embedded migration %s: %v", name, err)
		}
	}
}

func TestCreateRoom_AddsCreatorMembership(t *testing.T) {
	p := newTestStore(t)
	ctx := context.Background()
	creator := time.Now().UnixNano() % 1_000_000_000

	r, err := p.CreateRoom(ctx, "  general  ", creator)
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if r.ID == 0 || r.Name != "general" || r.CreatedBy != creator {
		t.Errorf("unexpected room %+v", r)
	}

	ids, err := p.QueryMemberships(ctx, creator)
	if err != nil {
		t.Fatalf("QueryMemberships() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != r.ID {
		t.Errorf("memberships = %v, want [%d]", ids, r.ID)
	}

	rooms, err := p.ListRooms(ctx, creator)
	if err != nil {
		t.Fatalf("ListRooms() error: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != r.ID {
		t.Errorf("ListRooms() = %+v", rooms)
	}
}

func TestCreateRoom_RequiresName(t *testing.T) {
	p := newTestStore(t)
	if _, err := p.CreateRoom(context.Background(), "   ", 1); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("CreateRoom(blank) error = %v, want ErrInvalidRoom", err)
	}
}

func TestAddMember_Idempotent(t *testing.T) {
	p := newTestStore(t)
	ctx := context.Background()
	creator := time.Now().UnixNano()%1_000_000_000 + 1
	member := creator + 1

	r, err := p.CreateRoom(ctx, "dupes", creator)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.AddMember(ctx, r.ID, member); err != nil {
			t.Fatalf("AddMember() #%d error: %v", i+1, err)
		}
	}

	ids, _ := p.QueryMemberships(ctx, member)
	if len(ids) != 1 {
		t.Errorf("expected one membership, got %v", ids)
	}
}

func TestSaveMessage(t *testing.T) {
	p := newTestStore(t)
	ctx := context.Background()

	err := p.SaveMessage(ctx, moderation.Message{
		ChatID: 1, Room: "global", UserID: 5, Content: moderation.Placeholder,
		Toxicity: 0.5, Status: moderation.StatusCensored,
	})
	if err != nil {
		t.Fatalf("SaveMessage() error: %v", err)
	}

	err = p.SaveMessage(ctx, moderation.Message{
		ChatID: 1, Room: "global", UserID: 5, Content: "x",
		Toxicity: 0.9, Status: moderation.StatusBlocked,
	})
	if err == nil {
		t.Error("blocked messages must be rejected by the schema")
	}
}
