package reputation_test

import (
	"context"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/migrate"
	"bountyline/internal/reputation"
)

func TestAwardAndSet(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := reputation.New(conn)

	if got, err := s.Reputation(ctx, "nobody"); err != nil || got != 0 {
		t.Fatalf("unknown identity: %d %v", got, err)
	}
	if err := s.Set(ctx, "alice", 40); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Award(ctx, "alice", 10); err != nil {
		t.Fatalf("award: %v", err)
	}
	if err := s.Award(ctx, "bob", 10); err != nil {
		t.Fatalf("award: %v", err)
	}
	if got, _ := s.Reputation(ctx, "alice"); got != 50 {
		t.Fatalf("alice score %d, want 50", got)
	}
	top, err := s.Top(ctx, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].Identity != "alice" {
		t.Fatalf("unexpected leaderboard: %+v", top)
	}
	if err := s.Award(ctx, " ", 1); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}
