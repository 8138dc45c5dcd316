package moderation

import (
	"context"
	"testing"

	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

func TestBanUnban(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	mods := New(store, logx.Nop())
	if err := mods.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if mods.IsBanned(1) {
		t.Fatal("new user reported banned")
	}
	if err := mods.Ban(ctx, 1); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if !mods.IsBanned(1) {
		t.Fatal("user not banned after Ban")
	}

	// Repeated operations are idempotent.
	if err := mods.Ban(ctx, 1); err != nil {
		t.Fatalf("second Ban: %v", err)
	}
	if err := mods.Unban(ctx, 1); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if err := mods.Unban(ctx, 1); err != nil {
		t.Fatalf("second Unban: %v", err)
	}
	if mods.IsBanned(1) {
		t.Fatal("user still banned after Unban")
	}
}

func TestBansSurviveReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	mods := New(store, logx.Nop())
	_ = mods.Load(ctx)
	_ = mods.Ban(ctx, 42)

	fresh := New(store, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !fresh.IsBanned(42) {
		t.Fatal("ban lost across reload")
	}
}
