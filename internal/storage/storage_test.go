package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

// The sqlite and memory drivers must behave identically; every case below
// runs against both.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			txs := []model.Transaction{
				{UserID: 1, Delta: 100, Reason: model.TxGrant, Note: "promo"},
				{UserID: 1, Delta: -40, Reason: model.TxReserve, JobID: "job-1"},
				{UserID: 2, Delta: 10, Reason: model.TxGrant},
			}
			for _, tx := range txs {
				if err := store.AppendTransaction(ctx, tx); err != nil {
					t.Fatalf("AppendTransaction: %v", err)
				}
			}

			balances, err := store.LoadBalances(ctx)
			if err != nil {
				t.Fatalf("LoadBalances: %v", err)
			}
			if balances[1] != 60 || balances[2] != 10 {
				t.Fatalf("balances = %v", balances)
			}

			list, err := store.ListTransactions(ctx, 1, 10)
			if err != nil {
				t.Fatalf("ListTransactions: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("len = %d, want 2", len(list))
			}
			// Newest first.
			if list[0].Reason != model.TxReserve || list[1].Note != "promo" {
				t.Fatalf("order wrong: %+v", list)
			}

			limited, _ := store.ListTransactions(ctx, 1, 1)
			if len(limited) != 1 {
				t.Fatalf("limit ignored: %d rows", len(limited))
			}
		})
	}
}

func TestUserUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			if err := store.UpsertUser(ctx, model.User{ID: 5, Username: "ada"}); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
			// Second upsert updates the name but keeps the registration time.
			if err := store.UpsertUser(ctx, model.User{ID: 5, Username: "ada2"}); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
			users, err := store.ListUsers(ctx)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if len(users) != 1 || users[0].Username != "ada2" {
				t.Fatalf("users = %+v", users)
			}
			if users[0].CreatedAt.IsZero() {
				t.Fatal("created_at lost on upsert")
			}
		})
	}
}

func TestJobFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			base := time.Now().Add(-time.Hour)
			jobs := []model.Job{
				{ID: "a", UserID: 1, Type: model.TypeText, Status: model.StatusQueued, CreatedAt: base},
				{ID: "b", UserID: 1, Type: model.TypeImage, Status: model.StatusSucceeded, CreatedAt: base.Add(time.Minute)},
				{ID: "c", UserID: 2, Type: model.TypeText, Status: model.StatusQueued, CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, j := range jobs {
				if err := store.PutJob(ctx, j); err != nil {
					t.Fatalf("PutJob: %v", err)
				}
			}

			mine, err := store.ListJobs(ctx, model.JobFilter{UserID: 1})
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(mine) != 2 || mine[0].ID != "b" {
				t.Fatalf("user filter wrong: %+v", mine)
			}

			queued, _ := store.ListJobs(ctx, model.JobFilter{Status: model.StatusQueued})
			if len(queued) != 2 {
				t.Fatalf("status filter: %d rows, want 2", len(queued))
			}

			// Update in place.
			jobs[0].Status = model.StatusRunning
			if err := store.PutJob(ctx, jobs[0]); err != nil {
				t.Fatalf("PutJob update: %v", err)
			}
			running, _ := store.ListJobs(ctx, model.JobFilter{Status: model.StatusRunning})
			if len(running) != 1 || running[0].ID != "a" {
				t.Fatalf("update lost: %+v", running)
			}
		})
	}
}

func TestPricesAndBans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			if err := store.PutPrice(ctx, model.PriceEntry{Code: model.TypeText, Price: 12}); err != nil {
				t.Fatalf("PutPrice: %v", err)
			}
			if err := store.PutPrice(ctx, model.PriceEntry{Code: model.TypeText, Price: 15}); err != nil {
				t.Fatalf("PutPrice update: %v", err)
			}
			prices, err := store.LoadPrices(ctx)
			if err != nil {
				t.Fatalf("LoadPrices: %v", err)
			}
			if len(prices) != 1 || prices[0].Price != 15 {
				t.Fatalf("prices = %+v", prices)
			}

			_ = store.SetBanned(ctx, 9, true)
			_ = store.SetBanned(ctx, 9, true) // idempotent
			bans, err := store.LoadBans(ctx)
			if err != nil {
				t.Fatalf("LoadBans: %v", err)
			}
			if len(bans) != 1 || bans[0] != 9 {
				t.Fatalf("bans = %v", bans)
			}
			_ = store.SetBanned(ctx, 9, false)
			bans, _ = store.LoadBans(ctx)
			if len(bans) != 0 {
				t.Fatalf("bans after unban = %v", bans)
			}
		})
	}
}

func TestBroadcastCheckpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			b := model.Broadcast{ID: "x", Message: "hi", Selector: "all", Status: model.BroadcastPending, CreatedAt: time.Now()}
			if err := store.PutBroadcast(ctx, b); err != nil {
				t.Fatalf("PutBroadcast: %v", err)
			}
			// Status update must not clobber message/selector.
			if err := store.PutBroadcast(ctx, model.Broadcast{ID: "x", Status: model.BroadcastInProgress}); err != nil {
				t.Fatalf("PutBroadcast update: %v", err)
			}

			open, err := store.LoadOpenBroadcasts(ctx)
			if err != nil {
				t.Fatalf("LoadOpenBroadcasts: %v", err)
			}
			if len(open) != 1 || open[0].Message != "hi" || open[0].Selector != "all" {
				t.Fatalf("open = %+v", open)
			}

			_ = store.PutBroadcastTarget(ctx, model.BroadcastTarget{BroadcastID: "x", UserID: 1})
			_ = store.PutBroadcastTarget(ctx, model.BroadcastTarget{BroadcastID: "x", UserID: 1, Attempted: true, Delivered: true})
			_ = store.PutBroadcastTarget(ctx, model.BroadcastTarget{BroadcastID: "x", UserID: 2, Attempted: true, ErrMsg: "blocked"})

			targets, err := store.LoadBroadcastTargets(ctx, "x")
			if err != nil {
				t.Fatalf("LoadBroadcastTargets: %v", err)
			}
			if len(targets) != 2 {
				t.Fatalf("targets = %+v", targets)
			}
			if !targets[0].Delivered || targets[1].ErrMsg != "blocked" {
				t.Fatalf("targets = %+v", targets)
			}

			// Terminal broadcasts leave the open set but stay readable by id.
			done := model.Broadcast{ID: "x", Status: model.BroadcastCompleted, CompletedAt: time.Now()}
			if err := store.PutBroadcast(ctx, done); err != nil {
				t.Fatalf("PutBroadcast finish: %v", err)
			}
			open, _ = store.LoadOpenBroadcasts(ctx)
			if len(open) != 0 {
				t.Fatalf("open after completion = %+v", open)
			}

			got, err := store.GetBroadcast(ctx, "x")
			if err != nil {
				t.Fatalf("GetBroadcast: %v", err)
			}
			if got.Status != model.BroadcastCompleted || got.Message != "hi" || got.CompletedAt.IsZero() {
				t.Fatalf("GetBroadcast = %+v", got)
			}
			if _, err := store.GetBroadcast(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetBroadcast missing = %v, want ErrNotFound", err)
			}
		})
	}
}
