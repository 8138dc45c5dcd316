package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"genbot/internal/model"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

func newTestLedger(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := New(store, logx.Nop())
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return svc, store
}

func TestReserveCommitRefund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestLedger(t)

	if err := svc.Grant(ctx, 1, 100, "signup"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	res, err := svc.Reserve(ctx, 1, 40, "job-a")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := svc.Balance(1); got != 60 {
		t.Fatalf("balance after reserve = %d, want 60", got)
	}

	if err := svc.Commit(ctx, res.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := svc.Balance(1); got != 60 {
		t.Fatalf("balance after commit = %d, want 60", got)
	}

	// A resolved reservation cannot be resolved again.
	if err := svc.Refund(ctx, res.ID); !errors.Is(err, ErrInvalidReservation) {
		t.Fatalf("Refund after Commit = %v, want ErrInvalidReservation", err)
	}
	if err := svc.Commit(ctx, res.ID); !errors.Is(err, ErrInvalidReservation) {
		t.Fatalf("second Commit = %v, want ErrInvalidReservation", err)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestLedger(t)

	_ = svc.Grant(ctx, 7, 50, "")
	res, err := svc.Reserve(ctx, 7, 50, "job-b")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Refund(ctx, res.ID); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := svc.Balance(7); got != 50 {
		t.Fatalf("balance after refund = %d, want 50", got)
	}
}

func TestReserveValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestLedger(t)
	_ = svc.Grant(ctx, 1, 10, "")

	tests := []struct {
		name   string
		amount int64
		want   error
	}{
		{name: "zero amount", amount: 0, want: ErrInvalidAmount},
		{name: "negative amount", amount: -5, want: ErrInvalidAmount},
		{name: "over balance", amount: 11, want: ErrInsufficientCredit},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Reserve(ctx, 1, tt.amount, "j"); !errors.Is(err, tt.want) {
				t.Fatalf("Reserve(%d) = %v, want %v", tt.amount, err, tt.want)
			}
		})
	}

	// Failed reserves must not touch the balance.
	if got := svc.Balance(1); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

// Two concurrent reserves whose sum exceeds the balance must not both
// succeed, no matter how the goroutines interleave.
func TestConcurrentReserveExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		svc, _ := newTestLedger(t)
		_ = svc.Grant(ctx, 1, 100, "")

		var wg sync.WaitGroup
		results := make([]error, 2)
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				_, results[k] = svc.Reserve(ctx, 1, 70, "job")
			}(k)
		}
		wg.Wait()

		var ok, fail int
		for _, err := range results {
			if err == nil {
				ok++
			} else if errors.Is(err, ErrInsufficientCredit) {
				fail++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || fail != 1 {
			t.Fatalf("round %d: ok=%d fail=%d, want exactly one of each", i, ok, fail)
		}
		if got := svc.Balance(1); got != 30 {
			t.Fatalf("round %d: balance = %d, want 30", i, got)
		}
	}
}

func TestGrantAndAdjust(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestLedger(t)

	if err := svc.Grant(ctx, 2, -1, "oops"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative Grant = %v, want ErrInvalidAmount", err)
	}
	if err := svc.Grant(ctx, 2, 0, ""); err != nil {
		t.Fatalf("zero Grant = %v, want nil no-op", err)
	}
	_ = svc.Grant(ctx, 2, 30, "promo")

	if err := svc.Adjust(ctx, 2, -40, "correction"); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("Adjust below zero = %v, want ErrInsufficientCredit", err)
	}
	if err := svc.Adjust(ctx, 2, -10, "correction"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got := svc.Balance(2); got != 20 {
		t.Fatalf("balance = %d, want 20", got)
	}
}

// The cached balance must always equal the sum of persisted deltas, which is
// what Load recomputes after a restart.
func TestBalanceSurvivesReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store := newTestLedger(t)

	_ = svc.Grant(ctx, 3, 100, "")
	res, _ := svc.Reserve(ctx, 3, 25, "job-x")
	_ = svc.Commit(ctx, res.ID)
	res2, _ := svc.Reserve(ctx, 3, 25, "job-y")
	_ = svc.Refund(ctx, res2.ID)

	fresh := New(store, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := fresh.Balance(3), svc.Balance(3); got != want {
		t.Fatalf("reloaded balance = %d, want %d", got, want)
	}
	if got := fresh.Balance(3); got != 75 {
		t.Fatalf("balance = %d, want 75", got)
	}
}

func TestRestorePendingReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store := newTestLedger(t)

	_ = svc.Grant(ctx, 4, 60, "")
	res, _ := svc.Reserve(ctx, 4, 60, "job-z")

	// Simulate a restart: new service, reservation restored from the job row.
	fresh := New(store, logx.Nop())
	_ = fresh.Load(ctx)
	fresh.Restore(res.ID, res.UserID, res.Amount, res.Ref)

	if err := fresh.Refund(ctx, res.ID); err != nil {
		t.Fatalf("Refund after Restore: %v", err)
	}
	if got := fresh.Balance(4); got != 60 {
		t.Fatalf("balance = %d, want 60", got)
	}
}

func TestStatementNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestLedger(t)

	_ = svc.Grant(ctx, 5, 10, "first")
	_ = svc.Grant(ctx, 5, 20, "second")

	txs, err := svc.Statement(ctx, 5, 10)
	if err != nil {
		t.Fatalf("Statement: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d, want 2", len(txs))
	}
	if txs[0].Note != "second" || txs[1].Note != "first" {
		t.Fatalf("order wrong: %q then %q", txs[0].Note, txs[1].Note)
	}
	if txs[0].Reason != model.TxGrant {
		t.Fatalf("reason = %s, want grant", txs[0].Reason)
	}
}
