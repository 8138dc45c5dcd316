package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"genbot/internal/eventbus"
	"genbot/internal/model"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

// recordSender records deliveries and fails for the configured users.
type recordSender struct {
	mu    sync.Mutex
	sent  []int64
	fails map[int64]bool
}

func (s *recordSender) Send(_ context.Context, userID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails[userID] {
		return errors.New("chat not found")
	}
	s.sent = append(s.sent, userID)
	return nil
}

func (s *recordSender) sentTo() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

func seedUsers(t *testing.T, store storage.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if err := store.UpsertUser(context.Background(), model.User{ID: id}); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
}

func waitDone(t *testing.T, events <-chan eventbus.Event) model.Broadcast {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeBroadcastDone {
				return ev.Broadcast
			}
		case <-deadline:
			t.Fatal("timed out waiting for broadcast to finish")
		}
	}
}

func TestBroadcastDeliversToAllUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	seedUsers(t, store, 1, 2, 3)
	sender := &recordSender{}
	bus := eventbus.New()

	svc := New(Config{Workers: 1, RatePerSec: 1000}, store, sender, bus, logx.Nop())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	id, err := svc.Schedule(ctx, "maintenance tonight", "all")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	done := waitDone(t, events)
	if done.ID != id || done.Status != model.BroadcastCompleted {
		t.Fatalf("unexpected broadcast: %+v", done)
	}
	if got := sender.sentTo(); len(got) != 3 {
		t.Fatalf("sent to %v, want 3 users", got)
	}

	targets, err := store.LoadBroadcastTargets(ctx, id)
	if err != nil {
		t.Fatalf("LoadBroadcastTargets: %v", err)
	}
	for _, tgt := range targets {
		if !tgt.Attempted || !tgt.Delivered {
			t.Fatalf("target not delivered: %+v", tgt)
		}
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	seedUsers(t, store, 1, 2, 3)
	sender := &recordSender{fails: map[int64]bool{2: true}}
	bus := eventbus.New()

	svc := New(Config{Workers: 1, RatePerSec: 1000}, store, sender, bus, logx.Nop())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	id, err := svc.Schedule(ctx, "hello", "all")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	done := waitDone(t, events)
	if done.Status != model.BroadcastPartialFailed {
		t.Fatalf("status = %s, want partially-failed", done.Status)
	}

	// Status must reflect the terminal record, not just the live run.
	b, failed, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if b.Status != model.BroadcastPartialFailed || b.CompletedAt.IsZero() {
		t.Fatalf("status record = %+v, want terminal partially-failed", b)
	}
	if len(failed) != 1 || failed[0].UserID != 2 || failed[0].ErrMsg == "" {
		t.Fatalf("failed targets = %+v, want user 2", failed)
	}

	if _, _, err := svc.Status(ctx, "no-such-broadcast"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Status for unknown id = %v, want ErrNotFound", err)
	}
}

func TestScheduleExplicitTargets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	seedUsers(t, store, 1, 2, 3)
	sender := &recordSender{}
	bus := eventbus.New()

	svc := New(Config{Workers: 1, RatePerSec: 1000}, store, sender, bus, logx.Nop())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	if _, err := svc.Schedule(ctx, "just you two", "1,3"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitDone(t, events)

	got := sender.sentTo()
	if len(got) != 2 {
		t.Fatalf("sent to %v, want users 1 and 3", got)
	}
	for _, uid := range got {
		if uid == 2 {
			t.Fatalf("sent to user 2, who was not targeted")
		}
	}
}

func TestScheduleRejectsBadSelector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(Config{}, storage.NewMemory(), &recordSender{}, eventbus.New(), logx.Nop())
	if _, err := svc.Schedule(ctx, "msg", "1,notanid"); err == nil {
		t.Fatal("expected error for malformed selector")
	}
}

// A broadcast interrupted mid-run must resume without re-sending to targets
// that were already attempted.
func TestResumeSkipsAttemptedTargets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	seedUsers(t, store, 1, 2, 3)

	// Simulate a crash after delivering to user 1.
	b := model.Broadcast{ID: "bcast-1", Message: "resumed hello", Status: model.BroadcastInProgress, CreatedAt: time.Now()}
	if err := store.PutBroadcast(ctx, b); err != nil {
		t.Fatalf("PutBroadcast: %v", err)
	}
	targets := []model.BroadcastTarget{
		{BroadcastID: b.ID, UserID: 1, Attempted: true, Delivered: true},
		{BroadcastID: b.ID, UserID: 2},
		{BroadcastID: b.ID, UserID: 3},
	}
	for _, tgt := range targets {
		if err := store.PutBroadcastTarget(ctx, tgt); err != nil {
			t.Fatalf("PutBroadcastTarget: %v", err)
		}
	}

	sender := &recordSender{}
	bus := eventbus.New()
	svc := New(Config{Workers: 1, RatePerSec: 1000}, store, sender, bus, logx.Nop())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	if err := svc.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	done := waitDone(t, events)
	if done.Status != model.BroadcastCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	got := sender.sentTo()
	if len(got) != 2 {
		t.Fatalf("sent to %v, want only users 2 and 3", got)
	}
	for _, uid := range got {
		if uid == 1 {
			t.Fatal("re-sent to an already delivered target")
		}
	}
}
