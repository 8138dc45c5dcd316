// Package ledger keeps per-user credit balances backed by an append-only
// transaction log.
//
// The balance cache is derived state: it always equals the running sum of the
// persisted transactions for that user. All mutations go through Reserve /
// Commit / Refund / Grant / Adjust; nothing else may touch a balance.
package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"genbot/internal/model"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

// Reservation is a hold on a user's balance. It is resolved exactly once:
// either committed (debit stands) or refunded (debit compensated).
type Reservation struct {
	ID     string
	UserID int64
	Amount int64
	Ref    string // related job identifier
}

type account struct {
	mu      sync.Mutex
	balance int64
}

type Service struct {
	log   logx.Logger
	store storage.Store

	mu       sync.Mutex
	accounts map[int64]*account

	resMu   sync.Mutex
	pending map[string]Reservation
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		store:    store,
		accounts: map[int64]*account{},
		pending:  map[string]Reservation{},
	}
}

// Load reconciles the balance cache from the persisted transaction log.
// Call once at startup, before serving traffic.
func (s *Service) Load(ctx context.Context) error {
	balances, err := s.store.LoadBalances(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for uid, bal := range balances {
		s.accounts[uid] = &account{balance: bal}
	}
	s.mu.Unlock()
	s.log.Info("ledger loaded", logx.Int("accounts", len(balances)))
	return nil
}

func (s *Service) account(userID int64) *account {
	s.mu.Lock()
	a := s.accounts[userID]
	if a == nil {
		a = &account{}
		s.accounts[userID] = a
	}
	s.mu.Unlock()
	return a
}

// Reserve atomically checks the balance and debits amount, holding it for the
// job identified by ref. No two concurrent reserves can both succeed if their
// sum exceeds the balance: the per-account mutex covers check and debit.
func (s *Service) Reserve(ctx context.Context, userID, amount int64, ref string) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, ErrInvalidAmount
	}
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance < amount {
		return Reservation{}, ErrInsufficientCredit
	}
	res := Reservation{ID: uuid.NewString(), UserID: userID, Amount: amount, Ref: ref}
	err := s.store.AppendTransaction(ctx, model.Transaction{
		UserID: userID, Delta: -amount, Reason: model.TxReserve, JobID: ref,
	})
	if err != nil {
		return Reservation{}, err
	}
	a.balance -= amount

	s.resMu.Lock()
	s.pending[res.ID] = res
	s.resMu.Unlock()

	s.log.Debug("credit reserved", logx.Int64("user", userID), logx.Int64("amount", amount), logx.String("job", ref))
	return res, nil
}

// Restore re-registers a reservation that was pending before a restart so it
// can still be resolved exactly once. Used only by startup recovery.
func (s *Service) Restore(id string, userID, amount int64, ref string) {
	if id == "" || amount <= 0 {
		return
	}
	s.resMu.Lock()
	s.pending[id] = Reservation{ID: id, UserID: userID, Amount: amount, Ref: ref}
	s.resMu.Unlock()
}

// Commit finalizes a reservation. The debit already happened at reserve time,
// so the commit row carries a zero delta; it exists to make "exactly one
// commit, no refund" auditable from the log alone.
func (s *Service) Commit(ctx context.Context, reservationID string) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	res, ok := s.pending[reservationID]
	if !ok {
		return ErrInvalidReservation
	}
	err := s.store.AppendTransaction(ctx, model.Transaction{
		UserID: res.UserID, Delta: 0, Reason: model.TxCommit, JobID: res.Ref,
	})
	if err != nil {
		return err
	}
	delete(s.pending, reservationID)
	s.log.Debug("reservation committed", logx.Int64("user", res.UserID), logx.String("job", res.Ref))
	return nil
}

// Refund resolves a reservation by writing the compensating credit.
func (s *Service) Refund(ctx context.Context, reservationID string) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	res, ok := s.pending[reservationID]
	if !ok {
		return ErrInvalidReservation
	}
	err := s.store.AppendTransaction(ctx, model.Transaction{
		UserID: res.UserID, Delta: res.Amount, Reason: model.TxRefund, JobID: res.Ref,
	})
	if err != nil {
		return err
	}
	delete(s.pending, reservationID)

	a := s.account(res.UserID)
	a.mu.Lock()
	a.balance += res.Amount
	a.mu.Unlock()

	s.log.Debug("reservation refunded", logx.Int64("user", res.UserID), logx.Int64("amount", res.Amount), logx.String("job", res.Ref))
	return nil
}

// Grant adds credit to a user. Admin-only; amount must be non-negative.
func (s *Service) Grant(ctx context.Context, userID, amount int64, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	err := s.store.AppendTransaction(ctx, model.Transaction{
		UserID: userID, Delta: amount, Reason: model.TxGrant, Note: reason,
	})
	if err != nil {
		return err
	}
	a.balance += amount
	s.log.Info("credit granted", logx.Int64("user", userID), logx.Int64("amount", amount), logx.String("reason", reason))
	return nil
}

// Adjust applies a signed admin correction. A debit larger than the current
// balance is rejected so the balance never goes negative.
func (s *Service) Adjust(ctx context.Context, userID, delta int64, reason string) error {
	if delta == 0 {
		return ErrInvalidAmount
	}
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance+delta < 0 {
		return ErrInsufficientCredit
	}
	err := s.store.AppendTransaction(ctx, model.Transaction{
		UserID: userID, Delta: delta, Reason: model.TxAdminAdjust, Note: reason,
	})
	if err != nil {
		return err
	}
	a.balance += delta
	s.log.Info("balance adjusted", logx.Int64("user", userID), logx.Int64("delta", delta), logx.String("reason", reason))
	return nil
}

// Balance returns the user's current balance snapshot.
func (s *Service) Balance(userID int64) int64 {
	a := s.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Statement returns the user's most recent transactions, newest first.
func (s *Service) Statement(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}
