package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence API used by the engine.
//
// Write methods must be durable before they return: the ledger and job
// finalization paths acknowledge callers only after the store has accepted
// the row.
type Store interface {
	// Ledger.
	AppendTransaction(ctx context.Context, tx model.Transaction) error
	LoadBalances(ctx context.Context) (map[int64]int64, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error)

	// Users.
	UpsertUser(ctx context.Context, u model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)

	// Jobs.
	PutJob(ctx context.Context, j model.Job) error
	ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error)

	// Prices.
	PutPrice(ctx context.Context, p model.PriceEntry) error
	LoadPrices(ctx context.Context) ([]model.PriceEntry, error)

	// Bans.
	SetBanned(ctx context.Context, userID int64, banned bool) error
	LoadBans(ctx context.Context) ([]int64, error)

	// Broadcasts.
	GetBroadcast(ctx context.Context, id string) (model.Broadcast, error)
	PutBroadcast(ctx context.Context, b model.Broadcast) error
	PutBroadcastTarget(ctx context.Context, t model.BroadcastTarget) error
	LoadOpenBroadcasts(ctx context.Context) ([]model.Broadcast, error)
	LoadBroadcastTargets(ctx context.Context, broadcastID string) ([]model.BroadcastTarget, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
