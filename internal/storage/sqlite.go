package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Ledger ----

func (s *sqliteStore) AppendTransaction(ctx context.Context, tx model.Transaction) error {
	if tx.At.IsZero() {
		tx.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(user_id, delta, reason, job_id, note, at) VALUES(?,?,?,?,?,?)`,
		tx.UserID, tx.Delta, string(tx.Reason), nullStr(tx.JobID), nullStr(tx.Note), tx.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadBalances(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, COALESCE(SUM(delta),0) FROM ledger GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int64{}
	for rows.Next() {
		var uid, sum int64
		if err := rows.Scan(&uid, &sum); err != nil {
			return nil, err
		}
		out[uid] = sum
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, delta, reason, COALESCE(job_id,''), COALESCE(note,''), at
		 FROM ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var reason, at string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &reason, &tx.JobID, &tx.Note, &at); err != nil {
			return nil, err
		}
		tx.Reason = model.TxReason(reason)
		tx.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ---- Users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, full_name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, full_name=excluded.full_name`,
		u.ID, nullStr(u.Username), nullStr(u.FullName), u.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(username,''), COALESCE(full_name,''), created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var at string
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &at); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- Jobs ----

func (s *sqliteStore) PutJob(ctx context.Context, j model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, user_id, type, status, price, payload, result, err, retries, priority, reservation_id, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, result=excluded.result, err=excluded.err,
		   retries=excluded.retries, started_at=excluded.started_at, completed_at=excluded.completed_at`,
		j.ID, j.UserID, string(j.Type), string(j.Status), j.Price,
		nullStr(j.Payload), nullStr(j.Result), nullStr(j.ErrMsg),
		j.Retries, boolInt(j.Priority), nullStr(j.ReservationID),
		j.CreatedAt.Format(time.RFC3339Nano), nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	q := `SELECT id, user_id, type, status, price, COALESCE(payload,''), COALESCE(result,''), COALESCE(err,''),
	             retries, priority, COALESCE(reservation_id,''), created_at, COALESCE(started_at,''), COALESCE(completed_at,'')
	      FROM jobs`
	var conds []string
	var args []any
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var j model.Job
		var typ, status, created, started, completed string
		var prio int
		if err := rows.Scan(&j.ID, &j.UserID, &typ, &status, &j.Price, &j.Payload, &j.Result, &j.ErrMsg,
			&j.Retries, &prio, &j.ReservationID, &created, &started, &completed); err != nil {
			return nil, err
		}
		j.Type = model.JobType(typ)
		j.Status = model.JobStatus(status)
		j.Priority = prio != 0
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if started != "" {
			j.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		}
		if completed != "" {
			j.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- Prices ----

func (s *sqliteStore) PutPrice(ctx context.Context, p model.PriceEntry) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices(code, price, updated_at) VALUES(?,?,?)
		 ON CONFLICT(code) DO UPDATE SET price=excluded.price, updated_at=excluded.updated_at`,
		string(p.Code), p.Price, p.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadPrices(ctx context.Context) ([]model.PriceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, price, updated_at FROM prices ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceEntry
	for rows.Next() {
		var p model.PriceEntry
		var code, at string
		if err := rows.Scan(&code, &p.Price, &at); err != nil {
			return nil, err
		}
		p.Code = model.JobType(code)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Bans ----

func (s *sqliteStore) SetBanned(ctx context.Context, userID int64, banned bool) error {
	var err error
	if banned {
		_, err = s.db.ExecContext(ctx, `INSERT INTO bans(user_id) VALUES(?) ON CONFLICT(user_id) DO NOTHING`, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM bans WHERE user_id = ?`, userID)
	}
	return err
}

func (s *sqliteStore) LoadBans(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM bans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// ---- Broadcasts ----

func (s *sqliteStore) PutBroadcast(ctx context.Context, b model.Broadcast) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, message, selector, status, created_at, completed_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, completed_at=excluded.completed_at`,
		b.ID, b.Message, b.Selector, string(b.Status),
		b.CreatedAt.Format(time.RFC3339Nano), nullTime(b.CompletedAt),
	)
	return err
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (model.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message, selector, status, created_at, COALESCE(completed_at,'')
		 FROM broadcasts WHERE id = ?`, id)

	var b model.Broadcast
	var status, created, completed string
	if err := row.Scan(&b.ID, &b.Message, &b.Selector, &status, &created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Broadcast{}, ErrNotFound
		}
		return model.Broadcast{}, err
	}
	b.Status = model.BroadcastStatus(status)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if completed != "" {
		b.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
	}
	return b, nil
}

func (s *sqliteStore) PutBroadcastTarget(ctx context.Context, t model.BroadcastTarget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_targets(broadcast_id, user_id, attempted, delivered, err) VALUES(?,?,?,?,?)
		 ON CONFLICT(broadcast_id, user_id) DO UPDATE SET
		   attempted=excluded.attempted, delivered=excluded.delivered, err=excluded.err`,
		t.BroadcastID, t.UserID, boolInt(t.Attempted), boolInt(t.Delivered), nullStr(t.ErrMsg),
	)
	return err
}

func (s *sqliteStore) LoadOpenBroadcasts(ctx context.Context) ([]model.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message, selector, status, created_at FROM broadcasts
		 WHERE status IN (?, ?) ORDER BY created_at`,
		string(model.BroadcastPending), string(model.BroadcastInProgress),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Broadcast
	for rows.Next() {
		var b model.Broadcast
		var status, created string
		if err := rows.Scan(&b.ID, &b.Message, &b.Selector, &status, &created); err != nil {
			return nil, err
		}
		b.Status = model.BroadcastStatus(status)
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadBroadcastTargets(ctx context.Context, broadcastID string) ([]model.BroadcastTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT broadcast_id, user_id, attempted, delivered, COALESCE(err,'')
		 FROM broadcast_targets WHERE broadcast_id = ? ORDER BY user_id`,
		broadcastID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BroadcastTarget
	for rows.Next() {
		var t model.BroadcastTarget
		var attempted, delivered int
		if err := rows.Scan(&t.BroadcastID, &t.UserID, &attempted, &delivered, &t.ErrMsg); err != nil {
			return nil, err
		}
		t.Attempted = attempted != 0
		t.Delivered = delivered != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
