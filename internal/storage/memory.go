package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"genbot/internal/model"
)

// memStore is a volatile Store used by tests and dry runs.
// It applies the same semantics as the sqlite driver, minus durability.
type memStore struct {
	mu sync.Mutex

	txSeq      int64
	ledger     []model.Transaction
	users      map[int64]model.User
	jobs       map[string]model.Job
	prices     map[model.JobType]model.PriceEntry
	bans       map[int64]bool
	broadcasts map[string]model.Broadcast
	targets    map[string]map[int64]model.BroadcastTarget
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		users:      map[int64]model.User{},
		jobs:       map[string]model.Job{},
		prices:     map[model.JobType]model.PriceEntry{},
		bans:       map[int64]bool{},
		broadcasts: map[string]model.Broadcast{},
		targets:    map[string]map[int64]model.BroadcastTarget{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) AppendTransaction(_ context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq++
	tx.ID = s.txSeq
	if tx.At.IsZero() {
		tx.At = time.Now()
	}
	s.ledger = append(s.ledger, tx)
	return nil
}

func (s *memStore) LoadBalances(context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]int64{}
	for _, tx := range s.ledger {
		out[tx.UserID] += tx.Delta
	}
	return out, nil
}

func (s *memStore) ListTransactions(_ context.Context, userID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].UserID == userID {
			out = append(out, s.ledger[i])
		}
	}
	return out, nil
}

func (s *memStore) UpsertUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) ListUsers(context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) PutJob(_ context.Context, j model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) ListJobs(_ context.Context, f model.JobFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) PutPrice(_ context.Context, p model.PriceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.prices[p.Code] = p
	return nil
}

func (s *memStore) LoadPrices(context.Context) ([]model.PriceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PriceEntry, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memStore) SetBanned(_ context.Context, userID int64, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if banned {
		s.bans[userID] = true
	} else {
		delete(s.bans, userID)
	}
	return nil
}

func (s *memStore) LoadBans(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.bans))
	for uid := range s.bans {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) PutBroadcast(_ context.Context, b model.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.broadcasts[b.ID]; ok {
		if b.CreatedAt.IsZero() {
			b.CreatedAt = prev.CreatedAt
		}
		if b.Selector == "" {
			b.Selector = prev.Selector
		}
		if b.Message == "" {
			b.Message = prev.Message
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	s.broadcasts[b.ID] = b
	return nil
}

func (s *memStore) GetBroadcast(_ context.Context, id string) (model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return model.Broadcast{}, ErrNotFound
	}
	return b, nil
}

func (s *memStore) PutBroadcastTarget(_ context.Context, t model.BroadcastTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.targets[t.BroadcastID]
	if m == nil {
		m = map[int64]model.BroadcastTarget{}
		s.targets[t.BroadcastID] = m
	}
	m[t.UserID] = t
	return nil
}

func (s *memStore) LoadOpenBroadcasts(context.Context) ([]model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Broadcast
	for _, b := range s.broadcasts {
		if b.Status == model.BroadcastPending || b.Status == model.BroadcastInProgress {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) LoadBroadcastTargets(_ context.Context, broadcastID string) ([]model.BroadcastTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.targets[broadcastID]
	out := make([]model.BroadcastTarget, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
