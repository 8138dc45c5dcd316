// Package moderation keeps the banned-user set consulted on every admission.
package moderation

import (
	"context"
	"sync"

	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

type Store struct {
	log     logx.Logger
	persist storage.Store

	mu     sync.RWMutex
	banned map[int64]bool
}

func New(persist storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{log: log, persist: persist, banned: map[int64]bool{}}
}

// Load restores the persisted ban set.
func (s *Store) Load(ctx context.Context) error {
	ids, err := s.persist.LoadBans(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range ids {
		s.banned[id] = true
	}
	s.mu.Unlock()
	return nil
}

// Ban is idempotent. Jobs already running are unaffected; the ban only
// blocks new admissions.
func (s *Store) Ban(ctx context.Context, userID int64) error {
	if err := s.persist.SetBanned(ctx, userID, true); err != nil {
		return err
	}
	s.mu.Lock()
	s.banned[userID] = true
	s.mu.Unlock()
	s.log.Info("user banned", logx.Int64("user", userID))
	return nil
}

// Unban is idempotent.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	if err := s.persist.SetBanned(ctx, userID, false); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.banned, userID)
	s.mu.Unlock()
	s.log.Info("user unbanned", logx.Int64("user", userID))
	return nil
}

func (s *Store) IsBanned(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banned[userID]
}
