// Package broadcast fans out admin announcements on a rate-limited lane
// independent of the job dispatcher, so broadcast load never delays
// generation jobs.
//
// Progress is checkpointed per target: a broadcast interrupted by a restart
// resumes from the first unattempted target and never re-sends to targets
// that already succeeded.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"genbot/internal/eventbus"
	"genbot/internal/model"
	rtsup "genbot/internal/runtime/supervisor"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

var ErrStopped = errors.New("broadcast service stopped")

type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Sender delivers one message to one user. The transport implements this.
type Sender interface {
	Send(ctx context.Context, userID int64, message string) error
}

type job struct {
	id      string
	message string
	targets []model.BroadcastTarget // unattempted targets only
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store  storage.Store
	sender Sender

	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
}

func New(cfg Config, store storage.Store, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply updates the rate limit and retry knobs at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, 64)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("broadcaster started", logx.Int("workers", cfg.Workers), logx.Int("rps", cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("broadcaster stopped")
}

// Schedule resolves the target selector, persists the broadcast with all
// targets unattempted, and hands it to a worker.
func (s *Service) Schedule(ctx context.Context, message, selector string) (string, error) {
	targets, err := s.resolveTargets(ctx, selector)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	b := model.Broadcast{
		ID:        id,
		Message:   message,
		Selector:  selector,
		Status:    model.BroadcastPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutBroadcast(ctx, b); err != nil {
		return "", err
	}
	rows := make([]model.BroadcastTarget, 0, len(targets))
	for _, uid := range targets {
		t := model.BroadcastTarget{BroadcastID: id, UserID: uid}
		if err := s.store.PutBroadcastTarget(ctx, t); err != nil {
			return "", err
		}
		rows = append(rows, t)
	}

	if err := s.enqueue(ctx, job{id: id, message: message, targets: rows}); err != nil {
		return "", err
	}
	s.log.Info("broadcast scheduled", logx.String("broadcast", id), logx.String("selector", selector), logx.Int("targets", len(rows)))
	return id, nil
}

// Resume re-enqueues broadcasts that were interrupted before completion,
// skipping targets that were already attempted.
func (s *Service) Resume(ctx context.Context) error {
	open, err := s.store.LoadOpenBroadcasts(ctx)
	if err != nil {
		return err
	}
	for _, b := range open {
		targets, err := s.store.LoadBroadcastTargets(ctx, b.ID)
		if err != nil {
			return err
		}
		var rest []model.BroadcastTarget
		for _, t := range targets {
			if !t.Attempted {
				rest = append(rest, t)
			}
		}
		if err := s.enqueue(ctx, job{id: b.ID, message: b.Message, targets: rest}); err != nil {
			return err
		}
		s.log.Info("broadcast resumed", logx.String("broadcast", b.ID), logx.Int("remaining", len(rest)))
	}
	return nil
}

// Status returns the broadcast record, terminal or not, and the targets that
// failed delivery.
func (s *Service) Status(ctx context.Context, id string) (model.Broadcast, []model.BroadcastTarget, error) {
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return model.Broadcast{}, nil, err
	}
	failed, err := s.failedTargets(ctx, id)
	return b, failed, err
}

func (s *Service) failedTargets(ctx context.Context, id string) ([]model.BroadcastTarget, error) {
	targets, err := s.store.LoadBroadcastTargets(ctx, id)
	if err != nil {
		return nil, err
	}
	var failed []model.BroadcastTarget
	for _, t := range targets {
		if t.Attempted && !t.Delivered {
			failed = append(failed, t)
		}
	}
	return failed, nil
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	s.mu.Lock()
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		return ErrStopped
	}
	select {
	case queue <- j:
		return nil
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveTargets expands a selector into user IDs.
// Supported: "all" (every known user) or a comma-separated ID list.
func (s *Service) resolveTargets(ctx context.Context, selector string) ([]int64, error) {
	sel := strings.TrimSpace(strings.ToLower(selector))
	if sel == "" || sel == "all" {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]int64, 0, len(users))
		for _, u := range users {
			out = append(out, u.ID)
		}
		return out, nil
	}

	var out []int64
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad target selector %q: %w", selector, err)
		}
		out = append(out, id)
	}
	return out, nil
}
