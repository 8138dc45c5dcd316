// Package queue admits generation jobs and hands them to the dispatcher.
//
// Admission pipeline, in order: ban check, price lookup, credit reserve,
// per-user concurrency cap, global depth cap. A reservation taken during a
// failed admission is refunded before the error is returned, so no caller
// ever observes a reservation without a queued job.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"genbot/internal/eventbus"
	"genbot/internal/ledger"
	"genbot/internal/model"
	"genbot/internal/moderation"
	"genbot/internal/pricing"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

type Config struct {
	// PerUserLimit caps non-terminal jobs per user. 0 applies the default.
	PerUserLimit int
	// MaxDepth caps queued (not yet running) jobs globally.
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 3
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 256
	}
	return c
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	credits *ledger.Service
	prices  *pricing.Table
	mods    *moderation.Store

	mu      sync.Mutex
	cfg     Config
	jobs    map[string]*model.Job
	pending []string // FIFO of queued job IDs
	prio    []string // admin-priority jobs, served first
	active  map[int64]int

	// wake nudges Next() waiters after an enqueue. Capacity 1: a single
	// token is enough, workers re-check the lists under the lock.
	wake chan struct{}
}

func New(cfg Config, credits *ledger.Service, prices *pricing.Table, mods *moderation.Store, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		bus:     bus,
		store:   store,
		credits: credits,
		prices:  prices,
		mods:    mods,
		cfg:     cfg.withDefaults(),
		jobs:    map[string]*model.Job{},
		active:  map[int64]int{},
		wake:    make(chan struct{}, 1),
	}
}

// Apply updates the admission caps at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Submit runs the admission pipeline and enqueues a job in FIFO order.
func (s *Service) Submit(ctx context.Context, userID int64, typ model.JobType, payload string) (string, error) {
	return s.submit(ctx, userID, typ, payload, false)
}

// SubmitAdmin is the administrator override: it bypasses the concurrency and
// depth caps and the job jumps ahead of normal FIFO order. Payment still
// applies.
func (s *Service) SubmitAdmin(ctx context.Context, userID int64, typ model.JobType, payload string) (string, error) {
	return s.submit(ctx, userID, typ, payload, true)
}

func (s *Service) submit(ctx context.Context, userID int64, typ model.JobType, payload string, priority bool) (string, error) {
	if s.mods.IsBanned(userID) {
		return "", ErrUserBanned
	}
	price, err := s.prices.Price(typ)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	res, err := s.credits.Reserve(ctx, userID, price, jobID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	cfg := s.cfg
	if !priority {
		if s.active[userID] >= cfg.PerUserLimit {
			s.mu.Unlock()
			s.refund(ctx, res.ID, jobID)
			return "", ErrConcurrencyLimit
		}
		if len(s.pending)+len(s.prio) >= cfg.MaxDepth {
			s.mu.Unlock()
			s.refund(ctx, res.ID, jobID)
			return "", ErrQueueFull
		}
	}

	now := time.Now()
	j := &model.Job{
		ID:            jobID,
		UserID:        userID,
		Type:          typ,
		Status:        model.StatusQueued,
		Price:         price,
		Payload:       payload,
		Priority:      priority,
		ReservationID: res.ID,
		CreatedAt:     now,
	}
	if err := s.store.PutJob(ctx, *j); err != nil {
		s.mu.Unlock()
		s.refund(ctx, res.ID, jobID)
		return "", err
	}
	s.jobs[jobID] = j
	if priority {
		s.prio = append(s.prio, jobID)
	} else {
		s.pending = append(s.pending, jobID)
	}
	s.active[userID]++
	// Snapshot before releasing the lock: a worker in Next may start mutating
	// the shared record the moment the lock drops.
	cp := *j
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.bus.Publish(eventbus.JobEvent(eventbus.TypeJobQueued, cp))
	s.log.Info("job queued",
		logx.String("job", jobID),
		logx.Int64("user", userID),
		logx.String("type", string(typ)),
		logx.Int64("price", price),
		logx.Bool("priority", priority),
	)
	return jobID, nil
}

// refund compensates a reservation taken during a failed admission.
// Failures here are logged, not surfaced: the admission error is what the
// caller needs to see.
func (s *Service) refund(ctx context.Context, reservationID, jobID string) {
	if err := s.credits.Refund(ctx, reservationID); err != nil {
		s.log.Error("admission refund failed", logx.String("job", jobID), logx.Err(err))
	}
}

// Next blocks until a job is available and transitions it queued→running.
// Admin-priority jobs are served before any normal job queued later; a job
// already running is never preempted.
func (s *Service) Next(ctx context.Context) (model.Job, error) {
	for {
		s.mu.Lock()
		var id string
		switch {
		case len(s.prio) > 0:
			id = s.prio[0]
			s.prio = s.prio[1:]
		case len(s.pending) > 0:
			id = s.pending[0]
			s.pending = s.pending[1:]
		}
		if id != "" {
			j := s.jobs[id]
			j.Status = model.StatusRunning
			j.StartedAt = time.Now()
			cp := *j
			if len(s.prio)+len(s.pending) > 0 {
				// Re-arm the token: a second submit may have found it already
				// set while another worker was between check and park.
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()

			// Persist the transition outside the queue lock; the job is
			// already invisible to Cancel.
			if err := s.store.PutJob(ctx, cp); err != nil {
				s.log.Error("persisting job start failed", logx.String("job", cp.ID), logx.Err(err))
			}
			s.bus.Publish(eventbus.JobEvent(eventbus.TypeJobStarted, cp))
			return cp, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Job{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Finalize records a terminal status for a running job. Only the dispatcher
// calls this; the reservation must already be resolved by the caller.
func (s *Service) Finalize(ctx context.Context, jobID string, status model.JobStatus, result, errMsg string, retries int) (model.Job, error) {
	if !status.Terminal() {
		return model.Job{}, ErrInvalidState
	}
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return model.Job{}, ErrUnknownJob
	}
	j.Status = status
	j.Result = result
	j.ErrMsg = errMsg
	j.Retries = retries
	j.CompletedAt = time.Now()
	if s.active[j.UserID] > 0 {
		s.active[j.UserID]--
	}
	cp := *j
	s.mu.Unlock()

	return cp, s.store.PutJob(ctx, cp)
}

// Cancel aborts a job that has not started running and refunds its
// reservation. Running and terminal jobs are rejected.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	if j.Status != model.StatusQueued {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.pending = remove(s.pending, jobID)
	s.prio = remove(s.prio, jobID)
	j.Status = model.StatusCancelled
	j.CompletedAt = time.Now()
	if s.active[j.UserID] > 0 {
		s.active[j.UserID]--
	}
	cp := *j
	s.mu.Unlock()

	if err := s.credits.Refund(ctx, cp.ReservationID); err != nil {
		s.log.Error("cancel refund failed", logx.String("job", jobID), logx.Err(err))
	}
	if err := s.store.PutJob(ctx, cp); err != nil {
		return err
	}
	s.bus.Publish(eventbus.JobEvent(eventbus.TypeJobCancelled, cp))
	s.log.Info("job cancelled", logx.String("job", jobID), logx.Int64("user", cp.UserID))
	return nil
}

// Owner returns the owning user of a job, for caller-side authorization.
func (s *Service) Owner(jobID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return 0, false
	}
	return j.UserID, true
}

// List returns a snapshot of jobs matching the filter, newest first. It reads
// from storage so history survives restarts; queue writers are not blocked.
func (s *Service) List(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// Depth returns the number of queued (not yet running) jobs.
func (s *Service) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.prio)
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
