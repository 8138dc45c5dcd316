package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"genbot/internal/eventbus"
	"genbot/internal/ledger"
	"genbot/internal/model"
	"genbot/internal/provider"
	logx "genbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	// Stop requests cancel the queue wait via this derived context.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		job, err := s.jobs.Next(waitCtx)
		if err != nil {
			return
		}
		s.execOne(ctx, stopCh, job, rng)
	}
}

// execOne runs a job to a terminal state, resolving its reservation exactly
// once. Transient provider failures are retried in this worker with
// exponential backoff; only the final outcome is observable.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, job model.Job, rng *rand.Rand) {
	cfg := s.config()
	start := time.Now()

	s.log.Debug("job started", logx.String("job", job.ID), logx.String("type", string(job.Type)), logx.Duration("queue_delay", start.Sub(job.CreatedAt)))

	p, err := s.providers.Lookup(job.Type)
	if err != nil {
		s.settleFailure(ctx, job, 0, provider.Fatal(err))
		return
	}

	req := provider.Request{JobID: job.ID, UserID: job.UserID, Type: job.Type, Payload: job.Payload}

	var res provider.Result
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
		// Guard against provider panics: convert to error so one bad adapter
		// can't kill a worker mid-settlement.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = provider.Fatal(fmt.Errorf("panic: %v", r))
					s.log.Error("provider panicked", logx.String("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			res, err = p.Generate(runCtx, req)
		}()
		cancel()

		if err == nil {
			break
		}
		if !provider.IsTransient(err) {
			break
		}
		if attempt >= maxAttempts {
			// Retries exhausted: the last transient failure becomes fatal.
			break
		}

		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("job retry scheduled",
			logx.String("job", job.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			err = errors.New("dispatcher stopping")
			break attemptLoop
		case <-tmr.C:
		}
	}

	retries := attempts - 1
	if err != nil {
		s.settleFailure(ctx, job, retries, err)
		return
	}

	if cerr := s.credits.Commit(ctx, job.ReservationID); cerr != nil {
		if errors.Is(cerr, ledger.ErrInvalidReservation) {
			// Lost the race against a concurrent resolution; the winner
			// already settled the job. Our effect is a no-op.
			s.log.Debug("reservation already resolved", logx.String("job", job.ID))
			return
		}
		// Storage refused the commit row. Leave the job running with its
		// reservation pending: the stale sweep flags it and a restart's
		// recovery refunds it. Finalizing now would strand the reservation.
		s.log.Error("commit failed; job left unsettled", logx.String("job", job.ID), logx.Err(cerr))
		return
	}

	done, ferr := s.jobs.Finalize(ctx, job.ID, model.StatusSucceeded, res.Output, "", retries)
	if ferr != nil {
		s.log.Error("finalizing job failed", logx.String("job", job.ID), logx.Err(ferr))
		return
	}
	s.bus.Publish(eventbus.JobEvent(eventbus.TypeJobSucceeded, done))
	s.log.Info("job succeeded",
		logx.String("job", job.ID),
		logx.Int64("user", job.UserID),
		logx.Duration("dur", time.Since(start)),
		logx.Int("retries", retries),
	)
}

func (s *Service) settleFailure(ctx context.Context, job model.Job, retries int, cause error) {
	if rerr := s.credits.Refund(ctx, job.ReservationID); rerr != nil {
		if errors.Is(rerr, ledger.ErrInvalidReservation) {
			s.log.Debug("reservation already resolved", logx.String("job", job.ID))
			return
		}
		// Same rule as the commit path: never finalize a job whose
		// reservation is still pending.
		s.log.Error("refund failed; job left unsettled", logx.String("job", job.ID), logx.Err(rerr))
		return
	}

	done, ferr := s.jobs.Finalize(ctx, job.ID, model.StatusFailed, "", cause.Error(), retries)
	if ferr != nil {
		s.log.Error("finalizing job failed", logx.String("job", job.ID), logx.Err(ferr))
		return
	}
	s.bus.Publish(eventbus.JobEvent(eventbus.TypeJobFailed, done))
	s.log.Warn("job failed",
		logx.String("job", job.ID),
		logx.Int64("user", job.UserID),
		logx.Int("retries", retries),
		logx.Err(cause),
	)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
