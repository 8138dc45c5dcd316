package broadcast

import (
	"context"
	"time"

	"genbot/internal/eventbus"
	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	// Stop requests cancel in-flight limiter waits and sends.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		case j := <-queue:
			s.run(runCtx, j)
		}
	}
}

// run delivers one broadcast to its remaining targets. Every outcome is
// persisted before the next send, so an interruption at any point leaves a
// resumable checkpoint.
func (s *Service) run(ctx context.Context, j job) {
	b := model.Broadcast{
		ID:       j.id,
		Message:  j.message,
		Selector: "",
		Status:   model.BroadcastInProgress,
	}
	if err := s.store.PutBroadcast(ctx, b); err != nil {
		s.log.Error("persisting broadcast start failed", logx.String("broadcast", j.id), logx.Err(err))
	}

	start := time.Now()
	sent, failed := 0, 0
	for _, t := range j.targets {
		if err := s.waitLimiter(ctx); err != nil {
			// Interrupted mid-broadcast; remaining targets stay unattempted
			// and Resume picks them up later.
			s.log.Warn("broadcast interrupted", logx.String("broadcast", j.id), logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}

		err := s.sendOne(ctx, t.UserID, j.message)
		t.Attempted = true
		t.Delivered = err == nil
		if err != nil {
			t.ErrMsg = err.Error()
			failed++
			s.log.Debug("broadcast send failed", logx.String("broadcast", j.id), logx.Int64("user", t.UserID), logx.Err(err))
		} else {
			sent++
		}
		if perr := s.store.PutBroadcastTarget(ctx, t); perr != nil {
			s.log.Error("persisting broadcast target failed", logx.String("broadcast", j.id), logx.Int64("user", t.UserID), logx.Err(perr))
		}
		if ctx.Err() != nil {
			s.log.Warn("broadcast interrupted", logx.String("broadcast", j.id), logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}
	}

	s.finish(ctx, j, sent, failed, time.Since(start))
}

// finish computes the final status from all persisted target outcomes, not
// just this run's, so a resumed broadcast counts earlier failures too.
func (s *Service) finish(ctx context.Context, j job, sent, failed int, dur time.Duration) {
	status := model.BroadcastCompleted
	if targets, err := s.store.LoadBroadcastTargets(ctx, j.id); err == nil {
		for _, t := range targets {
			if t.Attempted && !t.Delivered {
				status = model.BroadcastPartialFailed
				break
			}
		}
	} else if failed > 0 {
		status = model.BroadcastPartialFailed
	}

	b := model.Broadcast{
		ID:          j.id,
		Message:     j.message,
		Status:      status,
		CompletedAt: time.Now(),
	}
	if err := s.store.PutBroadcast(ctx, b); err != nil {
		s.log.Error("persisting broadcast finish failed", logx.String("broadcast", j.id), logx.Err(err))
	}

	s.bus.Publish(eventbus.BroadcastEvent(b))
	s.log.Info("broadcast done",
		logx.String("broadcast", j.id),
		logx.String("status", string(status)),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Duration("dur", dur),
	)
}

// sendOne retries a failed delivery a few times with a short escalating
// delay before recording the target as failed.
func (s *Service) sendOne(ctx context.Context, userID int64, message string) error {
	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()

	var err error
	for attempt := 0; ; attempt++ {
		err = s.sender.Send(ctx, userID, message)
		if err == nil || attempt >= retryMax {
			return err
		}
		tmr := time.NewTimer(time.Duration(attempt+1) * 500 * time.Millisecond)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return err
		case <-tmr.C:
		}
	}
}

func (s *Service) waitLimiter(ctx context.Context) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	return lim.Wait(ctx)
}
