package app

import (
	"context"
	"time"

	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

// recoverInterrupted settles jobs that were queued or running when the
// previous process died. Their provider outcome is unknown, so the user gets
// the benefit of the doubt: the reservation is refunded and the job is
// marked refunded rather than failed.
func (a *App) recoverInterrupted(ctx context.Context) error {
	var recovered int
	for _, st := range []model.JobStatus{model.StatusQueued, model.StatusRunning} {
		jobs, err := a.store.ListJobs(ctx, model.JobFilter{Status: st})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			a.credits.Restore(j.ReservationID, j.UserID, j.Price, j.ID)
			if err := a.credits.Refund(ctx, j.ReservationID); err != nil {
				a.log.Error("recovery refund failed", logx.String("job", j.ID), logx.Err(err))
				continue
			}
			j.Status = model.StatusRefunded
			j.CompletedAt = time.Now()
			if err := a.store.PutJob(ctx, j); err != nil {
				return err
			}
			recovered++
			a.log.Info("interrupted job refunded",
				logx.String("job", j.ID),
				logx.Int64("user", j.UserID),
				logx.Int64("price", j.Price),
			)
		}
	}
	if recovered > 0 {
		a.log.Warn("settled jobs interrupted by previous shutdown", logx.Int("count", recovered))
	}
	return nil
}
