package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"genbot/internal/config"
	"genbot/internal/model"
	logx "genbot/pkg/logx"
)

// maintenance runs periodic housekeeping: re-enqueueing stuck broadcasts,
// flagging long-running jobs and auditing the ledger against storage.
type maintenance struct {
	app        *App
	cron       *cron.Cron
	loc        *time.Location
	staleAfter time.Duration
}

func newMaintenance(a *App, mc config.MaintenanceConfig) *maintenance {
	loc := time.Local
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			a.log.Warn("invalid maintenance timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	stale, err := mc.StaleAfter.Value("maintenance.stale_after")
	if err != nil {
		stale = 0
	}
	return &maintenance{app: a, loc: loc, staleAfter: stale}
}

func (m *maintenance) start(ctx context.Context) {
	c := cron.New(cron.WithLocation(m.loc))

	// Broadcasts stuck open (e.g. worker death mid-run) get re-enqueued.
	_, _ = c.AddFunc("*/5 * * * *", func() {
		if err := m.app.caster.Resume(ctx); err != nil {
			m.app.log.Warn("broadcast resume sweep failed", logx.Err(err))
		}
	})

	if m.staleAfter > 0 {
		_, _ = c.AddFunc("*/10 * * * *", func() { m.flagStaleJobs(ctx) })
	}

	// Nightly ledger audit: in-memory balances must equal the stored sums.
	_, _ = c.AddFunc("30 3 * * *", func() { m.auditLedger(ctx) })

	c.Start()
	m.cron = c
	m.app.log.Debug("maintenance started", logx.Duration("stale_after", m.staleAfter))
}

func (m *maintenance) stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// flagStaleJobs reports running jobs that exceeded the configured wall time.
// They are only logged: the dispatcher still owns them and settles exactly
// once, so forcing a verdict here could double-resolve the reservation.
func (m *maintenance) flagStaleJobs(ctx context.Context) {
	jobs, err := m.app.store.ListJobs(ctx, model.JobFilter{Status: model.StatusRunning})
	if err != nil {
		m.app.log.Warn("stale job sweep failed", logx.Err(err))
		return
	}
	cutoff := time.Now().Add(-m.staleAfter)
	for _, j := range jobs {
		if !j.StartedAt.IsZero() && j.StartedAt.Before(cutoff) {
			m.app.log.Warn("job running past stale threshold",
				logx.String("job", j.ID),
				logx.Int64("user", j.UserID),
				logx.Duration("running_for", time.Since(j.StartedAt)),
			)
		}
	}
}

func (m *maintenance) auditLedger(ctx context.Context) {
	stored, err := m.app.store.LoadBalances(ctx)
	if err != nil {
		m.app.log.Warn("ledger audit failed", logx.Err(err))
		return
	}
	var mismatches int
	for userID, want := range stored {
		if got := m.app.credits.Balance(userID); got != want {
			mismatches++
			m.app.log.Error("ledger balance mismatch",
				logx.Int64("user", userID),
				logx.Int64("memory", got),
				logx.Int64("stored", want),
			)
		}
	}
	if mismatches == 0 {
		m.app.log.Debug("ledger audit clean", logx.Int("accounts", len(stored)))
	}
}
