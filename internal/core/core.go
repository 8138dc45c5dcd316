// Package core is the single entry surface the transports call. It owns no
// business rules of its own; it routes to the ledger, queue, pricing,
// moderation and broadcast services and enforces caller-side authorization
// such as job ownership.
package core

import (
	"context"
	"errors"

	"genbot/internal/ledger"
	"genbot/internal/model"
	"genbot/internal/moderation"
	"genbot/internal/pricing"
	"genbot/internal/queue"
	"genbot/internal/services/broadcast"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

var ErrNotOwner = errors.New("job belongs to another user")

type Engine struct {
	log logx.Logger

	store   storage.Store
	credits *ledger.Service
	prices  *pricing.Table
	mods    *moderation.Store
	jobs    *queue.Service
	caster  *broadcast.Service
}

func New(store storage.Store, credits *ledger.Service, prices *pricing.Table, mods *moderation.Store, jobs *queue.Service, caster *broadcast.Service, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:     log,
		store:   store,
		credits: credits,
		prices:  prices,
		mods:    mods,
		jobs:    jobs,
		caster:  caster,
	}
}

// Touch records a user interaction so broadcasts and grants can find them.
func (e *Engine) Touch(ctx context.Context, u model.User) error {
	return e.store.UpsertUser(ctx, u)
}

// SubmitJob admits a generation request. The returned ID identifies the job
// in status updates and cancellation.
func (e *Engine) SubmitJob(ctx context.Context, userID int64, typ, payload string) (string, error) {
	jt, ok := model.ParseJobType(typ)
	if !ok {
		return "", pricing.ErrUnknownType
	}
	return e.jobs.Submit(ctx, userID, jt, payload)
}

// CancelJob aborts a queued job. Non-admin callers may only cancel their own.
func (e *Engine) CancelJob(ctx context.Context, userID int64, jobID string, admin bool) error {
	if !admin {
		owner, ok := e.jobs.Owner(jobID)
		if !ok {
			return queue.ErrUnknownJob
		}
		if owner != userID {
			return ErrNotOwner
		}
	}
	return e.jobs.Cancel(ctx, jobID)
}

func (e *Engine) Balance(userID int64) int64 {
	return e.credits.Balance(userID)
}

// Statement returns the user's most recent ledger entries, newest first.
func (e *Engine) Statement(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return e.credits.Statement(ctx, userID, limit)
}

// ListJobs returns the caller's job history, newest first.
func (e *Engine) ListJobs(ctx context.Context, userID int64, limit int) ([]model.Job, error) {
	return e.jobs.List(ctx, model.JobFilter{UserID: userID, Limit: limit})
}

func (e *Engine) Prices() []model.PriceEntry {
	return e.prices.List()
}

func (e *Engine) QueueDepth() int {
	return e.jobs.Depth()
}

// Administrator surface. Authorization happens in the transport; these
// methods assume the caller is already verified.

// AdminSubmit enqueues a job ahead of the FIFO order, bypassing the
// concurrency and depth caps. The submitting user still pays.
func (e *Engine) AdminSubmit(ctx context.Context, userID int64, typ, payload string) (string, error) {
	jt, ok := model.ParseJobType(typ)
	if !ok {
		return "", pricing.ErrUnknownType
	}
	return e.jobs.SubmitAdmin(ctx, userID, jt, payload)
}

func (e *Engine) AdminSetPrice(ctx context.Context, typ string, price int64) error {
	jt, ok := model.ParseJobType(typ)
	if !ok {
		return pricing.ErrUnknownType
	}
	return e.prices.SetPrice(ctx, jt, price)
}

func (e *Engine) AdminGrant(ctx context.Context, userID, amount int64, reason string) error {
	return e.credits.Grant(ctx, userID, amount, reason)
}

// AdminAdjust applies a signed correction; it refuses to push a balance
// negative.
func (e *Engine) AdminAdjust(ctx context.Context, userID, delta int64, reason string) error {
	return e.credits.Adjust(ctx, userID, delta, reason)
}

func (e *Engine) AdminBan(ctx context.Context, userID int64) error {
	return e.mods.Ban(ctx, userID)
}

func (e *Engine) AdminUnban(ctx context.Context, userID int64) error {
	return e.mods.Unban(ctx, userID)
}

func (e *Engine) AdminBroadcast(ctx context.Context, message, selector string) (string, error) {
	return e.caster.Schedule(ctx, message, selector)
}

func (e *Engine) BroadcastStatus(ctx context.Context, id string) (model.Broadcast, []model.BroadcastTarget, error) {
	return e.caster.Status(ctx, id)
}
