// Package pricing holds the admin-writable price table.
// Reads happen on every admission; writes are rare.
package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"genbot/internal/model"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

var (
	ErrInvalidPrice = errors.New("price must be a positive integer")
	ErrUnknownType  = errors.New("unknown job type")
)

// Defaults seed the table on first run. Admins adjust from there.
var Defaults = map[model.JobType]int64{
	model.TypeText:   10,
	model.TypeImage:  40,
	model.TypeVideo:  80,
	model.TypeAudio:  25,
	model.TypeThreeD: 120,
}

type Table struct {
	log   logx.Logger
	store storage.Store

	mu      sync.RWMutex
	entries map[model.JobType]model.PriceEntry
}

func New(store storage.Store, log logx.Logger) *Table {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Table{log: log, store: store, entries: map[model.JobType]model.PriceEntry{}}
}

// Load restores persisted prices and seeds defaults for any missing type.
func (t *Table) Load(ctx context.Context) error {
	persisted, err := t.store.LoadPrices(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range persisted {
		if _, ok := model.ParseJobType(string(p.Code)); ok {
			t.entries[p.Code] = p
		}
	}
	for code, price := range Defaults {
		if _, ok := t.entries[code]; ok {
			continue
		}
		entry := model.PriceEntry{Code: code, Price: price, UpdatedAt: time.Now()}
		if err := t.store.PutPrice(ctx, entry); err != nil {
			return err
		}
		t.entries[code] = entry
	}
	return nil
}

// Price returns the current price for a type code.
func (t *Table) Price(code model.JobType) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[code]
	if !ok {
		return 0, ErrUnknownType
	}
	return e.Price, nil
}

// SetPrice updates a price. Only jobs priced after the change see the new
// value; reserved jobs keep their original price.
func (t *Table) SetPrice(ctx context.Context, code model.JobType, price int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}
	if _, ok := model.ParseJobType(string(code)); !ok {
		return ErrUnknownType
	}
	entry := model.PriceEntry{Code: code, Price: price, UpdatedAt: time.Now()}
	if err := t.store.PutPrice(ctx, entry); err != nil {
		return err
	}

	t.mu.Lock()
	t.entries[code] = entry
	t.mu.Unlock()

	t.log.Info("price updated", logx.String("code", string(code)), logx.Int64("price", price))
	return nil
}

// List returns a snapshot of all entries in stable type order.
func (t *Table) List() []model.PriceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.PriceEntry, 0, len(t.entries))
	for _, code := range model.JobTypes {
		if e, ok := t.entries[code]; ok {
			out = append(out, e)
		}
	}
	return out
}
