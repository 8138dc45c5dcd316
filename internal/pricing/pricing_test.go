package pricing

import (
	"context"
	"errors"
	"testing"

	"genbot/internal/model"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

func newTable(t *testing.T) (*Table, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	tbl := New(store, logx.Nop())
	if err := tbl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tbl, store
}

func TestLoadSeedsDefaults(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t)

	for code, want := range Defaults {
		got, err := tbl.Price(code)
		if err != nil {
			t.Fatalf("Price(%s): %v", code, err)
		}
		if got != want {
			t.Fatalf("Price(%s) = %d, want %d", code, got, want)
		}
	}
	if got := len(tbl.List()); got != len(Defaults) {
		t.Fatalf("List len = %d, want %d", got, len(Defaults))
	}
}

func TestSetPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl, store := newTable(t)

	tests := []struct {
		name  string
		code  model.JobType
		price int64
		want  error
	}{
		{name: "ok", code: model.TypeImage, price: 55},
		{name: "zero", code: model.TypeImage, price: 0, want: ErrInvalidPrice},
		{name: "negative", code: model.TypeImage, price: -3, want: ErrInvalidPrice},
		{name: "unknown type", code: model.JobType("hologram"), price: 10, want: ErrUnknownType},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tbl.SetPrice(ctx, tt.code, tt.price); !errors.Is(err, tt.want) {
				t.Fatalf("SetPrice = %v, want %v", err, tt.want)
			}
		})
	}

	if got, _ := tbl.Price(model.TypeImage); got != 55 {
		t.Fatalf("Price = %d, want 55", got)
	}

	// The change persists across a reload.
	fresh := New(store, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, _ := fresh.Price(model.TypeImage); got != 55 {
		t.Fatalf("reloaded Price = %d, want 55", got)
	}
}

func TestPriceUnknownType(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t)
	if _, err := tbl.Price(model.JobType("hologram")); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Price = %v, want ErrUnknownType", err)
	}
}
