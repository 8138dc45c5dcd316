package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantFatal     bool
	}{
		{name: "nil", err: nil},
		{name: "transient", err: Transient(base), wantTransient: true},
		{name: "fatal", err: Fatal(base), wantFatal: true},
		{name: "wrapped transient", err: fmt.Errorf("call failed: %w", Transient(base)), wantTransient: true},
		{name: "wrapped fatal", err: fmt.Errorf("call failed: %w", Fatal(base)), wantFatal: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantTransient: true},
		{name: "unclassified defaults transient", err: base, wantTransient: true},
		{name: "canceled is not retryable", err: context.Canceled},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Fatalf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
			if got := IsFatal(tt.err); got != tt.wantFatal {
				t.Fatalf("IsFatal = %v, want %v", got, tt.wantFatal)
			}
		})
	}
}

func TestWrappersPreserveCause(t *testing.T) {
	t.Parallel()
	base := errors.New("quota exhausted")
	if !errors.Is(Transient(base), base) {
		t.Fatal("Transient lost the cause")
	}
	if !errors.Is(Fatal(base), base) {
		t.Fatal("Fatal lost the cause")
	}
	if Transient(nil) != nil || Fatal(nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}
