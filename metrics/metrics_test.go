package metrics

import (
	"context"
	"testing"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	r, err := New(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r != nil {
		t.Fatal("expected nil Recorder when disabled")
	}
}

func TestNilRecorderMethodsDoNotPanic(t *testing.T) {
	var r *Recorder
	ctx := context.Background()

	r.NotificationProcessed(ctx, "map")
	r.NotificationFailed(ctx, "reduce")
	r.HandlerDuration(ctx, "map", "orders_summary", "orders", 0.01)
	r.VersionSkew(ctx, "orders_summary", "orders")
	r.LeaseAge(ctx, "orders", 3.5)
	r.ResyncChunk(ctx, "orders_summary", "orders")
	if err := r.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown on nil Recorder: %v", err)
	}
}
