package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestGateBlocksUntilSet(t *testing.T) {
	g := NewGate(false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatal("wait on a lowered gate should block")
	}
	g.Set(true)
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !g.IsSet() {
		t.Error("IsSet")
	}
	// Lower and raise again.
	g.Set(false)
	g.Set(true)
	if err := g.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEdgeCoalescesAndClears(t *testing.T) {
	e := NewEdge()
	e.Signal()
	e.Signal()
	e.Signal()
	if !e.Pending() {
		t.Fatal("edge should be armed")
	}
	if err := e.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Pending() {
		t.Fatal("repeated signals must coalesce into one")
	}
	e.Signal()
	e.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Error("cleared edge should not wake a waiter")
	}
}
