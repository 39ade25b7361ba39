package reasoning

import (
	"testing"
)

func TestBudgetTracker_CheckBudget_WithinLimits(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 10, MaxCallsPerHour: 5, MaxConcurrentCalls: 1})
	if err := b.CheckBudget(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBudgetTracker_CheckBudget_DailyExhausted(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 0.0001, MaxCallsPerHour: 100, MaxConcurrentCalls: 1, InputPricePerMTok: 1, OutputPricePerMTok: 1})
	b.RecordCost(1000, 1000)
	if err := b.CheckBudget(); err == nil {
		t.Fatal("expected daily budget exhausted error")
	}
}

func TestBudgetTracker_CheckBudget_HourlyExhausted(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 1000, MaxCallsPerHour: 2, MaxConcurrentCalls: 1})
	b.RecordCost(1, 1)
	b.RecordCost(1, 1)
	if err := b.CheckBudget(); err == nil {
		t.Fatal("expected hourly cap exhausted error")
	}
}

func TestBudgetTracker_TryAcquire_RespectsConcurrency(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{MaxConcurrentCalls: 1})
	release, ok := b.TryAcquire()
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := b.TryAcquire(); ok {
		t.Fatal("expected second acquire to fail while first is held")
	}
	release()
	if _, ok := b.TryAcquire(); !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestBudgetTracker_CalculateCost(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{InputPricePerMTok: 0.80, OutputPricePerMTok: 4.00})
	cost := b.CalculateCost(1_000_000, 1_000_000)
	if cost != 4.80 {
		t.Errorf("cost = %v, want 4.80", cost)
	}
}

func TestBudgetTracker_Stats(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 10, MaxCallsPerHour: 5, MaxConcurrentCalls: 2})
	stats := b.Stats()
	if stats.DailyBudgetUSD != 10 || stats.MaxCallsPerHour != 5 || stats.ConcurrentCapacity != 2 {
		t.Errorf("got %+v", stats)
	}
}
