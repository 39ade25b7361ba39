package reasoning

import (
	"fmt"
	"sync"
	"time"
)

// BudgetConfig bounds how much the reasoning client may spend calling the
// LLM endpoint.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// DefaultBudgetConfig mirrors a conservative local-LLM deployment: a small
// daily ceiling, a modest hourly call cap, and pricing left at zero since
// most local endpoints are free to call.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// BudgetTracker enforces a daily USD cap, an hourly call cap, and a
// concurrency limit on outbound LLM calls.
type BudgetTracker struct {
	mu sync.Mutex

	dailyBudgetUSD     float64
	maxCallsPerHour    int
	inputPricePerMTok  float64
	outputPricePerMTok float64

	dailySpendUSD float64
	dailyDate     string
	hourlyCalls   int
	hourlyReset   time.Time

	sem chan struct{}
}

// NewBudgetTracker constructs a tracker from cfg, applying defaults for
// any zero-valued fields.
func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = DefaultBudgetConfig().DailyBudgetUSD
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = DefaultBudgetConfig().MaxCallsPerHour
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = DefaultBudgetConfig().MaxConcurrentCalls
	}
	now := time.Now().UTC()
	return &BudgetTracker{
		dailyBudgetUSD:     cfg.DailyBudgetUSD,
		maxCallsPerHour:    cfg.MaxCallsPerHour,
		inputPricePerMTok:  cfg.InputPricePerMTok,
		outputPricePerMTok: cfg.OutputPricePerMTok,
		dailyDate:          now.Format("2006-01-02"),
		hourlyReset:        now.Add(time.Hour),
		sem:                make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// CheckBudget reports an error if the daily spend or hourly call cap has
// already been exhausted.
func (b *BudgetTracker) CheckBudget() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	if b.dailySpendUSD >= b.dailyBudgetUSD {
		return fmt.Errorf("daily budget exhausted: $%.2f / $%.2f", b.dailySpendUSD, b.dailyBudgetUSD)
	}
	if b.hourlyCalls >= b.maxCallsPerHour {
		return fmt.Errorf("hourly call cap reached: %d / %d", b.hourlyCalls, b.maxCallsPerHour)
	}
	return nil
}

// Acquire blocks until a concurrency slot is free, returning a release
// function the caller must call exactly once.
func (b *BudgetTracker) Acquire() func() {
	b.sem <- struct{}{}
	return func() { <-b.sem }
}

// TryAcquire attempts a non-blocking slot acquisition.
func (b *BudgetTracker) TryAcquire() (func(), bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost computes and accrues the cost of a completed call, returning
// the cost in USD.
func (b *BudgetTracker) RecordCost(inputTokens, outputTokens int) float64 {
	cost := b.CalculateCost(inputTokens, outputTokens)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	b.dailySpendUSD += cost
	b.hourlyCalls++
	return cost
}

// CalculateCost computes the USD cost of a call from its token counts.
func (b *BudgetTracker) CalculateCost(inputTokens, outputTokens int) float64 {
	in := float64(inputTokens) / 1_000_000 * b.inputPricePerMTok
	out := float64(outputTokens) / 1_000_000 * b.outputPricePerMTok
	return in + out
}

// BudgetStats is a snapshot of current spend and call counters.
type BudgetStats struct {
	DailySpendUSD      float64
	DailyBudgetUSD     float64
	DailyRemaining     float64
	HourlyCalls        int
	MaxCallsPerHour    int
	HourlyRemaining    int
	ConcurrentCapacity int
}

// Stats returns a snapshot of the tracker's counters.
func (b *BudgetTracker) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return BudgetStats{
		DailySpendUSD:      b.dailySpendUSD,
		DailyBudgetUSD:     b.dailyBudgetUSD,
		DailyRemaining:     b.dailyBudgetUSD - b.dailySpendUSD,
		HourlyCalls:        b.hourlyCalls,
		MaxCallsPerHour:    b.maxCallsPerHour,
		HourlyRemaining:    b.maxCallsPerHour - b.hourlyCalls,
		ConcurrentCapacity: cap(b.sem),
	}
}

// resetIfNeeded must be called with b.mu held.
func (b *BudgetTracker) resetIfNeeded() {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	if today != b.dailyDate {
		b.dailyDate = today
		b.dailySpendUSD = 0
	}
	if now.After(b.hourlyReset) {
		b.hourlyCalls = 0
		b.hourlyReset = now.Add(time.Hour)
	}
}
