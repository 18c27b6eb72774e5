package core

import (
	"context"
	"fmt"
	"time"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// BudgetGateOption configures a BudgetGate.
type BudgetGateOption struct {
	Store       JobStore
	HourlyLimit int64 // tokens per trailing hour, 0 = unlimited
	DailyLimit  int64 // tokens per trailing 24h, 0 = unlimited
	Now         func() time.Time
}

// BudgetGate throttles new claims based on recent token consumption. It is a
// coarse, eventually consistent check over job updated_at attribution, never a
// billing ledger, and it never interrupts work already in flight.
type BudgetGate struct {
	store       JobStore
	hourlyLimit int64
	dailyLimit  int64
	now         func() time.Time
}

// NewBudgetGate creates a BudgetGate.
func NewBudgetGate(opt BudgetGateOption) *BudgetGate {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &BudgetGate{
		store:       opt.Store,
		hourlyLimit: opt.HourlyLimit,
		dailyLimit:  opt.DailyLimit,
		now:         opt.Now,
	}
}

// Usage returns token totals over the trailing hour and trailing 24 hours.
func (g *BudgetGate) Usage(ctx context.Context) (hourly, daily int64, err error) {
	now := g.now()
	hourly, err = g.store.UsageSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return 0, 0, fmt.Errorf("hourly usage: %w", err)
	}
	daily, err = g.store.UsageSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return 0, 0, fmt.Errorf("daily usage: %w", err)
	}
	return hourly, daily, nil
}

// CanRun reports whether a new claim is admissible under the configured limits.
func (g *BudgetGate) CanRun(ctx context.Context) (bool, error) {
	if g.hourlyLimit == 0 && g.dailyLimit == 0 {
		return true, nil
	}
	hourly, daily, err := g.Usage(ctx)
	if err != nil {
		return false, err
	}
	if g.hourlyLimit > 0 && hourly >= g.hourlyLimit {
		return false, nil
	}
	if g.dailyLimit > 0 && daily >= g.dailyLimit {
		return false, nil
	}
	return true, nil
}

// Status returns the operator-facing snapshot, including an estimated resume
// time when a window is exhausted. With both windows exceeded the later
// estimate wins.
func (g *BudgetGate) Status(ctx context.Context) (*model.BudgetSnapshot, error) {
	hourly, daily, err := g.Usage(ctx)
	if err != nil {
		return nil, err
	}
	snap := &model.BudgetSnapshot{
		HourlyUsed:  hourly,
		HourlyLimit: g.hourlyLimit,
		DailyUsed:   daily,
		DailyLimit:  g.dailyLimit,
	}
	now := g.now()
	var resumes time.Time
	if g.hourlyLimit > 0 && hourly >= g.hourlyLimit {
		snap.Paused = true
		resumes = now.Add(time.Hour)
	}
	if g.dailyLimit > 0 && daily >= g.dailyLimit {
		snap.Paused = true
		if dr := now.Add(24 * time.Hour); dr.After(resumes) {
			resumes = dr
		}
	}
	if snap.Paused {
		snap.ResumesAt = &resumes
	}
	return snap, nil
}
