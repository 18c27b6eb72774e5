package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
)

// CreditConfig holds the token-to-credit conversion rate.
type CreditConfig struct {
	// TokensPerCredit is how many tokens one credit buys. Zero disables
	// settlement entirely.
	TokensPerCredit int64
}

// CreditServiceOption groups the CreditService's dependencies.
type CreditServiceOption struct {
	Ledger core.CreditLedger
	Logger *slog.Logger
	Config CreditConfig
}

// CreditService converts run token usage into ledger deductions. It satisfies
// the Runner's settlement hook.
type CreditService struct {
	ledger core.CreditLedger
	logger *slog.Logger
	cfg    CreditConfig
}

// NewCreditService creates a CreditService.
func NewCreditService(opt CreditServiceOption) (*CreditService, error) {
	if opt.Ledger == nil {
		return nil, errors.New("credit ledger is required")
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditService{
		ledger: opt.Ledger,
		logger: logger.With("component", "credits"),
		cfg:    opt.Config,
	}, nil
}

// Cost converts a token total into credits, rounding up so partial
// consumption is never free.
func (s *CreditService) Cost(tokens int64) int64 {
	if s.cfg.TokensPerCredit <= 0 || tokens <= 0 {
		return 0
	}
	return (tokens + s.cfg.TokensPerCredit - 1) / s.cfg.TokensPerCredit
}

// Settle deducts the run's consumed tokens from the job's billing account.
// A shortfall drains the balance to its floor via a best-effort partial
// deduction; settlement never fails the run that produced the usage.
func (s *CreditService) Settle(ctx context.Context, job *model.Job, consumed model.TokenUsage) error {
	if job.UserID == nil {
		return nil
	}
	amount := s.Cost(consumed.Total())
	if amount == 0 {
		return nil
	}

	memo := fmt.Sprintf("run %s: %d tokens", job.Key(), consumed.Total())
	err := s.ledger.Deduct(ctx, *job.UserID, amount, memo)
	if err == nil {
		s.logger.InfoContext(ctx, "run settled",
			"job", job.Key(), "user", *job.UserID, "credits", amount)
		return nil
	}
	if !errors.Is(err, core.ErrInsufficientCredit) {
		return fmt.Errorf("settle run: %w", err)
	}

	balance, balErr := s.ledger.Balance(ctx, *job.UserID)
	if balErr != nil || balance <= 0 {
		return nil
	}
	if partialErr := s.ledger.Deduct(ctx, *job.UserID, balance, memo+" (partial)"); partialErr != nil {
		return fmt.Errorf("partial settle: %w", partialErr)
	}
	s.logger.WarnContext(ctx, "account drained by partial settlement",
		"job", job.Key(), "user", *job.UserID, "owed", amount, "charged", balance)
	return nil
}
