// Package mocks provides generated mocks for the engine's external ports.
//
// Mocks are generated with go.uber.org/mock (gomock). To regenerate after an
// interface change, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	tracker := mocks.NewMockTracker(ctrl)
//	tracker.EXPECT().DefaultBranch(gomock.Any(), "acme", "widgets").Return("main", nil)
package mocks

// Mock for the issue-tracker port.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=tracker_mock.go github.com/patchforge/patchforge/internal/core Tracker

// Mock for the billing ledger port.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=credit_ledger_mock.go github.com/patchforge/patchforge/internal/core CreditLedger
