package store

import (
	"context"
	"errors"
	"time"

	"backoffice/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// SummaryFilter selects closed-day summaries by inclusive day-key range.
type SummaryFilter struct {
	FromDay string
	ToDay   string
	Scope   domain.BranchScope
}

type Repository interface {
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	GetBranch(ctx context.Context, branchID int64) (*domain.Branch, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// ListCloseableSales returns PAID sales without a closing mark whose
	// sold_at falls inside window.
	ListCloseableSales(ctx context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error)

	// WithinDayClose runs fn as one atomic unit of work for (branchID, dayKey).
	// Nothing fn wrote is visible to other readers unless fn returns nil.
	WithinDayClose(ctx context.Context, branchID int64, dayKey string, fn func(tx DayCloseTx) error) error

	GetDailySummary(ctx context.Context, branchID int64, dayKey string) (*domain.DailySummary, error)
	ListDailySummaries(ctx context.Context, filter SummaryFilter) ([]domain.DailySummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID int64, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// DayCloseTx is the set of reads and writes the day closer performs inside
// one unit of work. Every method is scoped to a single branch.
type DayCloseTx interface {
	GetDailySummary(ctx context.Context, branchID int64, dayKey string) (*domain.DailySummary, error)
	CountMarkedSales(ctx context.Context, branchID int64, window domain.TimeRange) (int64, error)
	MarkSalesClosed(ctx context.Context, branchID int64, window domain.TimeRange, label string) (int64, error)
	ListPaidSales(ctx context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error)
	UpsertDailySummary(ctx context.Context, summary domain.DailySummary) error
}
