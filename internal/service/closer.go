package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/lock"
	"backoffice/backend/internal/payment"
	"backoffice/backend/internal/store"
)

// ClosingLabel is written both as the closing mark on each sale and as the
// summary note.
func ClosingLabel(dayKey string) string {
	return "Day closed " + dayKey
}

// CloseDay marks every closeable sale of (branchID, dayKey), recomputes the
// day from all of its PAID sales and upserts the summary, as one unit of
// work. Re-closing a day recomputes and overwrites; it never accumulates.
func (s *Service) CloseDay(ctx context.Context, branchID int64, dayKey string) (domain.CloseDayResult, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return domain.CloseDayResult{}, err
	}
	if err := authorizeClose(caller, branchID); err != nil {
		return domain.CloseDayResult{}, err
	}
	dayKey = strings.TrimSpace(dayKey)
	window, err := s.calendar.DayWindow(dayKey)
	if err != nil {
		return domain.CloseDayResult{}, validationf("day must be YYYY-MM-DD")
	}
	if _, err := s.ensureBranch(ctx, branchID); err != nil {
		return domain.CloseDayResult{}, err
	}

	logger := s.log(ctx).WithFields(logrus.Fields{
		"branch_id": branchID,
		"day":       dayKey,
	})

	lease, err := s.locker.Obtain(ctx, lock.DayCloseKey(branchID, dayKey), s.lockTTL)
	if err != nil {
		logger.WithError(err).Warn("day close lock not obtained")
		return domain.CloseDayResult{}, stepErr(StepLock, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("failed to release day close lock")
		}
	}()

	label := ClosingLabel(dayKey)
	var result domain.CloseDayResult
	err = s.repo.WithinDayClose(ctx, branchID, dayKey, func(tx store.DayCloseTx) error {
		// The store may retry this function; it must not carry state across runs.
		state := domain.CloseStateClosed
		prior, err := tx.GetDailySummary(ctx, branchID, dayKey)
		switch {
		case err == nil && prior != nil:
			state = domain.CloseStateReclosed
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return stepErr(StepFetch, err)
		}
		if state == domain.CloseStateClosed {
			alreadyMarked, err := tx.CountMarkedSales(ctx, branchID, window)
			if err != nil {
				return stepErr(StepFetch, err)
			}
			if alreadyMarked > 0 {
				state = domain.CloseStateRepaired
				logger.WithError(ErrInconsistentState).WithField("marked_without_summary", alreadyMarked).
					Warn("repairing day with marked sales but no summary")
			}
		}

		marked, err := tx.MarkSalesClosed(ctx, branchID, window, label)
		if err != nil {
			return stepErr(StepMark, err)
		}

		sales, err := tx.ListPaidSales(ctx, branchID, window)
		if err != nil {
			return stepErr(StepRecompute, err)
		}
		if len(sales) == 0 {
			return validationf("no paid sales on %s for branch %d", dayKey, branchID)
		}

		summary := summarize(sales)
		summary.Day = dayKey
		summary.BranchID = branchID
		summary.ClosedAt = s.now().UTC()
		summary.ClosedBy = caller.UserID
		summary.Note = label

		if err := tx.UpsertDailySummary(ctx, summary); err != nil {
			return stepErr(StepPersist, err)
		}

		result = domain.CloseDayResult{
			BranchID: branchID,
			DayKey:   dayKey,
			Success:  true,
			State:    state,
			Marked:   marked,
			Summary:  summary,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrValidation) {
			var se *StepError
			if !errors.As(err, &se) {
				// Commit or begin failures surface from the store itself.
				err = stepErr(StepPersist, err)
			}
			logger.WithError(err).Error("day close failed")
		}
		return domain.CloseDayResult{}, err
	}

	if err := s.reports.Invalidate(ctx); err != nil {
		logger.WithError(err).Warn("failed to invalidate report cache")
	}

	s.logAudit(ctx, branchID, "close_day", "daily_summary", fmt.Sprintf("%d:%s", branchID, dayKey),
		fmt.Sprintf("state=%s bills=%d total=%s marked=%d", result.State, result.Summary.Bills, result.Summary.Total.StringFixed(2), result.Marked))

	logger.WithFields(logrus.Fields{
		"state":  result.State,
		"marked": result.Marked,
		"bills":  result.Summary.Bills,
		"total":  result.Summary.Total.StringFixed(2),
	}).Info("day closed")
	return result, nil
}

// summarize recomputes a day from scratch.
func summarize(sales []domain.Sale) domain.DailySummary {
	var totals payment.Totals
	for _, sale := range sales {
		totals.Add(sale.Total, sale.PaymentMethod)
		totals.AddBreakdown(sale.Subtotal, sale.Discount, sale.VATAmount)
	}
	return domain.DailySummary{
		Bills:           totals.Bills,
		Subtotal:        decimal.NewNullDecimal(totals.Subtotal),
		Discount:        decimal.NewNullDecimal(totals.Discount),
		VATAmount:       decimal.NewNullDecimal(totals.VAT),
		Total:           totals.Total,
		CashTotal:       totals.Cash,
		ElectronicTotal: totals.Electronic,
	}
}

// CloseAllPending closes every pending day of the branch in ascending day
// order. A failed day is recorded and the loop moves on.
func (s *Service) CloseAllPending(ctx context.Context, branchID int64) (domain.BulkCloseResult, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return domain.BulkCloseResult{}, err
	}
	if err := authorizeClose(caller, branchID); err != nil {
		return domain.BulkCloseResult{}, err
	}

	pending, err := s.FindPendingDays(ctx, branchID, 0)
	if err != nil {
		return domain.BulkCloseResult{}, err
	}

	result := domain.BulkCloseResult{
		BranchID: branchID,
		Days:     make([]domain.CloseDayResult, 0, len(pending)),
	}
	for _, day := range pending {
		if ctx.Err() != nil {
			break
		}
		closed, err := s.CloseDay(ctx, branchID, day.DayKey)
		if err != nil {
			failed := domain.CloseDayResult{
				BranchID: branchID,
				DayKey:   day.DayKey,
				Error:    err.Error(),
			}
			var se *StepError
			if errors.As(err, &se) {
				failed.Step = se.Step
			}
			result.Days = append(result.Days, failed)
			result.Failed++
			continue
		}
		result.Days = append(result.Days, closed)
		result.Closed++
	}
	result.Completed = len(result.Days) == len(pending)

	s.logAudit(ctx, branchID, "close_all_pending", "branch", fmt.Sprintf("%d", branchID),
		fmt.Sprintf("pending=%d closed=%d failed=%d completed=%t", len(pending), result.Closed, result.Failed, result.Completed))
	return result, nil
}

// GetDaySummary returns the stored summary of a closed day. Non-admin callers
// read their own branch.
func (s *Service) GetDaySummary(ctx context.Context, branchID int64, dayKey string) (domain.DailySummary, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return domain.DailySummary{}, err
	}
	branchID, err = effectiveBranch(caller, branchID)
	if err != nil {
		return domain.DailySummary{}, err
	}
	dayKey = strings.TrimSpace(dayKey)
	if _, err := s.calendar.ParseDayKey(dayKey); err != nil {
		return domain.DailySummary{}, validationf("day must be YYYY-MM-DD")
	}

	summary, err := s.repo.GetDailySummary(ctx, branchID, dayKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.DailySummary{}, err
		}
		return domain.DailySummary{}, stepErr(StepFetch, err)
	}
	return *summary, nil
}
