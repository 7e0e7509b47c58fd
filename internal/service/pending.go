package service

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/payment"
)

// FindPendingDays groups the branch's closeable sales by business day and
// returns draft totals, ascending by day key. lookbackDays of 0 uses the
// configured default. Drafts are recomputed on every call.
func (s *Service) FindPendingDays(ctx context.Context, branchID int64, lookbackDays int) ([]domain.PendingDay, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	branchID, err = effectiveBranch(caller, branchID)
	if err != nil {
		return nil, err
	}
	if lookbackDays == 0 {
		lookbackDays = s.lookbackDays
	}
	if lookbackDays < 1 || lookbackDays > maxLookbackDays {
		return nil, validationf("lookback must be between 1 and %d days", maxLookbackDays)
	}
	if _, err := s.ensureBranch(ctx, branchID); err != nil {
		return nil, err
	}

	window := s.calendar.LookbackRange(s.now(), lookbackDays)
	sales, err := s.repo.ListCloseableSales(ctx, branchID, window)
	if err != nil {
		s.log(ctx).WithError(err).WithField("branch_id", branchID).Error("pending day scan failed")
		return nil, stepErr(StepFetch, err)
	}

	byDay := make(map[string]*payment.Totals)
	skipped := 0
	for _, sale := range sales {
		if !sale.Closeable() {
			continue
		}
		key := s.calendar.DayKey(sale.SoldAt)
		if key == "" {
			skipped++
			continue
		}
		totals, ok := byDay[key]
		if !ok {
			totals = &payment.Totals{}
			byDay[key] = totals
		}
		totals.Add(sale.Total, sale.PaymentMethod)
	}
	if skipped > 0 {
		s.log(ctx).WithFields(logrus.Fields{
			"branch_id": branchID,
			"skipped":   skipped,
		}).Warn("sales without a usable timestamp left out of pending days")
	}

	days := make([]domain.PendingDay, 0, len(byDay))
	for key, totals := range byDay {
		days = append(days, domain.PendingDay{
			DayKey:          key,
			Bills:           totals.Bills,
			Total:           totals.Total,
			CashTotal:       totals.Cash,
			ElectronicTotal: totals.Electronic,
		})
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].DayKey < days[j].DayKey
	})
	return days, nil
}
