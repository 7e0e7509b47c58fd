package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/bizday"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

type bucketKey struct {
	period   string
	branchID int64
}

// SalesReport re-groups closed daily summaries into day, month or year
// buckets. It never reads raw sales. Multi-branch scopes are bucketed per
// (period, branch); a single branch per period only.
func (s *Service) SalesReport(ctx context.Context, req domain.SalesReportRequest) (domain.SalesReport, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return domain.SalesReport{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = domain.ReportModeDay
	}
	if !bizday.ValidMode(mode) {
		return domain.SalesReport{}, validationf("mode must be day, month or year")
	}
	today := s.now().In(s.calendar.Location())
	year := req.Year
	if year == 0 {
		year = today.Year()
	}
	month := 0
	if mode == domain.ReportModeDay {
		month = req.Month
		if month == 0 {
			month = int(today.Month())
		}
	}
	fromDay, toDay, err := bizday.ReportRange(mode, year, month)
	if err != nil {
		return domain.SalesReport{}, validationf("%v", err)
	}

	scope, err := EffectiveScope(caller, req.Branch)
	if err != nil {
		return domain.SalesReport{}, err
	}

	cacheKey := fmt.Sprintf("sales:%s:%d:%d:%s", mode, year, month, scopeLabel(scope))
	// Read before the query so a close that lands mid-query voids the Set.
	generation, genErr := s.reports.Generation(ctx)
	if genErr != nil {
		s.log(ctx).WithError(genErr).Warn("report cache generation read failed")
	}
	if cached, ok, err := s.reports.Get(ctx, cacheKey); err != nil {
		s.log(ctx).WithError(err).Warn("report cache read failed")
	} else if ok {
		return *cached, nil
	}

	summaries, err := s.repo.ListDailySummaries(ctx, store.SummaryFilter{
		FromDay: fromDay,
		ToDay:   toDay,
		Scope:   scope,
	})
	if err != nil {
		s.log(ctx).WithError(err).WithField("scope", scopeLabel(scope)).Error("sales report query failed")
		return domain.SalesReport{}, stepErr(StepReport, err)
	}

	report := domain.SalesReport{
		Mode:    mode,
		Year:    year,
		Month:   month,
		Scope:   scopeLabel(scope),
		FromDay: fromDay,
		ToDay:   toDay,
		Buckets: aggregate(mode, scope, summaries),
		Total:   decimal.Zero,
	}
	for _, b := range report.Buckets {
		report.Bills += b.Bills
		report.Total = report.Total.Add(b.Total)
	}

	if genErr == nil {
		if err := s.reports.Set(ctx, cacheKey, generation, &report, s.reportTTL); err != nil {
			s.log(ctx).WithError(err).Warn("report cache write failed")
		}
	}
	return report, nil
}

func aggregate(mode string, scope domain.BranchScope, summaries []domain.DailySummary) []domain.ReportBucket {
	buckets := make(map[bucketKey]*domain.ReportBucket)
	for _, row := range summaries {
		if !scope.Includes(row.BranchID) {
			continue
		}
		key := bucketKey{period: bizday.Period(mode, row.Day)}
		if scope.All {
			key.branchID = row.BranchID
		} else {
			key.branchID = scope.BranchID
		}
		bucket, ok := buckets[key]
		if !ok {
			bucket = &domain.ReportBucket{
				Period:   key.period,
				BranchID: key.branchID,
			}
			buckets[key] = bucket
		}
		if bucket.BranchName == "" {
			bucket.BranchName = row.BranchName
		}
		bucket.Bills += row.Bills
		bucket.Subtotal = bucket.Subtotal.Add(orZero(row.Subtotal))
		bucket.Discount = bucket.Discount.Add(orZero(row.Discount))
		bucket.VATAmount = bucket.VATAmount.Add(orZero(row.VATAmount))
		bucket.Total = bucket.Total.Add(row.Total)
		bucket.CashTotal = bucket.CashTotal.Add(row.CashTotal)
		bucket.ElectronicTotal = bucket.ElectronicTotal.Add(row.ElectronicTotal)
	}

	result := make([]domain.ReportBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Period == result[j].Period {
			return result[i].BranchID < result[j].BranchID
		}
		return result[i].Period < result[j].Period
	})
	return result
}

func orZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
