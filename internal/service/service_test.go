package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/bizday"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/logging"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
)

var testNow = time.Date(2025, 3, 20, 5, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	repo.AddBranch(domain.Branch{ID: 1, Name: "Central"})
	repo.AddBranch(domain.Branch{ID: 2, Name: "Riverside"})
	return newServiceWithRepo(repo), repo
}

func newServiceWithRepo(repo store.Repository) *Service {
	return New(repo, Options{
		Calendar:    bizday.Bangkok(),
		ReportCache: cache.NewMemoryReportCache(time.Minute),
		Logger:      logging.Discard(),
		Now:         func() time.Time { return testNow },
	})
}

func adminCtx() context.Context {
	return WithCaller(context.Background(), domain.Caller{UserID: "u-admin", Username: "admin", Role: domain.RoleAdmin, BranchID: 1})
}

func managerCtx(branchID int64) context.Context {
	return WithCaller(context.Background(), domain.Caller{UserID: fmt.Sprintf("u-mgr-%d", branchID), Username: "manager", Role: domain.RoleManager, BranchID: branchID})
}

func staffCtx(branchID int64) context.Context {
	return WithCaller(context.Background(), domain.Caller{UserID: fmt.Sprintf("u-staff-%d", branchID), Username: "staff", Role: domain.RoleStaff, BranchID: branchID})
}

func localTime(t *testing.T, day string, hour int) time.Time {
	t.Helper()
	midnight, err := bizday.Bangkok().ParseDayKey(day)
	if err != nil {
		t.Fatalf("bad test day %q: %v", day, err)
	}
	return midnight.Add(time.Duration(hour) * time.Hour)
}

func addSale(t *testing.T, repo *memory.Store, branchID int64, soldAt time.Time, total int64, method string) domain.Sale {
	t.Helper()
	amount := decimal.NewFromInt(total)
	sale, err := repo.CreateSale(context.Background(), domain.Sale{
		BranchID:      branchID,
		SoldAt:        soldAt,
		Subtotal:      amount,
		Total:         amount,
		PaymentMethod: method,
		Status:        domain.SaleStatusPaid,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return *sale
}

func seedScenario(t *testing.T, repo *memory.Store) []domain.Sale {
	t.Helper()
	return []domain.Sale{
		addSale(t, repo, 1, localTime(t, "2025-03-10", 9), 100, "CASH"),
		addSale(t, repo, 1, localTime(t, "2025-03-10", 13), 200, "PROMPTPAY"),
		addSale(t, repo, 1, localTime(t, "2025-03-10", 23), 50, "BARTER"),
	}
}

func assertSummary(t *testing.T, got domain.DailySummary, bills int64, total, cash, electronic int64) {
	t.Helper()
	if got.Bills != bills {
		t.Fatalf("expected %d bills, got %d", bills, got.Bills)
	}
	if !got.Total.Equal(decimal.NewFromInt(total)) {
		t.Fatalf("expected total %d, got %s", total, got.Total)
	}
	if !got.CashTotal.Equal(decimal.NewFromInt(cash)) {
		t.Fatalf("expected cash %d, got %s", cash, got.CashTotal)
	}
	if !got.ElectronicTotal.Equal(decimal.NewFromInt(electronic)) {
		t.Fatalf("expected electronic %d, got %s", electronic, got.ElectronicTotal)
	}
}

func pendingKeys(days []domain.PendingDay) []string {
	keys := make([]string, 0, len(days))
	for _, d := range days {
		keys = append(keys, d.DayKey)
	}
	return keys
}

func containsKey(days []domain.PendingDay, key string) bool {
	for _, d := range days {
		if d.DayKey == key {
			return true
		}
	}
	return false
}

func TestCloseDayScenarioTotals(t *testing.T) {
	svc, repo := newTestService(t)
	sales := seedScenario(t, repo)
	otherDay := addSale(t, repo, 1, localTime(t, "2025-03-11", 1), 70, "CASH")
	otherBranch := addSale(t, repo, 2, localTime(t, "2025-03-10", 12), 90, "CASH")

	result, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("close day failed: %v", err)
	}
	if !result.Success || result.State != domain.CloseStateClosed || result.Marked != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	assertSummary(t, result.Summary, 3, 350, 100, 200)
	if result.Summary.Note != "Day closed 2025-03-10" || result.Summary.ClosedBy != "u-admin" {
		t.Fatalf("unexpected note/actor %q/%q", result.Summary.Note, result.Summary.ClosedBy)
	}
	if !result.Summary.Subtotal.Valid || !result.Summary.Subtotal.Decimal.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("expected subtotal breakdown 350, got %+v", result.Summary.Subtotal)
	}

	for _, sale := range sales {
		stored, _ := repo.Sale(sale.ID)
		if stored.ClosingMark != "Day closed 2025-03-10" {
			t.Fatalf("sale %d not marked: %q", sale.ID, stored.ClosingMark)
		}
	}
	for _, sale := range []domain.Sale{otherDay, otherBranch} {
		stored, _ := repo.Sale(sale.ID)
		if stored.ClosingMark != "" {
			t.Fatalf("sale %d outside (branch, day) must stay open", sale.ID)
		}
	}

	stored, err := svc.GetDaySummary(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	assertSummary(t, stored, 3, 350, 100, 200)
}

func TestCloseDayIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	first, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	second, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.State != domain.CloseStateReclosed || second.Marked != 0 {
		t.Fatalf("expected reclosed with nothing newly marked, got %+v", second)
	}
	if first.Summary.Bills != second.Summary.Bills || !first.Summary.Total.Equal(second.Summary.Total) ||
		!first.Summary.CashTotal.Equal(second.Summary.CashTotal) || !first.Summary.ElectronicTotal.Equal(second.Summary.ElectronicTotal) {
		t.Fatalf("re-close changed totals: %+v vs %+v", first.Summary, second.Summary)
	}
}

func TestReCloseRecomputesInsteadOfAccumulating(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	if _, err := svc.CloseDay(adminCtx(), 1, "2025-03-10"); err != nil {
		t.Fatalf("close: %v", err)
	}
	addSale(t, repo, 1, localTime(t, "2025-03-10", 20), 25, "thai qr")

	again, err := svc.CloseDay(managerCtx(1), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if again.Marked != 1 {
		t.Fatalf("expected only the late sale to be marked, got %d", again.Marked)
	}
	assertSummary(t, again.Summary, 4, 375, 100, 225)
}

func TestConcurrentCloseDoesNotDoubleCount(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]domain.CloseDayResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CloseDay(adminCtx(), 1, "2025-03-10")
		}(i)
	}
	wg.Wait()

	firstCloses := 0
	var marked int64
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i].State == domain.CloseStateClosed {
			firstCloses++
		}
		marked += results[i].Marked
	}
	if firstCloses != 1 {
		t.Fatalf("expected exactly one first close, got %d", firstCloses)
	}
	if marked != 3 {
		t.Fatalf("expected each sale marked once across workers, got %d", marked)
	}

	summary, err := svc.GetDaySummary(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	assertSummary(t, summary, 3, 350, 100, 200)
}

func TestPendingDaysExcludeClosedDay(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	addSale(t, repo, 1, localTime(t, "2025-03-11", 8), 40, "CASH")

	before, err := svc.FindPendingDays(adminCtx(), 1, 0)
	if err != nil {
		t.Fatalf("pending before: %v", err)
	}
	if got := pendingKeys(before); len(got) != 2 || got[0] != "2025-03-10" || got[1] != "2025-03-11" {
		t.Fatalf("unexpected pending days %v", got)
	}
	if before[0].Bills != 3 || !before[0].Total.Equal(decimal.NewFromInt(350)) ||
		!before[0].CashTotal.Equal(decimal.NewFromInt(100)) || !before[0].ElectronicTotal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected draft %+v", before[0])
	}

	if _, err := svc.CloseDay(adminCtx(), 1, "2025-03-10"); err != nil {
		t.Fatalf("close: %v", err)
	}

	after, err := svc.FindPendingDays(adminCtx(), 1, 0)
	if err != nil {
		t.Fatalf("pending after: %v", err)
	}
	if containsKey(after, "2025-03-10") {
		t.Fatalf("closed day still pending: %v", pendingKeys(after))
	}
	if !containsKey(after, "2025-03-11") {
		t.Fatalf("open day disappeared: %v", pendingKeys(after))
	}
}

func TestPendingDaysGroupByBusinessDay(t *testing.T) {
	svc, repo := newTestService(t)
	addSale(t, repo, 1, time.Date(2025, 3, 10, 17, 30, 0, 0, time.UTC), 10, "CASH")
	addSale(t, repo, 1, time.Date(2025, 3, 10, 16, 59, 0, 0, time.UTC), 20, "CASH")

	days, err := svc.FindPendingDays(adminCtx(), 1, 30)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got := pendingKeys(days); len(got) != 2 || got[0] != "2025-03-10" || got[1] != "2025-03-11" {
		t.Fatalf("expected UTC+7 grouping, got %v", got)
	}
}

func TestPendingDaysRespectsLookback(t *testing.T) {
	svc, repo := newTestService(t)
	addSale(t, repo, 1, localTime(t, "2024-10-01", 10), 10, "CASH")
	addSale(t, repo, 1, localTime(t, "2025-03-01", 10), 10, "CASH")

	days, err := svc.FindPendingDays(adminCtx(), 1, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got := pendingKeys(days); len(got) != 1 || got[0] != "2025-03-01" {
		t.Fatalf("expected only in-window day, got %v", got)
	}

	for _, bad := range []int{-1, 367} {
		if _, err := svc.FindPendingDays(adminCtx(), 1, bad); !errors.Is(err, ErrValidation) {
			t.Fatalf("lookback %d: expected ErrValidation, got %v", bad, err)
		}
	}
	if _, err := svc.FindPendingDays(adminCtx(), 99, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown branch to be a validation error, got %v", err)
	}
}

func TestPendingDaysForcedToCallerBranch(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	addSale(t, repo, 2, localTime(t, "2025-03-12", 10), 55, "QR")

	days, err := svc.FindPendingDays(staffCtx(2), 1, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got := pendingKeys(days); len(got) != 1 || got[0] != "2025-03-12" {
		t.Fatalf("expected branch 2 days only, got %v", got)
	}
}

func TestPendingDaysFetchFailureReturnsNoPartialResult(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	repo.InjectFailure(memory.OpListCloseable, errors.New("connection reset"))

	days, err := svc.FindPendingDays(adminCtx(), 1, 0)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepFetch {
		t.Fatalf("expected fetch step error, got %v", err)
	}
	if days != nil {
		t.Fatalf("expected no partial result, got %v", days)
	}
}

func TestCloseDayFailuresLeaveNothingBehind(t *testing.T) {
	cases := []struct {
		op   string
		step string
	}{
		{memory.OpMark, StepMark},
		{memory.OpListPaid, StepRecompute},
		{memory.OpUpsert, StepPersist},
	}
	for _, tc := range cases {
		t.Run(tc.step, func(t *testing.T) {
			svc, repo := newTestService(t)
			sales := seedScenario(t, repo)
			repo.InjectFailure(tc.op, errors.New("disk full"))

			_, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
			var se *StepError
			if !errors.As(err, &se) || se.Step != tc.step {
				t.Fatalf("expected %s step error, got %v", tc.step, err)
			}
			for _, sale := range sales {
				stored, _ := repo.Sale(sale.ID)
				if stored.ClosingMark != "" {
					t.Fatalf("sale %d must stay open after a failed close", sale.ID)
				}
			}
			if _, err := repo.GetDailySummary(context.Background(), 1, "2025-03-10"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected no summary after failed close, got %v", err)
			}

			repo.ClearFailures()
			retry, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
			if err != nil {
				t.Fatalf("retry failed: %v", err)
			}
			if retry.State != domain.CloseStateClosed {
				t.Fatalf("expected clean first close on retry, got %s", retry.State)
			}
			assertSummary(t, retry.Summary, 3, 350, 100, 200)
		})
	}
}

func TestCloseDayRepairsMarkedSalesWithoutSummary(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	if _, err := repo.CreateSale(context.Background(), domain.Sale{
		BranchID:      1,
		SoldAt:        localTime(t, "2025-03-10", 15),
		Total:         decimal.NewFromInt(30),
		PaymentMethod: "CASH",
		Status:        domain.SaleStatusPaid,
		ClosingMark:   ClosingLabel("2025-03-10"),
	}); err != nil {
		t.Fatalf("create marked sale: %v", err)
	}

	result, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.State != domain.CloseStateRepaired {
		t.Fatalf("expected repaired state, got %s", result.State)
	}
	assertSummary(t, result.Summary, 4, 380, 130, 200)
}

func TestCloseDayAuthorization(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	if _, err := svc.CloseDay(context.Background(), 1, "2025-03-10"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without caller, got %v", err)
	}
	if _, err := svc.CloseDay(staffCtx(1), 1, "2025-03-10"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff to be forbidden, got %v", err)
	}
	if _, err := svc.CloseDay(managerCtx(2), 1, "2025-03-10"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected other-branch manager to be forbidden, got %v", err)
	}
	if _, err := repo.GetDailySummary(context.Background(), 1, "2025-03-10"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected closes must not write a summary")
	}
	if _, err := svc.CloseDay(managerCtx(1), 1, "2025-03-10"); err != nil {
		t.Fatalf("expected own-branch manager to close, got %v", err)
	}
}

func TestCloseDayValidation(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	for _, key := range []string{"", "2025-3-10", "2025-02-30", "tomorrow"} {
		if _, err := svc.CloseDay(adminCtx(), 1, key); !errors.Is(err, ErrValidation) {
			t.Fatalf("day %q: expected ErrValidation, got %v", key, err)
		}
	}
	if _, err := svc.CloseDay(adminCtx(), 42, "2025-03-10"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown branch to fail validation, got %v", err)
	}
	if _, err := svc.CloseDay(adminCtx(), 1, "2025-03-09"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty day to fail validation, got %v", err)
	}
	if _, err := repo.GetDailySummary(context.Background(), 1, "2025-03-09"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty day must not produce a summary")
	}
}

type flakyRepo struct {
	*memory.Store
	failDay string
}

func (r *flakyRepo) WithinDayClose(ctx context.Context, branchID int64, dayKey string, fn func(tx store.DayCloseTx) error) error {
	if dayKey == r.failDay {
		return errors.New("could not serialize access")
	}
	return r.Store.WithinDayClose(ctx, branchID, dayKey, fn)
}

func TestCloseAllPendingCollectsPerDayOutcomes(t *testing.T) {
	repo := memory.New()
	repo.AddBranch(domain.Branch{ID: 1, Name: "Central"})
	svc := newServiceWithRepo(&flakyRepo{Store: repo, failDay: "2025-03-11"})

	seedScenario(t, repo)
	addSale(t, repo, 1, localTime(t, "2025-03-11", 10), 40, "CASH")
	addSale(t, repo, 1, localTime(t, "2025-03-12", 10), 60, "PromptPay")

	result, err := svc.CloseAllPending(managerCtx(1), 1)
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if !result.Completed || result.Closed != 2 || result.Failed != 1 || len(result.Days) != 3 {
		t.Fatalf("unexpected bulk result %+v", result)
	}
	order := []string{"2025-03-10", "2025-03-11", "2025-03-12"}
	for i, day := range result.Days {
		if day.DayKey != order[i] {
			t.Fatalf("expected ascending day order, got %s at %d", day.DayKey, i)
		}
	}
	failed := result.Days[1]
	if failed.Success || failed.Error == "" || failed.Step != StepPersist {
		t.Fatalf("expected failed middle day with step, got %+v", failed)
	}
	if !result.Days[2].Success {
		t.Fatalf("expected loop to continue past the failure")
	}

	remaining, err := svc.FindPendingDays(adminCtx(), 1, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got := pendingKeys(remaining); len(got) != 1 || got[0] != "2025-03-11" {
		t.Fatalf("expected only the failed day to remain pending, got %v", got)
	}
}

func TestCloseAllPendingRejectsStaff(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)

	if _, err := svc.CloseAllPending(staffCtx(1), 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func closeDays(t *testing.T, svc *Service, branchID int64, days ...string) {
	t.Helper()
	for _, day := range days {
		if _, err := svc.CloseDay(adminCtx(), branchID, day); err != nil {
			t.Fatalf("close %d/%s: %v", branchID, day, err)
		}
	}
}

func TestSalesReportGroupsByPeriodAndBranch(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	addSale(t, repo, 1, localTime(t, "2025-03-11", 10), 40, "CASH")
	addSale(t, repo, 2, localTime(t, "2025-03-10", 10), 90, "QR")
	addSale(t, repo, 2, localTime(t, "2025-02-03", 10), 15, "card")
	closeDays(t, svc, 1, "2025-03-10", "2025-03-11")
	closeDays(t, svc, 2, "2025-03-10", "2025-02-03")

	all, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: "ALL"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(all.Buckets) != 3 {
		t.Fatalf("expected 3 (period, branch) buckets, got %+v", all.Buckets)
	}
	first, second, third := all.Buckets[0], all.Buckets[1], all.Buckets[2]
	if first.Period != "2025-02" || first.BranchID != 2 {
		t.Fatalf("unexpected first bucket %+v", first)
	}
	if second.Period != "2025-03" || second.BranchID != 1 || second.Bills != 4 || !second.Total.Equal(decimal.NewFromInt(390)) {
		t.Fatalf("unexpected branch 1 march bucket %+v", second)
	}
	if second.BranchName != "Central" {
		t.Fatalf("expected branch name on bucket, got %q", second.BranchName)
	}
	if third.Period != "2025-03" || third.BranchID != 2 || !third.ElectronicTotal.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("unexpected branch 2 march bucket %+v", third)
	}
	if all.Bills != 6 || !all.Total.Equal(decimal.NewFromInt(495)) {
		t.Fatalf("unexpected grand totals bills=%d total=%s", all.Bills, all.Total)
	}

	single, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "year", Year: 2025, Branch: "2"})
	if err != nil {
		t.Fatalf("single report: %v", err)
	}
	if len(single.Buckets) != 1 || single.Buckets[0].Period != "2025" || single.Buckets[0].Bills != 2 {
		t.Fatalf("expected one yearly bucket for branch 2, got %+v", single.Buckets)
	}

	daily, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "day", Year: 2025, Month: 3, Branch: "1"})
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if len(daily.Buckets) != 2 || daily.Buckets[0].Period != "2025-03-10" || daily.Buckets[1].Period != "2025-03-11" {
		t.Fatalf("unexpected daily buckets %+v", daily.Buckets)
	}
	if daily.FromDay != "2025-03-01" || daily.ToDay != "2025-03-31" {
		t.Fatalf("expected day mode to span the month, got %s..%s", daily.FromDay, daily.ToDay)
	}
}

func TestSalesReportForcesNonAdminScope(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	addSale(t, repo, 2, localTime(t, "2025-03-10", 10), 90, "QR")
	closeDays(t, svc, 1, "2025-03-10")
	closeDays(t, svc, 2, "2025-03-10")

	for _, requested := range []string{"ALL", "1", "", "garbage"} {
		report, err := svc.SalesReport(staffCtx(2), domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: requested})
		if err != nil {
			t.Fatalf("branch %q: %v", requested, err)
		}
		if report.Scope != "2" {
			t.Fatalf("branch %q: expected scope forced to 2, got %s", requested, report.Scope)
		}
		for _, b := range report.Buckets {
			if b.BranchID != 2 {
				t.Fatalf("branch %q: leaked bucket for branch %d", requested, b.BranchID)
			}
		}
		if report.Bills != 1 {
			t.Fatalf("branch %q: expected 1 bill, got %d", requested, report.Bills)
		}
	}
}

func TestSalesReportYearModeSpansFiveYears(t *testing.T) {
	svc, repo := newTestService(t)
	addSale(t, repo, 1, localTime(t, "2020-12-31", 10), 5, "CASH")
	addSale(t, repo, 1, localTime(t, "2021-01-01", 10), 7, "CASH")
	addSale(t, repo, 1, localTime(t, "2025-03-10", 10), 11, "CASH")
	closeDays(t, svc, 1, "2020-12-31", "2021-01-01", "2025-03-10")

	report, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "year", Year: 2025, Branch: "1"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Buckets) != 2 || report.Buckets[0].Period != "2021" || report.Buckets[1].Period != "2025" {
		t.Fatalf("expected 2021..2025 buckets only, got %+v", report.Buckets)
	}
}

func TestSalesReportCacheInvalidatedByClose(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	closeDays(t, svc, 1, "2025-03-10")

	req := domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: "1"}
	before, err := svc.SalesReport(adminCtx(), req)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	addSale(t, repo, 1, localTime(t, "2025-03-12", 10), 45, "CASH")
	closeDays(t, svc, 1, "2025-03-12")

	after, err := svc.SalesReport(adminCtx(), req)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if after.Bills != before.Bills+1 || !after.Total.Equal(before.Total.Add(decimal.NewFromInt(45))) {
		t.Fatalf("expected report to reflect the new close, before=%d/%s after=%d/%s", before.Bills, before.Total, after.Bills, after.Total)
	}
}

func TestSalesReportTreatsMissingBreakdownAsZero(t *testing.T) {
	svc, repo := newTestService(t)
	err := repo.WithinDayClose(context.Background(), 1, "2025-03-10", func(tx store.DayCloseTx) error {
		return tx.UpsertDailySummary(context.Background(), domain.DailySummary{
			Day:      "2025-03-10",
			BranchID: 1,
			Bills:    2,
			Total:    decimal.NewFromInt(80),
			ClosedAt: testNow,
			ClosedBy: "legacy",
		})
	})
	if err != nil {
		t.Fatalf("seed legacy summary: %v", err)
	}

	report, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: "1"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Buckets) != 1 {
		t.Fatalf("expected one bucket, got %d", len(report.Buckets))
	}
	b := report.Buckets[0]
	if !b.Subtotal.IsZero() || !b.Discount.IsZero() || !b.VATAmount.IsZero() || !b.Total.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected missing breakdown summed as zero, got %+v", b)
	}
}

func TestSalesReportErrors(t *testing.T) {
	svc, repo := newTestService(t)

	if _, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "week", Year: 2025}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected bad mode to fail validation, got %v", err)
	}
	if _, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "day", Year: 2025, Month: 13}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected bad month to fail validation, got %v", err)
	}
	if _, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: "east"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected malformed admin branch to fail validation, got %v", err)
	}
	if _, err := svc.SalesReport(context.Background(), domain.SalesReportRequest{Mode: "month"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	repo.InjectFailure(memory.OpListSummaries, errors.New("timeout"))
	_, err := svc.SalesReport(adminCtx(), domain.SalesReportRequest{Mode: "month", Year: 2025})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepReport {
		t.Fatalf("expected report step error, got %v", err)
	}
}

func TestEffectiveScope(t *testing.T) {
	admin := domain.Caller{UserID: "a", Role: domain.RoleAdmin}
	manager := domain.Caller{UserID: "m", Role: domain.RoleManager, BranchID: 3}

	cases := []struct {
		caller    domain.Caller
		requested string
		want      domain.BranchScope
		wantErr   error
	}{
		{admin, "ALL", domain.AllBranches(), nil},
		{admin, "all", domain.AllBranches(), nil},
		{admin, "", domain.AllBranches(), nil},
		{admin, "7", domain.SingleBranch(7), nil},
		{admin, "0", domain.BranchScope{}, ErrValidation},
		{admin, "x", domain.BranchScope{}, ErrValidation},
		{manager, "ALL", domain.SingleBranch(3), nil},
		{manager, "7", domain.SingleBranch(3), nil},
		{manager, "x", domain.SingleBranch(3), nil},
		{domain.Caller{UserID: "s", Role: domain.RoleStaff}, "ALL", domain.BranchScope{}, ErrForbidden},
	}
	for _, tc := range cases {
		got, err := EffectiveScope(tc.caller, tc.requested)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s/%q: expected %v, got %v", tc.caller.Role, tc.requested, tc.wantErr, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s/%q: expected %+v, got %+v (%v)", tc.caller.Role, tc.requested, tc.want, got, err)
		}
	}
}

func TestChannelSplitNeverExceedsTotal(t *testing.T) {
	svc, repo := newTestService(t)
	labels := []string{"CASH", "PromptPay", "QR", "bank transfer", "card", "", "cash ", "voucher"}
	for i := 0; i < 40; i++ {
		addSale(t, repo, 1, localTime(t, "2025-03-10", i%24), int64(10+i*3), labels[i%len(labels)])
	}

	result, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	s := result.Summary
	if s.CashTotal.Add(s.ElectronicTotal).GreaterThan(s.Total) {
		t.Fatalf("split %s + %s exceeds total %s", s.CashTotal, s.ElectronicTotal, s.Total)
	}
	if s.CashTotal.Add(s.ElectronicTotal).Equal(s.Total) {
		t.Fatalf("expected unclassified labels to keep the split below total")
	}
}

func TestCloseDayWritesAuditLog(t *testing.T) {
	svc, repo := newTestService(t)
	seedScenario(t, repo)
	closeDays(t, svc, 1, "2025-03-10")

	logs, err := svc.ListAuditLogs(adminCtx(), 1, "", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "close_day" || logs[0].ActorUserID != "u-admin" || logs[0].EntityID != "1:2025-03-10" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
	if _, err := svc.ListAuditLogs(managerCtx(1), 1, "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-admin audit read to be forbidden, got %v", err)
	}
}

func TestListBranchesScopedForNonAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	all, err := svc.ListBranches(adminCtx())
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 branches for admin, got %v (%v)", all, err)
	}
	own, err := svc.ListBranches(staffCtx(2))
	if err != nil || len(own) != 1 || own[0].ID != 2 {
		t.Fatalf("expected only branch 2 for staff, got %v (%v)", own, err)
	}
}

// closeDuringSummaryRepo closes a day right after the first summary read
// returns, before the report built from that read reaches the cache.
type closeDuringSummaryRepo struct {
	*memory.Store
	svc    *Service
	closed bool
	err    error
}

func (r *closeDuringSummaryRepo) ListDailySummaries(ctx context.Context, filter store.SummaryFilter) ([]domain.DailySummary, error) {
	rows, err := r.Store.ListDailySummaries(ctx, filter)
	if err != nil || r.closed {
		return rows, err
	}
	r.closed = true
	_, r.err = r.svc.CloseDay(adminCtx(), 1, "2025-03-10")
	return rows, nil
}

func TestSalesReportDoesNotCacheReportOverlappingClose(t *testing.T) {
	repo := memory.New()
	repo.AddBranch(domain.Branch{ID: 1, Name: "Central"})
	addSale(t, repo, 1, localTime(t, "2025-03-10", 10), 100, "CASH")
	addSale(t, repo, 1, localTime(t, "2025-03-10", 11), 50, "PromptPay")

	wrapped := &closeDuringSummaryRepo{Store: repo}
	svc := newServiceWithRepo(wrapped)
	wrapped.svc = svc

	req := domain.SalesReportRequest{Mode: "month", Year: 2025, Branch: "1"}
	first, err := svc.SalesReport(adminCtx(), req)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if wrapped.err != nil {
		t.Fatalf("close during report: %v", wrapped.err)
	}
	if first.Bills != 0 {
		t.Fatalf("expected first report to reflect the pre-close read, got %d bills", first.Bills)
	}

	second, err := svc.SalesReport(adminCtx(), req)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if second.Bills != 2 || !second.Total.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected closed day in report after overlapping close, got %d bills total %s", second.Bills, second.Total)
	}
}

func TestChannelSplitEqualsTotalWhenEveryLabelIsKnown(t *testing.T) {
	svc, repo := newTestService(t)
	labels := []string{"CASH", "PromptPay", "bank transfer", "QR", "cash"}
	for i := 0; i < 20; i++ {
		addSale(t, repo, 1, localTime(t, "2025-03-10", i%24), int64(15+i*7), labels[i%len(labels)])
	}

	result, err := svc.CloseDay(adminCtx(), 1, "2025-03-10")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	s := result.Summary
	if !s.CashTotal.Add(s.ElectronicTotal).Equal(s.Total) {
		t.Fatalf("expected split %s + %s to equal total %s", s.CashTotal, s.ElectronicTotal, s.Total)
	}
	if !s.CashTotal.IsPositive() || !s.ElectronicTotal.IsPositive() {
		t.Fatalf("expected both channels to carry money, got cash %s electronic %s", s.CashTotal, s.ElectronicTotal)
	}
}
