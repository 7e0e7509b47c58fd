package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

// Failure injection points, see InjectFailure.
const (
	OpListCloseable = "list_closeable"
	OpCountMarked   = "count_marked"
	OpMark          = "mark"
	OpListPaid      = "list_paid"
	OpUpsert        = "upsert"
	OpListSummaries = "list_summaries"
)

type summaryKey struct {
	day      string
	branchID int64
}

type Store struct {
	mu              sync.RWMutex
	branches        map[int64]domain.Branch
	sales           map[int64]domain.Sale
	nextSaleID      int64
	summaries       map[summaryKey]domain.DailySummary
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount

	failMu   sync.Mutex
	failures map[string]error
}

func New() *Store {
	return &Store{
		branches:        make(map[int64]domain.Branch),
		sales:           make(map[int64]domain.Sale),
		summaries:       make(map[summaryKey]domain.DailySummary),
		auditLogs:       make([]domain.AuditLog, 0, 64),
		usersByUsername: make(map[string]domain.UserAccount),
		failures:        make(map[string]error),
	}
}

// NewSeeded returns a store with two branches, one user per role and a few
// days of open sales for local runs. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD, falling back to dev defaults.
func NewSeeded() (*Store, error) {
	s := New()
	s.branches[1] = domain.Branch{ID: 1, Name: "Central"}
	s.branches[2] = domain.Branch{ID: 2, Name: "Riverside"}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
		branchID int64
	}{
		{"admin", adminPwd, domain.RoleAdmin, 1},
		{"manager", managerPwd, domain.RoleManager, 1},
		{"staff", staffPwd, domain.RoleStaff, 1},
		{"riverside", managerPwd, domain.RoleManager, 2},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			ID:           xid.New(),
			Username:     u.username,
			PasswordHash: string(hash),
			FullName:     u.username,
			Role:         u.role,
			BranchID:     u.branchID,
			Active:       true,
			CreatedAt:    now,
		}
	}

	methods := []string{"CASH", "PROMPTPAY", "QR", "CASH", "CARD"}
	for day := 1; day <= 3; day++ {
		soldAt := now.AddDate(0, 0, -day)
		for i, method := range methods {
			branchID := int64(1 + i%2)
			total := decimal.NewFromInt(int64(80 + 35*i))
			vat := total.Mul(decimal.NewFromInt(7)).Div(decimal.NewFromInt(107)).Round(2)
			s.nextSaleID++
			s.sales[s.nextSaleID] = domain.Sale{
				ID:            s.nextSaleID,
				BranchID:      branchID,
				ReceiptNo:     xid.Receipt(branchID, s.nextSaleID),
				SoldAt:        soldAt.Add(time.Duration(i) * time.Minute),
				Subtotal:      total.Sub(vat),
				VATAmount:     vat,
				Total:         total,
				PaymentMethod: method,
				Status:        domain.SaleStatusPaid,
			}
		}
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// InjectFailure makes the named operation return err until ClearFailures.
func (s *Store) InjectFailure(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[op] = err
}

func (s *Store) ClearFailures() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = make(map[string]error)
}

func (s *Store) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[op]
}

func (s *Store) AddBranch(branch domain.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branch.ID] = branch
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		result = append(result, b)
	}
	slices.SortFunc(result, func(a, b domain.Branch) int {
		return cmpInt64(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetBranch(_ context.Context, branchID int64) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &branch, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.BranchID < 1 || sale.SoldAt.IsZero() || sale.Total.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[sale.BranchID]; !ok {
		return nil, store.ErrNotFound
	}
	s.nextSaleID++
	sale.ID = s.nextSaleID
	if sale.Status == "" {
		sale.Status = domain.SaleStatusPaid
	}
	if sale.ReceiptNo == "" {
		sale.ReceiptNo = xid.Receipt(sale.BranchID, sale.ID)
	}
	sale.SoldAt = sale.SoldAt.UTC()
	s.sales[sale.ID] = sale
	created := sale
	return &created, nil
}

func (s *Store) ListCloseableSales(_ context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error) {
	if err := s.failure(OpListCloseable); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if sale.BranchID != branchID || !sale.Closeable() || !window.Contains(sale.SoldAt) {
			continue
		}
		result = append(result, sale)
	}
	sortSales(result)
	return result, nil
}

// Sale returns a copy of the stored sale.
func (s *Store) Sale(id int64) (domain.Sale, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	return sale, ok
}

func (s *Store) GetDailySummary(_ context.Context, branchID int64, dayKey string) (*domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[summaryKey{day: dayKey, branchID: branchID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	summary.BranchName = s.branches[branchID].Name
	return &summary, nil
}

func (s *Store) ListDailySummaries(_ context.Context, filter store.SummaryFilter) ([]domain.DailySummary, error) {
	if err := s.failure(OpListSummaries); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailySummary, 0, len(s.summaries))
	for key, summary := range s.summaries {
		if !filter.Scope.Includes(key.branchID) {
			continue
		}
		if filter.FromDay != "" && key.day < filter.FromDay {
			continue
		}
		if filter.ToDay != "" && key.day > filter.ToDay {
			continue
		}
		summary.BranchName = s.branches[key.branchID].Name
		result = append(result, summary)
	}
	slices.SortFunc(result, func(a, b domain.DailySummary) int {
		if a.Day == b.Day {
			return cmpInt64(a.BranchID, b.BranchID)
		}
		return strings.Compare(a.Day, b.Day)
	})
	return result, nil
}

// WithinDayClose holds the write lock for the whole unit of work. Marks and
// the summary are staged on the tx and applied only when fn returns nil.
func (s *Store) WithinDayClose(ctx context.Context, branchID int64, dayKey string, fn func(tx store.DayCloseTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &dayCloseTx{
		store:    s,
		branchID: branchID,
		marks:    make(map[int64]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, label := range tx.marks {
		sale := s.sales[id]
		sale.ClosingMark = label
		s.sales[id] = sale
	}
	if tx.summary != nil {
		s.summaries[summaryKey{day: tx.summary.Day, branchID: tx.summary.BranchID}] = *tx.summary
	}
	return nil
}

type dayCloseTx struct {
	store    *Store
	branchID int64
	marks    map[int64]string
	summary  *domain.DailySummary
}

func (t *dayCloseTx) scoped(branchID int64) error {
	if branchID != t.branchID {
		return store.ErrInvalidInput
	}
	return nil
}

func (t *dayCloseTx) closingMark(sale domain.Sale) string {
	if label, ok := t.marks[sale.ID]; ok {
		return label
	}
	return sale.ClosingMark
}

func (t *dayCloseTx) GetDailySummary(_ context.Context, branchID int64, dayKey string) (*domain.DailySummary, error) {
	if err := t.scoped(branchID); err != nil {
		return nil, err
	}
	if t.summary != nil && t.summary.Day == dayKey {
		staged := *t.summary
		return &staged, nil
	}
	summary, ok := t.store.summaries[summaryKey{day: dayKey, branchID: branchID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &summary, nil
}

func (t *dayCloseTx) CountMarkedSales(_ context.Context, branchID int64, window domain.TimeRange) (int64, error) {
	if err := t.store.failure(OpCountMarked); err != nil {
		return 0, err
	}
	if err := t.scoped(branchID); err != nil {
		return 0, err
	}
	var count int64
	for _, sale := range t.store.sales {
		if sale.BranchID != branchID || sale.Status != domain.SaleStatusPaid || !window.Contains(sale.SoldAt) {
			continue
		}
		if strings.TrimSpace(t.closingMark(sale)) != "" {
			count++
		}
	}
	return count, nil
}

func (t *dayCloseTx) MarkSalesClosed(_ context.Context, branchID int64, window domain.TimeRange, label string) (int64, error) {
	if err := t.store.failure(OpMark); err != nil {
		return 0, err
	}
	if err := t.scoped(branchID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(label) == "" {
		return 0, store.ErrInvalidInput
	}
	var affected int64
	for _, sale := range t.store.sales {
		if sale.BranchID != branchID || sale.Status != domain.SaleStatusPaid || !window.Contains(sale.SoldAt) {
			continue
		}
		if strings.TrimSpace(t.closingMark(sale)) != "" {
			continue
		}
		t.marks[sale.ID] = label
		affected++
	}
	return affected, nil
}

func (t *dayCloseTx) ListPaidSales(_ context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error) {
	if err := t.store.failure(OpListPaid); err != nil {
		return nil, err
	}
	if err := t.scoped(branchID); err != nil {
		return nil, err
	}
	result := make([]domain.Sale, 0, 32)
	for _, sale := range t.store.sales {
		if sale.BranchID != branchID || sale.Status != domain.SaleStatusPaid || !window.Contains(sale.SoldAt) {
			continue
		}
		sale.ClosingMark = t.closingMark(sale)
		result = append(result, sale)
	}
	sortSales(result)
	return result, nil
}

func (t *dayCloseTx) UpsertDailySummary(_ context.Context, summary domain.DailySummary) error {
	if err := t.store.failure(OpUpsert); err != nil {
		return err
	}
	if err := t.scoped(summary.BranchID); err != nil {
		return err
	}
	if summary.Day == "" {
		return store.ErrInvalidInput
	}
	summary.BranchName = ""
	t.summary = &summary
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID int64, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if branchID != 0 && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.ID == "" {
		user.ID = xid.New()
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func sortSales(sales []domain.Sale) {
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.SoldAt.Equal(b.SoldAt) {
			return cmpInt64(a.ID, b.ID)
		}
		if a.SoldAt.Before(b.SoldAt) {
			return -1
		}
		return 1
	})
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
