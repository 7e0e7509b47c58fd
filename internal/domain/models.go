package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

const (
	SaleStatusPaid      = "PAID"
	SaleStatusPending   = "PENDING"
	SaleStatusCancelled = "CANCELLED"
)

// ScopeAll is the branch scope value that selects every branch.
const ScopeAll = "ALL"

const (
	ReportModeDay   = "day"
	ReportModeMonth = "month"
	ReportModeYear  = "year"
)

const (
	CloseStateClosed   = "closed"
	CloseStateReclosed = "reclosed"
	CloseStateRepaired = "repaired"
)

type Branch struct {
	ID   int64  `json:"id"`
	Name string `json:"branch_name"`
}

// Sale is a point-of-sale transaction. ClosingMark is empty while the sale
// is open and carries the day-close label once its day has been closed.
type Sale struct {
	ID            int64
	BranchID      int64
	ReceiptNo     string
	SoldAt        time.Time
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	VATAmount     decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	Status        string
	ClosingMark   string
}

func (s Sale) Closeable() bool {
	return s.Status == SaleStatusPaid && strings.TrimSpace(s.ClosingMark) == ""
}

// TimeRange is half-open: From <= t < To. A zero To leaves the range open-ended.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// DailySummary is the closed-day record, unique per (Day, BranchID).
// Subtotal, Discount and VATAmount are optional breakdown figures.
type DailySummary struct {
	Day             string              `json:"day"`
	BranchID        int64               `json:"branch_id"`
	BranchName      string              `json:"branch_name,omitempty"`
	Bills           int64               `json:"bills"`
	Subtotal        decimal.NullDecimal `json:"subtotal"`
	Discount        decimal.NullDecimal `json:"discount"`
	VATAmount       decimal.NullDecimal `json:"vat_amount"`
	Total           decimal.Decimal     `json:"total"`
	CashTotal       decimal.Decimal     `json:"cash_total"`
	ElectronicTotal decimal.Decimal     `json:"electronic_total"`
	ClosedAt        time.Time           `json:"closed_at"`
	ClosedBy        string              `json:"closed_by"`
	Note            string              `json:"note"`
}

// PendingDay is a draft total for a day that still has closeable sales.
// Drafts are never persisted.
type PendingDay struct {
	DayKey          string          `json:"day_key"`
	Bills           int64           `json:"bills"`
	Total           decimal.Decimal `json:"total"`
	CashTotal       decimal.Decimal `json:"cash_total"`
	ElectronicTotal decimal.Decimal `json:"electronic_total"`
}

type CloseDayResult struct {
	BranchID int64        `json:"branch_id"`
	DayKey   string       `json:"day_key"`
	Success  bool         `json:"success"`
	State    string       `json:"state,omitempty"`
	Marked   int64        `json:"marked"`
	Summary  DailySummary `json:"summary"`
	Error    string       `json:"error,omitempty"`
	Step     string       `json:"step,omitempty"`
}

type BulkCloseResult struct {
	BranchID  int64            `json:"branch_id"`
	Days      []CloseDayResult `json:"days"`
	Closed    int              `json:"closed"`
	Failed    int              `json:"failed"`
	Completed bool             `json:"completed"`
}

// Caller is the authenticated identity an operation runs on behalf of.
type Caller struct {
	UserID   string
	Username string
	Role     string
	BranchID int64
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// BranchScope is either every branch or exactly one.
type BranchScope struct {
	All      bool
	BranchID int64
}

func AllBranches() BranchScope {
	return BranchScope{All: true}
}

func SingleBranch(id int64) BranchScope {
	return BranchScope{BranchID: id}
}

func (s BranchScope) Includes(branchID int64) bool {
	return s.All || s.BranchID == branchID
}

type SalesReportRequest struct {
	Mode   string
	Year   int
	Month  int
	Branch string
}

type ReportBucket struct {
	Period          string          `json:"period"`
	BranchID        int64           `json:"branch_id,omitempty"`
	BranchName      string          `json:"branch_name,omitempty"`
	Bills           int64           `json:"bills"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	Total           decimal.Decimal `json:"total"`
	CashTotal       decimal.Decimal `json:"cash_total"`
	ElectronicTotal decimal.Decimal `json:"electronic_total"`
}

type SalesReport struct {
	Mode    string          `json:"mode"`
	Year    int             `json:"year"`
	Month   int             `json:"month,omitempty"`
	Scope   string          `json:"scope"`
	FromDay string          `json:"from_day"`
	ToDay   string          `json:"to_day"`
	Buckets []ReportBucket  `json:"buckets"`
	Bills   int64           `json:"bills"`
	Total   decimal.Decimal `json:"total"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    int64  `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Profile struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
	BranchID   int64  `json:"branch_id"`
	BranchName string `json:"branch_name"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID           string
	Username     string
	PasswordHash string
	FullName     string
	Role         string
	BranchID     int64
	Active       bool
	CreatedAt    time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      int64     `json:"branch_id"`
	ActorUserID   string    `json:"actor_user_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
