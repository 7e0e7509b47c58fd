package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

const maxSerializationRetries = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateBranch(ctx context.Context, name string) (*domain.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, store.ErrInvalidInput
	}
	branch := domain.Branch{Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO branches (branch_name) VALUES ($1) RETURNING id
	`, name).Scan(&branch.ID)
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_name
		FROM branches
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID int64) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_name FROM branches WHERE id = $1
	`, branchID).Scan(&b.ID, &b.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.BranchID < 1 || sale.SoldAt.IsZero() || sale.Total.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusPaid
	}
	sale.SoldAt = sale.SoldAt.UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sales (
			branch_id, receipt_no, sold_at, subtotal, discount, vat_amount,
			total, payment_method, status, closing_mark
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, sale.BranchID, sale.ReceiptNo, sale.SoldAt, sale.Subtotal, sale.Discount, sale.VATAmount,
		sale.Total, sale.PaymentMethod, sale.Status, nullIfEmpty(sale.ClosingMark)).Scan(&sale.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if sale.ReceiptNo == "" {
		sale.ReceiptNo = xid.Receipt(sale.BranchID, sale.ID)
		if _, err := s.db.ExecContext(ctx, `UPDATE sales SET receipt_no = $2 WHERE id = $1`, sale.ID, sale.ReceiptNo); err != nil {
			return nil, err
		}
	}
	created := sale
	return &created, nil
}

const saleColumns = `
	id, branch_id, receipt_no, sold_at,
	COALESCE(subtotal, 0), COALESCE(discount, 0), COALESCE(vat_amount, 0), COALESCE(total, 0),
	COALESCE(payment_method, ''), status, COALESCE(closing_mark, '')
`

func (s *Store) ListCloseableSales(ctx context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error) {
	return listSales(ctx, s.db, branchID, window, true)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// openMarkPredicate matches sales whose closing mark is absent or blank. It
// must stay in step with domain.Sale.Closeable and the sales_open_paid_idx
// predicate.
const openMarkPredicate = `(closing_mark IS NULL OR btrim(closing_mark, E' \t\n\r\x0b\f') = '')`

func listSales(ctx context.Context, q queryer, branchID int64, window domain.TimeRange, openOnly bool) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + `
		FROM sales
		WHERE branch_id = $1
			AND status = $2
			AND sold_at >= $3
			AND ($4::timestamptz IS NULL OR sold_at < $4)`
	if openOnly {
		query += ` AND ` + openMarkPredicate
	}
	query += ` ORDER BY sold_at, id`

	rows, err := q.QueryContext(ctx, query, branchID, domain.SaleStatusPaid, window.From, nullTime(window.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(
			&sale.ID, &sale.BranchID, &sale.ReceiptNo, &sale.SoldAt,
			&sale.Subtotal, &sale.Discount, &sale.VATAmount, &sale.Total,
			&sale.PaymentMethod, &sale.Status, &sale.ClosingMark,
		); err != nil {
			return nil, err
		}
		sale.SoldAt = sale.SoldAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

// WithinDayClose runs fn in a serializable transaction while holding a
// session advisory lock on (branch, day). The lock is taken before the
// transaction starts so its snapshot already sees any earlier close.
// Serialization failures are retried with a fresh transaction.
func (s *Store) WithinDayClose(ctx context.Context, branchID int64, dayKey string, fn func(tx store.DayCloseTx) error) error {
	lockKey := fmt.Sprintf("day-close:%d:%s", branchID, dayKey)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return err
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, lockKey); err != nil {
			logrus.WithError(err).WithField("component", "postgres").Warn("failed to release day close advisory lock")
		}
	}()

	for attempt := 1; attempt <= maxSerializationRetries; attempt++ {
		err = s.dayCloseAttempt(ctx, conn, branchID, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"component": "postgres",
			"branch_id": branchID,
			"day":       dayKey,
			"attempt":   attempt,
		}).Warn("day close serialization failure, retrying")
	}
	return err
}

func (s *Store) dayCloseAttempt(ctx context.Context, conn *sql.Conn, branchID int64, fn func(tx store.DayCloseTx) error) error {
	pgTx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&dayCloseTx{tx: pgTx, branchID: branchID}); err != nil {
		return err
	}
	return pgTx.Commit()
}

type dayCloseTx struct {
	tx       *sql.Tx
	branchID int64
}

func (t *dayCloseTx) scoped(branchID int64) error {
	if branchID != t.branchID {
		return store.ErrInvalidInput
	}
	return nil
}

func (t *dayCloseTx) GetDailySummary(ctx context.Context, branchID int64, dayKey string) (*domain.DailySummary, error) {
	if err := t.scoped(branchID); err != nil {
		return nil, err
	}
	return getDailySummary(ctx, t.tx, branchID, dayKey)
}

func (t *dayCloseTx) CountMarkedSales(ctx context.Context, branchID int64, window domain.TimeRange) (int64, error) {
	if err := t.scoped(branchID); err != nil {
		return 0, err
	}
	var count int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM sales
		WHERE branch_id = $1
			AND status = $2
			AND sold_at >= $3
			AND sold_at < $4
			AND NOT ` + openMarkPredicate + `
	`, branchID, domain.SaleStatusPaid, window.From, window.To).Scan(&count)
	return count, err
}

func (t *dayCloseTx) MarkSalesClosed(ctx context.Context, branchID int64, window domain.TimeRange, label string) (int64, error) {
	if err := t.scoped(branchID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(label) == "" || window.To.IsZero() {
		return 0, store.ErrInvalidInput
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET closing_mark = $5
		WHERE branch_id = $1
			AND status = $2
			AND sold_at >= $3
			AND sold_at < $4
			AND ` + openMarkPredicate + `
	`, branchID, domain.SaleStatusPaid, window.From, window.To, label)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *dayCloseTx) ListPaidSales(ctx context.Context, branchID int64, window domain.TimeRange) ([]domain.Sale, error) {
	if err := t.scoped(branchID); err != nil {
		return nil, err
	}
	return listSales(ctx, t.tx, branchID, window, false)
}

func (t *dayCloseTx) UpsertDailySummary(ctx context.Context, summary domain.DailySummary) error {
	if err := t.scoped(summary.BranchID); err != nil {
		return err
	}
	if summary.Day == "" {
		return store.ErrInvalidInput
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_sales_summaries (
			day, branch_id, bills, subtotal, discount, vat_amount,
			total, cash_total, electronic_total, closed_at, closed_by, note
		)
		VALUES ($1::date,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (day, branch_id)
		DO UPDATE SET
			bills = EXCLUDED.bills,
			subtotal = EXCLUDED.subtotal,
			discount = EXCLUDED.discount,
			vat_amount = EXCLUDED.vat_amount,
			total = EXCLUDED.total,
			cash_total = EXCLUDED.cash_total,
			electronic_total = EXCLUDED.electronic_total,
			closed_at = EXCLUDED.closed_at,
			closed_by = EXCLUDED.closed_by,
			note = EXCLUDED.note
	`, summary.Day, summary.BranchID, summary.Bills, summary.Subtotal, summary.Discount, summary.VATAmount,
		summary.Total, summary.CashTotal, summary.ElectronicTotal, summary.ClosedAt.UTC(), summary.ClosedBy, summary.Note)
	return err
}

const summaryColumns = `
	to_char(s.day, 'YYYY-MM-DD'), s.branch_id, COALESCE(b.branch_name, ''), s.bills,
	s.subtotal, s.discount, s.vat_amount, s.total, s.cash_total, s.electronic_total,
	s.closed_at, s.closed_by, s.note
`

func scanSummary(scan func(dest ...any) error) (domain.DailySummary, error) {
	var summary domain.DailySummary
	err := scan(
		&summary.Day, &summary.BranchID, &summary.BranchName, &summary.Bills,
		&summary.Subtotal, &summary.Discount, &summary.VATAmount,
		&summary.Total, &summary.CashTotal, &summary.ElectronicTotal,
		&summary.ClosedAt, &summary.ClosedBy, &summary.Note,
	)
	summary.ClosedAt = summary.ClosedAt.UTC()
	return summary, err
}

func getDailySummary(ctx context.Context, q queryer, branchID int64, dayKey string) (*domain.DailySummary, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM daily_sales_summaries s
		LEFT JOIN branches b ON b.id = s.branch_id
		WHERE s.branch_id = $1 AND s.day = $2::date
	`, branchID, dayKey)
	summary, err := scanSummary(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &summary, nil
}

func (s *Store) GetDailySummary(ctx context.Context, branchID int64, dayKey string) (*domain.DailySummary, error) {
	return getDailySummary(ctx, s.db, branchID, dayKey)
}

func (s *Store) ListDailySummaries(ctx context.Context, filter store.SummaryFilter) ([]domain.DailySummary, error) {
	var branchFilter any
	if !filter.Scope.All {
		branchFilter = filter.Scope.BranchID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM daily_sales_summaries s
		LEFT JOIN branches b ON b.id = s.branch_id
		WHERE s.day >= $1::date
			AND s.day <= $2::date
			AND ($3::bigint IS NULL OR s.branch_id = $3)
		ORDER BY s.day, s.branch_id
	`, filter.FromDay, filter.ToDay, branchFilter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.DailySummary, 0, 64)
	for rows.Next() {
		summary, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_user_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.BranchID, entry.ActorUserID, entry.ActorUsername, entry.ActorRole,
		entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID int64, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	var branchFilter any
	if branchID != 0 {
		branchFilter = branchID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_user_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::bigint IS NULL OR branch_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchFilter, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUserID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return store.ErrInvalidInput
	}
	if user.ID == "" {
		user.ID = xid.New()
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	var branchID any
	if user.BranchID > 0 {
		branchID = user.BranchID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password_hash, full_name, role, branch_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7,now())
	`, user.ID, user.Username, user.PasswordHash, user.FullName, user.Role, branchID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

const userColumns = `id, username, password_hash, full_name, role, branch_id, active, created_at`

func scanUser(scan func(dest ...any) error) (domain.UserAccount, error) {
	var (
		user     domain.UserAccount
		branchID sql.NullInt64
	)
	err := scan(&user.ID, &user.Username, &user.PasswordHash, &user.FullName, &user.Role, &branchID, &user.Active, &user.CreatedAt)
	user.BranchID = branchID.Int64
	user.CreatedAt = user.CreatedAt.UTC()
	return user, err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM app_users WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)))
	user, err := scanUser(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM app_users ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}

func isSerializationFailure(err error) bool {
	code := pgErrorCode(err)
	return code == "40001" || code == "40P01"
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
