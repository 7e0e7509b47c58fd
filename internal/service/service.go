package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/bizday"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/lock"
	"backoffice/backend/internal/logging"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

const (
	defaultLookbackDays = 90
	maxLookbackDays     = 366
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("validation failed")
	ErrInconsistentState = errors.New("sales marked closed without a daily summary")
)

const (
	StepFetch     = "fetch"
	StepLock      = "lock"
	StepMark      = "mark"
	StepRecompute = "recompute"
	StepPersist   = "persist"
	StepReport    = "report"
)

// StepError is a store failure annotated with the step it happened in, so
// callers can tell "nothing happened" (fetch, lock, mark) from a failure
// after marking (recompute, persist).
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) error {
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: step, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type callerContextKey struct{}

func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}

type Options struct {
	Calendar       bizday.Calendar
	Locker         lock.Locker
	LockTTL        time.Duration
	ReportCache    cache.ReportCache
	ReportCacheTTL time.Duration
	LookbackDays   int
	Logger         *logrus.Logger
	Now            func() time.Time
}

type Service struct {
	repo         store.Repository
	calendar     bizday.Calendar
	locker       lock.Locker
	lockTTL      time.Duration
	reports      cache.ReportCache
	reportTTL    time.Duration
	lookbackDays int
	logger       *logrus.Logger
	now          func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.ReportCache == nil {
		opts.ReportCache = cache.NoopReportCache{}
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = time.Minute
	}
	if opts.LookbackDays < 1 || opts.LookbackDays > maxLookbackDays {
		opts.LookbackDays = defaultLookbackDays
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:         repo,
		calendar:     opts.Calendar,
		locker:       opts.Locker,
		lockTTL:      opts.LockTTL,
		reports:      opts.ReportCache,
		reportTTL:    opts.ReportCacheTTL,
		lookbackDays: opts.LookbackDays,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

func (s *Service) log(ctx context.Context) *logrus.Entry {
	return logging.FromContext(ctx, s.logger)
}

func (s *Service) callerFrom(ctx context.Context) (domain.Caller, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok || strings.TrimSpace(caller.UserID) == "" {
		return domain.Caller{}, ErrUnauthorized
	}
	switch caller.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleStaff:
	default:
		return domain.Caller{}, ErrUnauthorized
	}
	return caller, nil
}

// ensureBranch rejects unknown branch ids before any sales are touched.
func (s *Service) ensureBranch(ctx context.Context, branchID int64) (*domain.Branch, error) {
	if branchID < 1 {
		return nil, validationf("branch id must be positive")
	}
	branch, err := s.repo.GetBranch(ctx, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationf("unknown branch %d", branchID)
		}
		return nil, stepErr(StepFetch, err)
	}
	return branch, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := s.repo.ListBranches(ctx)
	if err != nil {
		return nil, stepErr(StepFetch, err)
	}
	if caller.IsAdmin() {
		return branches, nil
	}
	own := make([]domain.Branch, 0, 1)
	for _, b := range branches {
		if b.ID == caller.BranchID {
			own = append(own, b)
		}
	}
	return own, nil
}

func (s *Service) Profile(ctx context.Context) (domain.Profile, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	profile := domain.Profile{
		UserID:   caller.UserID,
		Username: caller.Username,
		Role:     caller.Role,
		BranchID: caller.BranchID,
	}
	if user, err := s.repo.GetUserByUsername(ctx, caller.Username); err == nil {
		profile.FullName = user.FullName
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Profile{}, stepErr(StepFetch, err)
	}
	if caller.BranchID > 0 {
		if branch, err := s.repo.GetBranch(ctx, caller.BranchID); err == nil {
			profile.BranchName = branch.Name
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.Profile{}, stepErr(StepFetch, err)
		}
	}
	return profile, nil
}

// ListAuditLogs returns entries for one business day (today when date is
// empty). Admin only.
func (s *Service) ListAuditLogs(ctx context.Context, branchID int64, date string, limit int) ([]domain.AuditLog, error) {
	caller, err := s.callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit < 1 {
		limit = 100
	}
	if strings.TrimSpace(date) == "" {
		date = s.calendar.Today(s.now())
	}
	window, err := s.calendar.DayWindow(date)
	if err != nil {
		return nil, validationf("date must be YYYY-MM-DD")
	}

	logs, err := s.repo.ListAuditLogs(ctx, branchID, window.From, window.To, limit)
	if err != nil {
		return nil, stepErr(StepFetch, err)
	}
	return logs, nil
}

func (s *Service) logAudit(ctx context.Context, branchID int64, action string, entityType string, entityID string, detail string) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		caller = domain.Caller{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New(),
		BranchID:      branchID,
		ActorUserID:   caller.UserID,
		ActorUsername: caller.Username,
		ActorRole:     caller.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.log(ctx).WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func scopeLabel(scope domain.BranchScope) string {
	if scope.All {
		return domain.ScopeAll
	}
	return strconv.FormatInt(scope.BranchID, 10)
}
