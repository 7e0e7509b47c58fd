package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/lock"
	"backoffice/backend/internal/logging"
	"backoffice/backend/internal/service"
	"backoffice/backend/internal/store"
)

type Options struct {
	AllowedOrigins         []string
	LoginAttemptsPerMinute int
	Logger                 *logrus.Logger
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigins []string
	loginLimiter   *attemptLimiter
	logger         *logrus.Logger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if opts.LoginAttemptsPerMinute < 1 {
		opts.LoginAttemptsPerMinute = 5
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &API{
		service:        svc,
		auth:           auth,
		allowedOrigins: opts.AllowedOrigins,
		loginLimiter:   newAttemptLimiter(opts.LoginAttemptsPerMinute, time.Minute),
		logger:         opts.Logger,
	}
}

// attemptLimiter hands out one token bucket per client key.
type attemptLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		limit:    rate.Every(window / time.Duration(max)),
		burst:    max,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(l.limiters, k)
		}
	}
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(limitBody)

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/me", a.handleMe)
		r.Get("/branches", a.handleBranches)
		r.Route("/branches/{branchID}", func(r chi.Router) {
			r.Get("/pending-days", a.handlePendingDays)
			r.Get("/days/{dayKey}", a.handleDaySummary)
			r.With(requireRole(domain.RoleAdmin, domain.RoleManager)).Post("/days/{dayKey}/close", a.handleCloseDay)
			r.With(requireRole(domain.RoleAdmin, domain.RoleManager)).Post("/days/close-pending", a.handleClosePending)
		})
		r.Get("/reports/sales", a.handleSalesReport)
		r.With(requireRole(domain.RoleAdmin)).Get("/audit-logs", a.handleAuditLogs)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		caller, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		ctx := service.WithCaller(r.Context(), caller)
		entry := logging.FromContext(ctx, a.logger).WithFields(logrus.Fields{
			"user":      caller.Username,
			"role":      caller.Role,
			"branch_id": caller.BranchID,
		})
		next.ServeHTTP(w, r.WithContext(logging.WithContext(ctx, entry)))
	})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := service.CallerFromContext(r.Context())
			if !ok || !isRoleAllowed(caller.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger attaches a request-scoped entry to the context and logs one
// line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := a.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), entry)))

		entry = entry.WithFields(logrus.Fields{
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(startedAt).String(),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Info("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOptionalInt(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.StepError
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrValidation), errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, lock.ErrNotObtained):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "day close already in progress",
			"step":  service.StepLock,
		})
	case errors.As(err, &se):
		logging.FromContext(r.Context(), a.logger).WithError(err).WithField("step", se.Step).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal server error",
			"step":  se.Step,
		})
	default:
		logging.FromContext(r.Context(), a.logger).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses never carry internal details.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
