package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// --- Response types ---

type summaryResponse struct {
	Day             string  `json:"day"`
	BranchID        int64   `json:"branch_id"`
	BranchName      string  `json:"branch_name,omitempty"`
	Bills           int64   `json:"bills"`
	Subtotal        *string `json:"subtotal"`
	Discount        *string `json:"discount"`
	VATAmount       *string `json:"vat_amount"`
	Total           string  `json:"total"`
	CashTotal       string  `json:"cash_total"`
	ElectronicTotal string  `json:"electronic_total"`
	ClosedAt        string  `json:"closed_at"`
	ClosedBy        string  `json:"closed_by"`
	Note            string  `json:"note"`
}

type pendingDayResponse struct {
	DayKey          string `json:"day_key"`
	Bills           int64  `json:"bills"`
	Total           string `json:"total"`
	CashTotal       string `json:"cash_total"`
	ElectronicTotal string `json:"electronic_total"`
}

type closeDayResponse struct {
	BranchID int64            `json:"branch_id"`
	DayKey   string           `json:"day_key"`
	Success  bool             `json:"success"`
	State    string           `json:"state,omitempty"`
	Marked   int64            `json:"marked"`
	Summary  *summaryResponse `json:"summary,omitempty"`
	Error    string           `json:"error,omitempty"`
	Step     string           `json:"step,omitempty"`
}

type bulkCloseResponse struct {
	BranchID  int64              `json:"branch_id"`
	Days      []closeDayResponse `json:"days"`
	Closed    int                `json:"closed"`
	Failed    int                `json:"failed"`
	Completed bool               `json:"completed"`
}

type bucketResponse struct {
	Period          string `json:"period"`
	BranchID        int64  `json:"branch_id,omitempty"`
	BranchName      string `json:"branch_name,omitempty"`
	Bills           int64  `json:"bills"`
	Subtotal        string `json:"subtotal"`
	Discount        string `json:"discount"`
	VATAmount       string `json:"vat_amount"`
	Total           string `json:"total"`
	CashTotal       string `json:"cash_total"`
	ElectronicTotal string `json:"electronic_total"`
}

type reportResponse struct {
	Mode    string           `json:"mode"`
	Year    int              `json:"year"`
	Month   int              `json:"month,omitempty"`
	Scope   string           `json:"scope"`
	FromDay string           `json:"from_day"`
	ToDay   string           `json:"to_day"`
	Buckets []bucketResponse `json:"buckets"`
	Bills   int64            `json:"bills"`
	Total   string           `json:"total"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func optionalMoney(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(2)
	return &s
}

func toSummaryResponse(s domain.DailySummary) summaryResponse {
	closedAt := ""
	if !s.ClosedAt.IsZero() {
		closedAt = s.ClosedAt.UTC().Format(time.RFC3339)
	}
	return summaryResponse{
		Day:             s.Day,
		BranchID:        s.BranchID,
		BranchName:      s.BranchName,
		Bills:           s.Bills,
		Subtotal:        optionalMoney(s.Subtotal),
		Discount:        optionalMoney(s.Discount),
		VATAmount:       optionalMoney(s.VATAmount),
		Total:           money(s.Total),
		CashTotal:       money(s.CashTotal),
		ElectronicTotal: money(s.ElectronicTotal),
		ClosedAt:        closedAt,
		ClosedBy:        s.ClosedBy,
		Note:            s.Note,
	}
}

func toCloseDayResponse(r domain.CloseDayResult) closeDayResponse {
	resp := closeDayResponse{
		BranchID: r.BranchID,
		DayKey:   r.DayKey,
		Success:  r.Success,
		State:    r.State,
		Marked:   r.Marked,
		Error:    r.Error,
		Step:     r.Step,
	}
	if r.Success {
		summary := toSummaryResponse(r.Summary)
		resp.Summary = &summary
	}
	return resp
}

func toReportResponse(report domain.SalesReport) reportResponse {
	buckets := make([]bucketResponse, 0, len(report.Buckets))
	for _, b := range report.Buckets {
		buckets = append(buckets, bucketResponse{
			Period:          b.Period,
			BranchID:        b.BranchID,
			BranchName:      b.BranchName,
			Bills:           b.Bills,
			Subtotal:        money(b.Subtotal),
			Discount:        money(b.Discount),
			VATAmount:       money(b.VATAmount),
			Total:           money(b.Total),
			CashTotal:       money(b.CashTotal),
			ElectronicTotal: money(b.ElectronicTotal),
		})
	}
	return reportResponse{
		Mode:    report.Mode,
		Year:    report.Year,
		Month:   report.Month,
		Scope:   report.Scope,
		FromDay: report.FromDay,
		ToDay:   report.ToDay,
		Buckets: buckets,
		Bills:   report.Bills,
		Total:   money(report.Total),
	}
}

// --- Handlers ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := clientKey(r) + "|" + strings.ToLower(strings.TrimSpace(req.Username))
	if !a.loginLimiter.Allow(key) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := a.service.Profile(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := a.service.ListBranches(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func branchIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid branch id")
	}
	return id, nil
}

func (a *API) handlePendingDays(w http.ResponseWriter, r *http.Request) {
	branchID, err := branchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lookback, err := parseOptionalInt(r.URL.Query().Get("lookback_days"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("lookback_days must be a number"))
		return
	}

	days, err := a.service.FindPendingDays(r.Context(), branchID, lookback)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := make([]pendingDayResponse, 0, len(days))
	for _, d := range days {
		resp = append(resp, pendingDayResponse{
			DayKey:          d.DayKey,
			Bills:           d.Bills,
			Total:           money(d.Total),
			CashTotal:       money(d.CashTotal),
			ElectronicTotal: money(d.ElectronicTotal),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_days": resp})
}

func (a *API) handleDaySummary(w http.ResponseWriter, r *http.Request) {
	branchID, err := branchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := a.service.GetDaySummary(r.Context(), branchID, chi.URLParam(r, "dayKey"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": toSummaryResponse(summary)})
}

func (a *API) handleCloseDay(w http.ResponseWriter, r *http.Request) {
	branchID, err := branchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CloseDay(r.Context(), branchID, chi.URLParam(r, "dayKey"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCloseDayResponse(result))
}

func (a *API) handleClosePending(w http.ResponseWriter, r *http.Request) {
	branchID, err := branchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CloseAllPending(r.Context(), branchID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := bulkCloseResponse{
		BranchID:  result.BranchID,
		Days:      make([]closeDayResponse, 0, len(result.Days)),
		Closed:    result.Closed,
		Failed:    result.Failed,
		Completed: result.Completed,
	}
	for _, day := range result.Days {
		resp.Days = append(resp.Days, toCloseDayResponse(day))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	year, err := parseOptionalInt(query.Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("year must be a number"))
		return
	}
	month, err := parseOptionalInt(query.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("month must be a number"))
		return
	}
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))
	switch format {
	case "", "json", "csv", "xlsx":
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be json, csv or xlsx"))
		return
	}

	report, err := a.service.SalesReport(r.Context(), domain.SalesReportRequest{
		Mode:   query.Get("mode"),
		Year:   year,
		Month:  month,
		Branch: query.Get("branch"),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	switch format {
	case "csv", "xlsx":
		var buf bytes.Buffer
		contentType := "text/csv; charset=utf-8"
		if format == "csv" {
			err = export.WriteCSV(&buf, report)
		} else {
			contentType = xlsxContentType
			err = export.WriteXLSX(&buf, report)
		}
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(report, format)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		writeJSON(w, http.StatusOK, toReportResponse(report))
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	branchID, err := parseOptionalInt(query.Get("branch_id"))
	if err != nil || branchID < 0 {
		writeError(w, http.StatusBadRequest, errors.New("branch_id must be a positive number"))
		return
	}
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), int64(branchID), query.Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
