package export

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"backoffice/backend/internal/domain"
)

func sampleReport() domain.SalesReport {
	return domain.SalesReport{
		Mode:    domain.ReportModeMonth,
		Year:    2025,
		Scope:   domain.ScopeAll,
		FromDay: "2025-01-01",
		ToDay:   "2025-12-31",
		Buckets: []domain.ReportBucket{
			{Period: "2025-03", BranchID: 1, BranchName: "Central", Bills: 3, Total: decimal.NewFromInt(350), CashTotal: decimal.NewFromInt(100), ElectronicTotal: decimal.NewFromInt(200)},
			{Period: "2025-03", BranchID: 2, BranchName: "Riverside", Bills: 1, Total: decimal.RequireFromString("12.5")},
		},
		Bills: 4,
		Total: decimal.RequireFromString("362.5"),
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleReport()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header, 2 buckets and total row, got %d rows", len(rows))
	}
	if rows[1][0] != "2025-03" || rows[1][2] != "Central" || rows[1][7] != "350.00" || rows[1][8] != "100.00" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[3][0] != "TOTAL" || rows[3][7] != "362.50" {
		t.Fatalf("unexpected total row %v", rows[3])
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleReport()); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	period, err := f.GetCellValue(sheetName, "A2")
	if err != nil || period != "2025-03" {
		t.Fatalf("expected A2=2025-03, got %q (%v)", period, err)
	}
	name, _ := f.GetCellValue(sheetName, "C3")
	if name != "Riverside" {
		t.Fatalf("expected C3=Riverside, got %q", name)
	}
	label, _ := f.GetCellValue(sheetName, "A4")
	if label != "TOTAL" {
		t.Fatalf("expected total row, got %q", label)
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(sampleReport(), "csv"); got != "sales-month-2025-01-01-ALL.csv" {
		t.Fatalf("unexpected filename %s", got)
	}
}
