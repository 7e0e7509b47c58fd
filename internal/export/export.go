// Package export renders sales reports as CSV or XLSX downloads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"backoffice/backend/internal/domain"
)

const sheetName = "Sales"

var headings = []string{
	"period", "branch_id", "branch_name", "bills",
	"subtotal", "discount", "vat_amount", "total", "cash_total", "electronic_total",
}

func Filename(report domain.SalesReport, ext string) string {
	return fmt.Sprintf("sales-%s-%s-%s.%s", report.Mode, report.FromDay, report.Scope, ext)
}

func WriteCSV(w io.Writer, report domain.SalesReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headings); err != nil {
		return err
	}
	for _, b := range report.Buckets {
		branchID := ""
		if b.BranchID > 0 {
			branchID = strconv.FormatInt(b.BranchID, 10)
		}
		row := []string{
			b.Period, branchID, b.BranchName, strconv.FormatInt(b.Bills, 10),
			b.Subtotal.StringFixed(2), b.Discount.StringFixed(2), b.VATAmount.StringFixed(2),
			b.Total.StringFixed(2), b.CashTotal.StringFixed(2), b.ElectronicTotal.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"TOTAL", "", "", strconv.FormatInt(report.Bills, 10), "", "", "", report.Total.StringFixed(2), "", ""}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func WriteXLSX(w io.Writer, report domain.SalesReport) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	for i, h := range headings {
		if err := setCell(f, i+1, 1, h); err != nil {
			return err
		}
	}

	row := 2
	for _, b := range report.Buckets {
		values := []any{
			b.Period, b.BranchID, b.BranchName, b.Bills,
			b.Subtotal.InexactFloat64(), b.Discount.InexactFloat64(), b.VATAmount.InexactFloat64(),
			b.Total.InexactFloat64(), b.CashTotal.InexactFloat64(), b.ElectronicTotal.InexactFloat64(),
		}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				return err
			}
		}
		row++
	}
	if err := setCell(f, 1, row, "TOTAL"); err != nil {
		return err
	}
	if err := setCell(f, 4, row, report.Bills); err != nil {
		return err
	}
	if err := setCell(f, 8, row, report.Total.InexactFloat64()); err != nil {
		return err
	}

	return f.Write(w)
}

func setCell(f *excelize.File, col int, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheetName, cell, value)
}
