package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"phonestock/backend/internal/domain"
)

const sheet = "Sheet1"

// WriteStockSummary renders the stock summary as an xlsx workbook.
func WriteStockSummary(w io.Writer, summary domain.StockSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	headers := []string{"Brand", "Model", "Variant", "Available", "Assigned", "Sold", "Damaged", "CostValue", "SellValue"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(sheet, cell, h)
	}

	for i, row := range summary.Rows {
		values := []any{
			row.Brand, row.Model, row.Variant,
			row.Available, row.Assigned, row.Sold, row.Damaged,
			row.CostValue.InexactFloat64(), row.SellValue.InexactFloat64(),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			f.SetCellValue(sheet, cell, v)
		}
	}

	totalsRow := len(summary.Rows) + 3
	f.SetCellValue(sheet, "A"+fmt.Sprint(totalsRow), "Totals")
	f.SetCellValue(sheet, "D"+fmt.Sprint(totalsRow), summary.TotalAvailable)
	f.SetCellValue(sheet, "E"+fmt.Sprint(totalsRow), summary.TotalAssigned)
	f.SetCellValue(sheet, "F"+fmt.Sprint(totalsRow), summary.TotalSold)
	f.SetCellValue(sheet, "G"+fmt.Sprint(totalsRow), summary.TotalDamaged)

	return f.Write(w)
}

// WriteAssignments renders assignments one unit per row.
func WriteAssignments(w io.Writer, assignments []domain.Assignment) error {
	f := excelize.NewFile()
	defer f.Close()

	headers := []string{"Number", "DSR", "Day", "AssignmentStatus", "IMEI", "UnitStatus", "AssignedPrice", "TargetPrice", "SoldPrice"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(sheet, cell, h)
	}

	rowNo := 2
	for _, a := range assignments {
		for _, u := range a.Units {
			soldPrice := ""
			if u.SoldPrice != nil {
				soldPrice = u.SoldPrice.StringFixed(2)
			}
			values := []any{
				a.Number, a.DSR, a.Day, a.Status,
				u.IMEI, u.Status,
				u.AssignedPrice.InexactFloat64(), u.TargetPrice.InexactFloat64(), soldPrice,
			}
			for col, v := range values {
				cell, err := excelize.CoordinatesToCellName(col+1, rowNo)
				if err != nil {
					return err
				}
				f.SetCellValue(sheet, cell, v)
			}
			rowNo++
		}
	}

	return f.Write(w)
}
