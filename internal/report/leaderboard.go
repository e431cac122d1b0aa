// Package report renders leaderboards as spreadsheets.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"example.com/sadhana/internal/domain"
)

// ContentType is the MIME type of the workbook WriteLeaderboard produces.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const sheetName = "Leaderboard"

var headers = []string{"Rank", "Name", "Points", "Units", "Entries"}

// WriteLeaderboard writes standings as a one-sheet workbook. The first row holds
// title, the second the column headers. Points and units are rounded to two places.
func WriteLeaderboard(w io.Writer, title string, standings []domain.Standing) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	if err := f.SetCellValue(sheetName, "A1", title); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheetName, "A2", "E2", bold); err != nil {
		return err
	}

	for i, s := range standings {
		row := i + 3
		values := []any{
			s.Rank,
			s.Name,
			s.Totals.Points.Round(2).InexactFloat64(),
			s.Totals.Units.Round(2).InexactFloat64(),
			s.Totals.Entries,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "B", 28)
	_ = f.SetColWidth(sheetName, "C", "E", 12)

	return f.Write(w)
}
