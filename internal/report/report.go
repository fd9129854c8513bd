// Package report writes the weekly irregularity workbook.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"irrcontract/internal/classify"
	"irrcontract/internal/logging"
	"irrcontract/internal/rollup"
	"irrcontract/internal/schedule"

	"github.com/xuri/excelize/v2"
)

// Sheet names.
const (
	SheetSummary = "Summary"
	SheetDetail  = "Detail"
)

// numFmtPercent is the built-in "0.00%" number format.
const numFmtPercent = 10

// Report is everything the workbook shows.
type Report struct {
	Dates   schedule.Dates
	RunID   string
	Stats   classify.Stats
	Company rollup.Row
	Tables  []rollup.Table
	Items   []classify.Classified
}

// FileName is the workbook name for a statistics date.
func FileName(stat time.Time) string {
	return fmt.Sprintf("irregular_contracts_%s.xlsx", stat.Format(schedule.DateFormat))
}

// LevelHeader is the header row of a level sheet.
func LevelHeader(level rollup.Level) []string {
	h := make([]string, 0, int(level)+12)
	for l := rollup.Division; l <= level; l++ {
		h = append(h, l.Title())
	}
	return append(h,
		"Total", "Assessed",
		classify.Whitelisted.Label(), classify.LateSettlement.Label(), classify.Unbilled.Label(),
		"Irregular", "Rate", "Baseline", "Delta", "Prev Rate", "Change",
	)
}

// DetailHeader is the header row of the detail sheet.
var DetailHeader = []string{
	"Contract No", "Name", "Category",
	"Division", "Branch", "Dept", "Project",
	"Sign Date", "End Date", "Settle Date",
	"Receivable", "Billed", "Unbilled",
	"Irregularity", "Reason",
}

type styles struct {
	header       int
	percent      int
	above        int
	abovePercent int
	amount       int
}

func newStyles(f *excelize.File) (styles, error) {
	var (
		s   styles
		err error
	)
	red := excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#F8CBAD"}}
	if s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DDEBF7"}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	}); err != nil {
		return s, err
	}
	if s.percent, err = f.NewStyle(&excelize.Style{NumFmt: numFmtPercent}); err != nil {
		return s, err
	}
	if s.above, err = f.NewStyle(&excelize.Style{Fill: red}); err != nil {
		return s, err
	}
	if s.abovePercent, err = f.NewStyle(&excelize.Style{Fill: red, NumFmt: numFmtPercent}); err != nil {
		return s, err
	}
	if s.amount, err = f.NewStyle(&excelize.Style{NumFmt: 4}); err != nil { // #,##0.00
		return s, err
	}
	return s, nil
}

// Write renders r into an XLSX workbook at path.
func Write(path string, r Report) error {
	timer := logging.StartTimer(logging.CategoryReport, "Write")
	defer timer.Stop()

	f := excelize.NewFile()
	defer f.Close()

	st, err := newStyles(f)
	if err != nil {
		return fmt.Errorf("failed to create styles: %w", err)
	}

	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if err := writeSummary(f, st, r); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}
	for _, t := range r.Tables {
		if err := writeLevel(f, st, t); err != nil {
			return fmt.Errorf("%s sheet: %w", t.Level.Title(), err)
		}
	}
	if err := writeDetail(f, st, r.Items); err != nil {
		return fmt.Errorf("detail sheet: %w", err)
	}
	f.SetActiveSheet(0)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	logging.Report("Wrote %s (%d level sheets)", path, len(r.Tables))
	return nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func writeHeader(f *excelize.File, st styles, sheet string, header []string) error {
	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &row); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", cell(len(header), 1), st.header); err != nil {
		return err
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeSummary(f *excelize.File, st styles, r Report) error {
	sheet := SheetSummary
	date := func(t time.Time) string { return t.Format("2006-01-02") }
	rows := [][]interface{}{
		{"Item", "Value"},
		{"Statistics Date", date(r.Dates.Stat)},
		{"Previous Statistics Date", date(r.Dates.LastStat)},
		{"Execution Date", date(r.Dates.Exec)},
		{"Run ID", r.RunID},
		{"Contracts", r.Stats.Input},
		{"Out Of Scope", r.Stats.OutOfScope},
		{"Classified", r.Stats.InScope()},
	}
	for _, cat := range classify.Categories() {
		rows = append(rows, []interface{}{cat.Label(), r.Company.Count(cat)})
	}
	rows = append(rows,
		[]interface{}{"Assessed", r.Company.Assessed},
		[]interface{}{"Irregular", r.Company.Irregular},
		[]interface{}{"Irregularity Rate", r.Company.Rate},
	)

	for i, row := range rows {
		row := row
		if err := f.SetSheetRow(sheet, cell(1, i+1), &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheet, "A1", "B1", st.header); err != nil {
		return err
	}
	last := len(rows)
	if err := f.SetCellStyle(sheet, cell(2, last), cell(2, last), st.percent); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", "B", 28)
}

func writeLevel(f *excelize.File, st styles, t rollup.Table) error {
	sheet := t.Level.Title()
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	header := LevelHeader(t.Level)
	if err := writeHeader(f, st, sheet, header); err != nil {
		return err
	}

	nKeys := len(t.Level.Keys())
	rateCol := nKeys + 7 // first of Rate, Baseline, Delta, Prev Rate, Change
	for i, r := range t.Rows {
		rowNum := i + 2
		values := make([]interface{}, 0, len(header))
		for _, k := range r.Key {
			values = append(values, k)
		}
		values = append(values,
			r.Total, r.Assessed,
			r.Count(classify.Whitelisted), r.Count(classify.LateSettlement), r.Count(classify.Unbilled),
			r.Irregular, r.Rate,
		)
		if r.HasBaseline {
			values = append(values, r.Baseline, r.Delta)
		} else {
			values = append(values, nil, nil)
		}
		if r.HasPrev {
			values = append(values, r.PrevRate, r.RateChange)
		} else {
			values = append(values, nil, nil)
		}
		if err := f.SetSheetRow(sheet, cell(1, rowNum), &values); err != nil {
			return err
		}

		textStyle, pctStyle := 0, st.percent
		if r.AboveBaseline {
			textStyle, pctStyle = st.above, st.abovePercent
		}
		if textStyle != 0 {
			if err := f.SetCellStyle(sheet, cell(1, rowNum), cell(rateCol-1, rowNum), textStyle); err != nil {
				return err
			}
		}
		if err := f.SetCellStyle(sheet, cell(rateCol, rowNum), cell(len(header), rowNum), pctStyle); err != nil {
			return err
		}
	}

	logging.ReportDebug("%s sheet: %d rows", sheet, len(t.Rows))
	lastRow := len(t.Rows) + 1
	if err := f.AutoFilter(sheet, "A1:"+cell(len(header), lastRow), nil); err != nil {
		return err
	}
	lastKeyCol, _ := excelize.ColumnNumberToName(max(nKeys, 1))
	return f.SetColWidth(sheet, "A", lastKeyCol, 18)
}

func writeDetail(f *excelize.File, st styles, items []classify.Classified) error {
	sheet := SheetDetail
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	if err := writeHeader(f, st, sheet, DetailHeader); err != nil {
		return err
	}

	date := func(t time.Time) interface{} {
		if t.IsZero() {
			return nil
		}
		return t.Format("2006-01-02")
	}
	rowNum := 1
	for _, c := range items {
		if c.Irr == classify.Normal {
			continue
		}
		rowNum++
		values := []interface{}{
			c.ContractNo, c.Name, c.Category,
			c.Org.Division, c.Org.Branch, c.Org.Dept, c.Org.Project,
			date(c.SignDate), date(c.EndDate), date(c.SettleDate),
			c.ReceivableAmount.InexactFloat64(), c.BilledAmount.InexactFloat64(), c.Unbilled().InexactFloat64(),
			c.Irr.Label(), c.Reason,
		}
		if err := f.SetSheetRow(sheet, cell(1, rowNum), &values); err != nil {
			return err
		}
	}
	if rowNum > 1 {
		if err := f.SetCellStyle(sheet, cell(11, 2), cell(13, rowNum), st.amount); err != nil {
			return err
		}
	}
	if err := f.AutoFilter(sheet, "A1:"+cell(len(DetailHeader), rowNum), nil); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "G", 16); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "O", "O", 48)
}
