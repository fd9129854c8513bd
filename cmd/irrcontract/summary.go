package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"irrcontract/internal/classify"
	"irrcontract/internal/gateway"
	"irrcontract/internal/history"
	"irrcontract/internal/pipeline"
	"irrcontract/internal/rollup"
	"irrcontract/internal/schedule"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	accent      = lipgloss.Color("#8BC34A")
	destructive = lipgloss.Color("#e53935")
	muted       = lipgloss.Color("#6b7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(22)
	alertStyle = lipgloss.NewStyle().Foreground(destructive).Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1)
)

func percent(rate float64) string {
	return fmt.Sprintf("%.2f%%", rate*100)
}

// signedPoints formats a rate difference in percentage points.
func signedPoints(d float64) string {
	return fmt.Sprintf("%+.2fpp", d*100)
}

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// renderSummary is the console report printed after run.
func renderSummary(res *pipeline.Result) string {
	d := res.Dates()
	c := res.Company

	rate := percent(c.Rate)
	if c.HasPrev {
		rate += "  (" + signedPoints(c.RateChange) + " vs " + d.LastStat.Format(schedule.SQLDateFormat) + ")"
	}

	lines := []string{
		titleStyle.Render("Irregular contracts, week of " + d.Stat.Format(schedule.SQLDateFormat)),
		"",
		field("Run", res.RunID),
		field("Contracts", fmt.Sprintf("%d (%d out of scope)", res.Stats.Input, res.Stats.OutOfScope)),
	}
	for _, cat := range classify.Categories() {
		lines = append(lines, field(cat.Label(), strconv.Itoa(res.Stats.ByCategory[cat])))
	}
	lines = append(lines,
		field("Irregularity rate", rate),
		field("Report", res.ReportPath),
	)

	var above []string
	for _, t := range res.Tables {
		n := 0
		for _, r := range t.Rows {
			if r.AboveBaseline {
				n++
			}
		}
		above = append(above, fmt.Sprintf("%s %d/%d", t.Level, n, len(t.Rows)))
	}
	if len(above) > 0 {
		lines = append(lines, field("Above baseline", alertStyle.Render(strings.Join(above, ", "))))
	}

	return boxStyle.Render(strings.Join(lines, "\n")) + "\n" + renderTop(res.Tables, rollup.Branch, 5)
}

// renderTop lists the groups of one level furthest above their baseline.
func renderTop(tables []rollup.Table, level rollup.Level, n int) string {
	var rows [][]string
	for _, t := range tables {
		if t.Level != level {
			continue
		}
		for _, r := range topAbove(t, n) {
			rows = append(rows, []string{r.OrgKey(), percent(r.Rate), percent(r.Baseline), signedPoints(r.Delta)})
		}
	}
	if len(rows) == 0 {
		return ""
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(level.Title(), "Rate", "Baseline", "Delta").
		Rows(rows...).
		String()
}

func topAbove(t rollup.Table, n int) []rollup.Row {
	var out []rollup.Row
	for _, r := range t.Rows {
		if r.AboveBaseline {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delta > out[j].Delta })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// renderFetch lists the extracts of a fetch.
func renderFetch(res *pipeline.FetchResult) string {
	rows := make([][]string, 0, len(res.Files))
	for _, key := range res.Keys() {
		source := "gateway"
		if res.Hits[key] {
			source = "cache"
		}
		rows = append(rows, []string{key, strconv.Itoa(res.Rows[key]), source, res.Files[key]})
	}
	return titleStyle.Render("Extracts for "+res.Dates.Stat.Format(schedule.SQLDateFormat)) + "\n" +
		table.New().
			Border(lipgloss.NormalBorder()).
			Headers("Key", "Rows", "Source", "File").
			Rows(rows...).
			String()
}

// renderHistory lists company rates, newest first.
func renderHistory(sums []history.Summary) string {
	rows := make([][]string, 0, len(sums))
	for i, s := range sums {
		rate, change := percent(s.Rate), ""
		if s.NoBase {
			rate = "n/a"
		} else if i+1 < len(sums) && !sums[i+1].NoBase {
			change = signedPoints(s.Rate - sums[i+1].Rate)
		}
		rows = append(rows, []string{
			s.StatDate.Format(schedule.SQLDateFormat),
			strconv.Itoa(s.Total),
			strconv.Itoa(s.Assessed),
			strconv.Itoa(s.Irregular),
			rate,
			change,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Stat Date", "Total", "Assessed", "Irregular", "Rate", "Change").
		Rows(rows...).
		String()
}

// renderResultSet prints a gateway result as a table.
func renderResultSet(rs *gateway.ResultSet) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(rs.Columns...).
		Rows(rs.Rows...).
		String()
}
