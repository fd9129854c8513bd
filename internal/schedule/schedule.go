// Package schedule resolves the reporting dates of a weekly run and the
// dated working directories that hold its inputs and outputs.
package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DateFormat names dated directories and report files (YYYYMMDD).
const DateFormat = "20060102"

// SQLDateFormat is the form dates take when rendered into SQL parameters.
const SQLDateFormat = "2006-01-02"

// Weekday is a statistics weekday. Monday is zero.
type Weekday int

const (
	MON Weekday = iota
	TUE
	WED
	THU
	FRI
	SAT
	SUN
)

var weekdayNames = [...]string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}

// Weekdays lists every weekday name in order.
func Weekdays() []string {
	return append([]string(nil), weekdayNames[:]...)
}

func (w Weekday) String() string {
	if w < MON || w > SUN {
		return fmt.Sprintf("Weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

// ParseWeekday accepts a weekday name such as "THU" (case-insensitive).
func ParseWeekday(name string) (Weekday, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range weekdayNames {
		if n == upper {
			return Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q (valid: %s)", name, strings.Join(weekdayNames[:], ", "))
}

// fromTime converts Go's Sunday-first numbering.
func fromTime(d time.Weekday) Weekday {
	return Weekday((int(d) + 6) % 7)
}

// Floor truncates t to midnight in its own location.
func Floor(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// LastByWeekday returns the closest day strictly before t that falls on w.
// Sunday 2022-09-04 with THU gives Thursday 2022-09-01.
func LastByWeekday(w Weekday, t time.Time) time.Time {
	day := Floor(t)
	back := (int(fromTime(day.Weekday())) - int(w) + 7) % 7
	if back == 0 {
		back = 7
	}
	return day.AddDate(0, 0, -back)
}

// Dates are the three dates a run works with.
type Dates struct {
	Exec     time.Time // day the job runs
	Stat     time.Time // statistics date being reported
	LastStat time.Time // previous statistics date, for comparison
}

// Resolve computes the run dates for weekday w as seen from now.
func Resolve(w Weekday, now time.Time) Dates {
	exec := Floor(now)
	stat := LastByWeekday(w, exec)
	return Dates{
		Exec:     exec,
		Stat:     stat,
		LastStat: LastByWeekday(w, stat),
	}
}

// Key is the statistics date in DateFormat.
func (d Dates) Key() string {
	return d.Stat.Format(DateFormat)
}

// Params exposes the dates to SQL templates.
func (d Dates) Params() map[string]string {
	return map[string]string{
		"ExecDate":     d.Exec.Format(SQLDateFormat),
		"StatDate":     d.Stat.Format(SQLDateFormat),
		"LastStatDate": d.LastStat.Format(SQLDateFormat),
	}
}

// DatedDir returns root/name/YYYYMMDD and creates it. An absolute name
// ignores root.
func DatedDir(root, name string, stat time.Time) (string, error) {
	base := name
	if !filepath.IsAbs(name) {
		base = filepath.Join(root, name)
	}
	dir := filepath.Join(base, stat.Format(DateFormat))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// Paths creates one dated directory per name and returns them keyed by name.
func Paths(root string, names []string, stat time.Time) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		dir, err := DatedDir(root, name, stat)
		if err != nil {
			return nil, err
		}
		out[name] = dir
	}
	return out, nil
}
