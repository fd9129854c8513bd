// Package rollup aggregates classified contracts up the organization
// tree (division → branch → dept → project) and joins each level's rates
// against its parent level and against the previous statistics date.
package rollup

import (
	"fmt"
	"sort"
	"strings"

	"irrcontract/internal/classify"
	"irrcontract/internal/logging"
)

// Level is a depth in the organization tree.
type Level int

const (
	Company  Level = iota // whole company, no org keys
	Division              // division
	Branch                // division, branch
	Dept                  // division, branch, dept
	Project               // division, branch, dept, project
)

// orgs names the organization columns, outermost first.
var orgs = []string{"division", "branch", "dept", "project"}

// Levels lists the four organizational levels, outermost first.
func Levels() []Level {
	return []Level{Division, Branch, Dept, Project}
}

func (l Level) String() string {
	if l == Company {
		return "company"
	}
	if l < Company || l > Project {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return orgs[l-1]
}

// Title is the sheet and heading name of the level.
func (l Level) Title() string {
	switch l {
	case Company:
		return "Company"
	case Division:
		return "Division"
	case Branch:
		return "Branch"
	case Dept:
		return "Dept"
	case Project:
		return "Project"
	}
	return l.String()
}

// Keys returns the grouping columns of the level: division; division,
// branch; and so on.
func (l Level) Keys() []string {
	if l <= Company {
		return nil
	}
	return append([]string(nil), orgs[:l]...)
}

// Parent returns the enclosing level. Company has none.
func (l Level) Parent() (Level, bool) {
	if l <= Company {
		return Company, false
	}
	return l - 1, true
}

// ParseLevel accepts a level name as produced by String.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range append([]Level{Company}, Levels()...) {
		if l.String() == s {
			return l, nil
		}
	}
	return Company, fmt.Errorf("unknown level %q", s)
}

// KeySeparator joins org path elements in OrgKey, for display.
const KeySeparator = " > "

// pathSeparator joins org path elements in PathKey. contract.FromResultSet
// strips control characters from org names, so distinct paths get
// distinct keys.
const pathSeparator = "\x1f"

// PathKey is the unambiguous key of an org path. It keys history rows
// and the parent and previous-period joins.
func PathKey(path ...string) string {
	return strings.Join(path, pathSeparator)
}

// Row is one group's counts and rates.
type Row struct {
	Level  Level
	Key    []string // org path of length Level
	Total  int
	Counts map[classify.IrrCategory]int

	Assessed  int // Total minus whitelisted
	Irregular int // late settlement plus unbilled
	Rate      float64
	NoBase    bool // Assessed is zero; Rate is reported as 0

	HasBaseline   bool
	Baseline      float64 // parent group's rate
	Delta         float64 // Rate - Baseline
	AboveBaseline bool

	HasPrev    bool
	PrevRate   float64 // same group's rate on the previous statistics date
	RateChange float64 // Rate - PrevRate
}

// OrgKey is the display name of the row's org path.
func (r Row) OrgKey() string {
	return strings.Join(r.Key, KeySeparator)
}

// PathKey identifies the row within its level.
func (r Row) PathKey() string {
	return PathKey(r.Key...)
}

// ParentKey is the PathKey of the enclosing group.
func (r Row) ParentKey() string {
	if len(r.Key) == 0 {
		return ""
	}
	return PathKey(r.Key[:len(r.Key)-1]...)
}

// Count returns the number of contracts in cat.
func (r Row) Count(cat classify.IrrCategory) int {
	return r.Counts[cat]
}

func (r *Row) add(c classify.Classified) {
	r.Total++
	r.Counts[c.Irr]++
}

func (r *Row) finish() {
	r.Assessed = r.Total - r.Counts[classify.Whitelisted]
	r.Irregular = 0
	for cat, n := range r.Counts {
		if cat.Irregular() {
			r.Irregular += n
		}
	}
	if r.Assessed <= 0 {
		r.NoBase = true
		r.Rate = 0
		return
	}
	r.Rate = float64(r.Irregular) / float64(r.Assessed)
}

// Table is every group of one level, sorted by org path.
type Table struct {
	Level Level
	Rows  []Row
}

// Find returns the row with the given org path.
func (t Table) Find(path ...string) (Row, bool) {
	key := PathKey(path...)
	for _, r := range t.Rows {
		if r.PathKey() == key {
			return r, true
		}
	}
	return Row{}, false
}

// Totals sums every row of the table into one company-level row.
func (t Table) Totals() Row {
	total := Row{Level: Company, Counts: make(map[classify.IrrCategory]int)}
	for _, r := range t.Rows {
		total.Total += r.Total
		for cat, n := range r.Counts {
			total.Counts[cat] += n
		}
	}
	total.finish()
	return total
}

// Total is the company-wide row.
func Total(items []classify.Classified) Row {
	return Rollup(items, Company).Totals()
}

// Rollup groups items by the level's org keys.
func Rollup(items []classify.Classified, level Level) Table {
	groups := make(map[string]*Row)
	for _, c := range items {
		key := c.Org.Path(int(level))
		id := PathKey(key...)
		row, ok := groups[id]
		if !ok {
			row = &Row{Level: level, Key: key, Counts: make(map[classify.IrrCategory]int)}
			groups[id] = row
		}
		row.add(c)
	}

	t := Table{Level: level, Rows: make([]Row, 0, len(groups))}
	for _, row := range groups {
		row.finish()
		t.Rows = append(t.Rows, *row)
	}
	sort.Slice(t.Rows, func(i, j int) bool {
		return lessPath(t.Rows[i].Key, t.Rows[j].Key)
	})
	return t
}

func lessPath(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// All rolls items up to every organizational level, outermost first.
// Division rows are baselined against the company total and every other
// level against its parent level.
func All(items []classify.Classified) (Row, []Table) {
	timer := logging.StartTimer(logging.CategoryRollup, "All")
	defer timer.Stop()

	company := Total(items)
	tables := make([]Table, 0, len(Levels()))
	for _, level := range Levels() {
		tables = append(tables, Rollup(items, level))
	}
	for i := range tables {
		if i == 0 {
			tables[i] = JoinCompany(tables[i], company)
			continue
		}
		tables[i] = JoinParent(tables[i], tables[i-1])
	}

	for _, t := range tables {
		above := 0
		for _, r := range t.Rows {
			if r.AboveBaseline {
				above++
			}
		}
		logging.Rollup("%s: %d groups, %d above baseline", t.Level, len(t.Rows), above)
	}
	return company, tables
}

func withBaseline(r Row, baseline float64) Row {
	r.HasBaseline = true
	r.Baseline = baseline
	r.Delta = r.Rate - baseline
	r.AboveBaseline = !r.NoBase && r.Delta > 0
	return r
}

// JoinCompany baselines every row against the company-wide rate.
func JoinCompany(t Table, company Row) Table {
	out := Table{Level: t.Level, Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = withBaseline(r, company.Rate)
	}
	return out
}

// JoinParent attaches each child row's parent rate as its baseline.
// Rows whose parent is missing keep HasBaseline false.
func JoinParent(child, parent Table) Table {
	rates := make(map[string]float64, len(parent.Rows))
	for _, r := range parent.Rows {
		rates[r.PathKey()] = r.Rate
	}
	out := Table{Level: child.Level, Rows: make([]Row, len(child.Rows))}
	for i, r := range child.Rows {
		if rate, ok := rates[r.ParentKey()]; ok {
			r = withBaseline(r, rate)
		} else {
			logging.RollupDebug("%s %q has no parent row", child.Level, r.OrgKey())
		}
		out.Rows[i] = r
	}
	return out
}

// JoinPrevious attaches last period's rate (PathKey → rate) where present.
func JoinPrevious(t Table, prev map[string]float64) Table {
	out := Table{Level: t.Level, Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		if rate, ok := prev[r.PathKey()]; ok {
			r.HasPrev = true
			r.PrevRate = rate
			r.RateChange = r.Rate - rate
		}
		out.Rows[i] = r
	}
	return out
}
