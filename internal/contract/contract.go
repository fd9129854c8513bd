// Package contract turns raw query rows into typed contract records and
// loads the whitelist of contracts exempt from irregularity checks.
package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"irrcontract/internal/gateway"

	"github.com/shopspring/decimal"
)

// ErrMissingColumn is returned when a required column is absent.
var ErrMissingColumn = errors.New("missing required column")

// UnknownOrg stands in for a blank organization cell so every contract
// lands somewhere in the hierarchy.
const UnknownOrg = "(unassigned)"

// Org is a contract's position in the organization tree.
type Org struct {
	Division string
	Branch   string
	Dept     string
	Project  string
}

// Path returns the first n levels, division first.
func (o Org) Path(n int) []string {
	all := []string{o.Division, o.Branch, o.Dept, o.Project}
	if n < 0 {
		n = 0
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Contract is one row of the contract extract.
type Contract struct {
	ContractNo string
	Name       string
	Category   string
	Org        Org

	SignDate   time.Time
	EndDate    time.Time
	SettleDate time.Time // zero when not yet settled

	ContractAmount   decimal.Decimal
	ReceivableAmount decimal.Decimal // due up to the statistics date
	BilledAmount     decimal.Decimal // billed up to the statistics date
}

// Settled reports whether a settlement date is recorded.
func (c Contract) Settled() bool {
	return !c.SettleDate.IsZero()
}

// Unbilled is ReceivableAmount - BilledAmount.
func (c Contract) Unbilled() decimal.Decimal {
	return c.ReceivableAmount.Sub(c.BilledAmount)
}

// Columns maps source column names to contract fields.
type Columns struct {
	ContractNo       string `yaml:"contract_no"`
	Name             string `yaml:"name"`
	Category         string `yaml:"category"`
	Division         string `yaml:"division"`
	Branch           string `yaml:"branch"`
	Dept             string `yaml:"dept"`
	Project          string `yaml:"project"`
	SignDate         string `yaml:"sign_date"`
	EndDate          string `yaml:"end_date"`
	SettleDate       string `yaml:"settle_date"`
	ContractAmount   string `yaml:"contract_amount"`
	ReceivableAmount string `yaml:"receivable_amount"`
	BilledAmount     string `yaml:"billed_amount"`
}

// DefaultColumns returns the column names used by the stock SQL files.
func DefaultColumns() Columns {
	return Columns{
		ContractNo:       "contract_no",
		Name:             "contract_name",
		Category:         "category",
		Division:         "division",
		Branch:           "branch",
		Dept:             "dept",
		Project:          "project",
		SignDate:         "sign_date",
		EndDate:          "end_date",
		SettleDate:       "settle_date",
		ContractAmount:   "contract_amount",
		ReceivableAmount: "receivable_amount",
		BilledAmount:     "billed_amount",
	}
}

// required lists the fields a result must carry.
func (c Columns) required() []string {
	return []string{
		c.ContractNo, c.Division, c.Branch, c.Dept, c.Project,
		c.EndDate, c.ReceivableAmount, c.BilledAmount,
	}
}

// dateLayouts are tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"20060102",
}

// ParseDate parses a date cell in loc. Blank cells give the zero time.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "nan") {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseAmount parses a money cell. Blank cells are zero; thousands
// separators are accepted.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "nan") {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// FromResultSet maps every row of rs to a Contract.
func FromResultSet(rs *gateway.ResultSet, cols Columns, loc *time.Location) ([]Contract, error) {
	if loc == nil {
		loc = time.Local
	}
	for _, name := range cols.required() {
		if rs.Index(name) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}

	idx := func(name string) int {
		if name == "" {
			return -1
		}
		return rs.Index(name)
	}
	var (
		iNo       = idx(cols.ContractNo)
		iName     = idx(cols.Name)
		iCategory = idx(cols.Category)
		iDiv      = idx(cols.Division)
		iBranch   = idx(cols.Branch)
		iDept     = idx(cols.Dept)
		iProject  = idx(cols.Project)
		iSign     = idx(cols.SignDate)
		iEnd      = idx(cols.EndDate)
		iSettle   = idx(cols.SettleDate)
		iAmount   = idx(cols.ContractAmount)
		iRecv     = idx(cols.ReceivableAmount)
		iBilled   = idx(cols.BilledAmount)
	)

	out := make([]Contract, 0, rs.Len())
	for n, row := range rs.Rows {
		cell := func(i int) string {
			if i < 0 || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		date := func(i int, col string) (time.Time, error) {
			t, err := ParseDate(cell(i), loc)
			if err != nil {
				return t, fmt.Errorf("row %d column %q: %w", n+1, col, err)
			}
			return t, nil
		}
		amount := func(i int, col string) (decimal.Decimal, error) {
			d, err := ParseAmount(cell(i))
			if err != nil {
				return d, fmt.Errorf("row %d column %q: %w", n+1, col, err)
			}
			return d, nil
		}

		c := Contract{
			ContractNo: cell(iNo),
			Name:       cell(iName),
			Category:   cell(iCategory),
			Org: Org{
				Division: orgName(cell(iDiv)),
				Branch:   orgName(cell(iBranch)),
				Dept:     orgName(cell(iDept)),
				Project:  orgName(cell(iProject)),
			},
		}
		if c.ContractNo == "" {
			return nil, fmt.Errorf("row %d: blank %q", n+1, cols.ContractNo)
		}

		var err error
		if c.SignDate, err = date(iSign, cols.SignDate); err != nil {
			return nil, err
		}
		if c.EndDate, err = date(iEnd, cols.EndDate); err != nil {
			return nil, err
		}
		if c.SettleDate, err = date(iSettle, cols.SettleDate); err != nil {
			return nil, err
		}
		if c.ContractAmount, err = amount(iAmount, cols.ContractAmount); err != nil {
			return nil, err
		}
		if c.ReceivableAmount, err = amount(iRecv, cols.ReceivableAmount); err != nil {
			return nil, err
		}
		if c.BilledAmount, err = amount(iBilled, cols.BilledAmount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// orgName drops control characters, which rollup reserves for its path keys.
func orgName(s string) string {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
	if s == "" {
		return UnknownOrg
	}
	return s
}
