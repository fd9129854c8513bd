// Package classify tags each contract with an irregularity category.
//
// Rules run in a fixed priority order and the first match wins:
// whitelist, late settlement, unbilled. Contracts that match nothing are
// normal. Contracts signed after the statistics date are out of scope.
package classify

import (
	"fmt"
	"time"

	"irrcontract/internal/contract"
	"irrcontract/internal/logging"

	"github.com/shopspring/decimal"
)

// IrrCategory is the irregularity tag of a contract.
type IrrCategory string

const (
	Normal         IrrCategory = "normal"
	Whitelisted    IrrCategory = "whitelist"
	LateSettlement IrrCategory = "late_settlement"
	Unbilled       IrrCategory = "unbilled"
)

// Categories lists every category in report order.
func Categories() []IrrCategory {
	return []IrrCategory{Whitelisted, LateSettlement, Unbilled, Normal}
}

// Irregular reports whether the category counts toward the irregularity rate.
func (c IrrCategory) Irregular() bool {
	return c == LateSettlement || c == Unbilled
}

// Label is the human-readable column heading.
func (c IrrCategory) Label() string {
	switch c {
	case Whitelisted:
		return "Whitelist"
	case LateSettlement:
		return "Late Settlement"
	case Unbilled:
		return "Unbilled"
	case Normal:
		return "Normal"
	}
	return string(c)
}

// Rule decides whether a contract falls in its category as of stat.
type Rule interface {
	Category() IrrCategory
	Match(c contract.Contract, stat time.Time) (reason string, ok bool)
}

// WhitelistRule exempts listed contracts.
type WhitelistRule struct {
	List *contract.Whitelist
}

func (WhitelistRule) Category() IrrCategory { return Whitelisted }

func (r WhitelistRule) Match(c contract.Contract, _ time.Time) (string, bool) {
	reason, ok := r.List.Lookup(c.ContractNo)
	if !ok {
		return "", false
	}
	if reason == "" {
		reason = "whitelisted"
	}
	return reason, true
}

// LateSettlementRule flags contracts whose settlement deadline (end date
// plus grace days) passed before the statistics date without settlement,
// or that settled after the deadline.
type LateSettlementRule struct {
	GraceDays int
}

func (LateSettlementRule) Category() IrrCategory { return LateSettlement }

func (r LateSettlementRule) Match(c contract.Contract, stat time.Time) (string, bool) {
	if c.EndDate.IsZero() {
		return "", false
	}
	deadline := c.EndDate.AddDate(0, 0, r.GraceDays)
	if !deadline.Before(stat) {
		return "", false
	}
	if !c.Settled() {
		return fmt.Sprintf("ended %s, unsettled past %s", c.EndDate.Format("2006-01-02"), deadline.Format("2006-01-02")), true
	}
	if c.SettleDate.After(deadline) {
		days := calendarDays(deadline, c.SettleDate)
		return fmt.Sprintf("settled %s, %d days after %s", c.SettleDate.Format("2006-01-02"), days, deadline.Format("2006-01-02")), true
	}
	return "", false
}

// calendarDays counts the dates from a to b, ignoring clock time and DST.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from) / (24 * time.Hour))
}

// UnbilledRule flags contracts whose receivable exceeds billing by more
// than Tolerance.
type UnbilledRule struct {
	Tolerance decimal.Decimal
}

func (UnbilledRule) Category() IrrCategory { return Unbilled }

func (r UnbilledRule) Match(c contract.Contract, _ time.Time) (string, bool) {
	gap := c.Unbilled()
	if !gap.GreaterThan(r.Tolerance) {
		return "", false
	}
	return fmt.Sprintf("unbilled %s of %s receivable", gap.StringFixed(2), c.ReceivableAmount.StringFixed(2)), true
}

// Classified is a contract with its irregularity tag.
type Classified struct {
	contract.Contract
	Irr    IrrCategory
	Reason string
}

// Stats summarizes one classification pass.
type Stats struct {
	Input      int
	OutOfScope int
	ByCategory map[IrrCategory]int
}

// Irregular is the number of contracts in irregular categories.
func (s Stats) Irregular() int {
	n := 0
	for cat, count := range s.ByCategory {
		if cat.Irregular() {
			n += count
		}
	}
	return n
}

// InScope is the number of contracts that were classified.
func (s Stats) InScope() int {
	return s.Input - s.OutOfScope
}

// Classifier applies rules in order as of a statistics date.
type Classifier struct {
	stat  time.Time
	rules []Rule
}

// New returns a classifier that tries rules in the given order.
func New(stat time.Time, rules ...Rule) *Classifier {
	return &Classifier{stat: stat, rules: rules}
}

// Options configure the standard rule set.
type Options struct {
	Whitelist         *contract.Whitelist
	GraceDays         int
	UnbilledTolerance decimal.Decimal
}

// Standard returns the classifier with the whitelist, late settlement and
// unbilled rules in priority order.
func Standard(stat time.Time, opts Options) *Classifier {
	return New(stat,
		WhitelistRule{List: opts.Whitelist},
		LateSettlementRule{GraceDays: opts.GraceDays},
		UnbilledRule{Tolerance: opts.UnbilledTolerance},
	)
}

// InScope reports whether c was signed on or before the statistics date.
// Contracts without a sign date are kept.
func (k *Classifier) InScope(c contract.Contract) bool {
	return c.SignDate.IsZero() || !c.SignDate.After(k.stat)
}

// One classifies a single in-scope contract.
func (k *Classifier) One(c contract.Contract) Classified {
	for _, r := range k.rules {
		if reason, ok := r.Match(c, k.stat); ok {
			return Classified{Contract: c, Irr: r.Category(), Reason: reason}
		}
	}
	return Classified{Contract: c, Irr: Normal}
}

// Classify tags every in-scope contract, preserving input order.
func (k *Classifier) Classify(contracts []contract.Contract) ([]Classified, Stats) {
	timer := logging.StartTimer(logging.CategoryClassify, "Classify")
	defer timer.Stop()

	stats := Stats{Input: len(contracts), ByCategory: make(map[IrrCategory]int)}
	out := make([]Classified, 0, len(contracts))
	for _, c := range contracts {
		if !k.InScope(c) {
			stats.OutOfScope++
			logging.ClassifyDebug("%s signed %s after statistics date, skipped", c.ContractNo, c.SignDate.Format("2006-01-02"))
			continue
		}
		cl := k.One(c)
		stats.ByCategory[cl.Irr]++
		out = append(out, cl)
	}

	logging.Classify("Classified %d contracts (%d out of scope): whitelist=%d late=%d unbilled=%d normal=%d",
		len(out), stats.OutOfScope,
		stats.ByCategory[Whitelisted], stats.ByCategory[LateSettlement],
		stats.ByCategory[Unbilled], stats.ByCategory[Normal])
	return out, stats
}
