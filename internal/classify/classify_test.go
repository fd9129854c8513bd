package classify

import (
	"testing"
	"time"

	"irrcontract/internal/contract"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stat = time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func standard() *Classifier {
	return Standard(stat, Options{
		Whitelist:         contract.NewWhitelist(contract.WhitelistEntry{ContractNo: "WL-1", Reason: "pilot"}),
		GraceDays:         30,
		UnbilledTolerance: amt("100"),
	})
}

func TestLateSettlementRule(t *testing.T) {
	r := LateSettlementRule{GraceDays: 30}
	tests := []struct {
		name string
		c    contract.Contract
		want bool
	}{
		{"still running", contract.Contract{EndDate: date(2022, 12, 31)}, false},
		{"within grace, unsettled", contract.Contract{EndDate: date(2022, 8, 15)}, false},
		{"deadline equals stat date", contract.Contract{EndDate: date(2022, 8, 2)}, false},
		{"past grace, unsettled", contract.Contract{EndDate: date(2022, 7, 1)}, true},
		{"settled on deadline", contract.Contract{EndDate: date(2022, 7, 1), SettleDate: date(2022, 7, 31)}, false},
		{"settled after deadline", contract.Contract{EndDate: date(2022, 7, 1), SettleDate: date(2022, 8, 5)}, true},
		{"no end date", contract.Contract{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := r.Match(tt.c, stat)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.NotEmpty(t, reason)
			}
		})
	}

	reason, _ := r.Match(contract.Contract{EndDate: date(2022, 7, 1), SettleDate: date(2022, 8, 5)}, stat)
	assert.Equal(t, "settled 2022-08-05, 5 days after 2022-07-31", reason)
}

func TestLateSettlementRule_DaysAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no zoneinfo: %v", err)
	}
	// Clocks went forward on 2022-03-13, so the span is ten days less an hour.
	c := contract.Contract{
		EndDate:    time.Date(2022, 2, 28, 0, 0, 0, 0, ny),
		SettleDate: time.Date(2022, 3, 20, 0, 0, 0, 0, ny),
	}
	reason, ok := LateSettlementRule{GraceDays: 10}.Match(c, stat)
	require.True(t, ok)
	assert.Equal(t, "settled 2022-03-20, 10 days after 2022-03-10", reason)
}

func TestUnbilledRule(t *testing.T) {
	r := UnbilledRule{Tolerance: amt("100")}

	_, ok := r.Match(contract.Contract{ReceivableAmount: amt("1000"), BilledAmount: amt("900")}, stat)
	assert.False(t, ok, "gap equal to tolerance is not flagged")

	reason, ok := r.Match(contract.Contract{ReceivableAmount: amt("1000"), BilledAmount: amt("899.99")}, stat)
	assert.True(t, ok)
	assert.Equal(t, "unbilled 100.01 of 1000.00 receivable", reason)

	_, ok = r.Match(contract.Contract{ReceivableAmount: amt("10"), BilledAmount: amt("50")}, stat)
	assert.False(t, ok, "overbilling is not unbilled")
}

func TestPriorityOrder(t *testing.T) {
	k := standard()

	// Late and unbilled at once: late settlement wins.
	both := contract.Contract{ContractNo: "C-1", EndDate: date(2022, 6, 1), ReceivableAmount: amt("5000")}
	assert.Equal(t, LateSettlement, k.One(both).Irr)

	// Whitelist beats everything.
	both.ContractNo = "WL-1"
	got := k.One(both)
	assert.Equal(t, Whitelisted, got.Irr)
	assert.Equal(t, "pilot", got.Reason)

	unbilled := contract.Contract{ContractNo: "C-2", EndDate: date(2023, 1, 1), ReceivableAmount: amt("5000")}
	assert.Equal(t, Unbilled, k.One(unbilled).Irr)

	normal := contract.Contract{ContractNo: "C-3", EndDate: date(2023, 1, 1)}
	assert.Equal(t, Normal, k.One(normal).Irr)
}

func TestClassify(t *testing.T) {
	k := standard()
	in := []contract.Contract{
		{ContractNo: "C-1", SignDate: date(2021, 1, 1), EndDate: date(2022, 6, 1)},
		{ContractNo: "C-2", SignDate: date(2022, 9, 2), EndDate: date(2022, 6, 1)},
		{ContractNo: "WL-1", EndDate: date(2022, 6, 1)},
		{ContractNo: "C-3", SignDate: stat, EndDate: date(2023, 6, 1), ReceivableAmount: amt("500")},
		{ContractNo: "C-4", EndDate: date(2023, 6, 1)},
	}

	out, stats := k.Classify(in)
	require.Len(t, out, 4)

	assert.Equal(t, []string{"C-1", "WL-1", "C-3", "C-4"}, []string{out[0].ContractNo, out[1].ContractNo, out[2].ContractNo, out[3].ContractNo})
	assert.Equal(t, []IrrCategory{LateSettlement, Whitelisted, Unbilled, Normal}, []IrrCategory{out[0].Irr, out[1].Irr, out[2].Irr, out[3].Irr})

	assert.Equal(t, 5, stats.Input)
	assert.Equal(t, 1, stats.OutOfScope)
	assert.Equal(t, 4, stats.InScope())
	assert.Equal(t, 2, stats.Irregular())
	assert.Equal(t, map[IrrCategory]int{LateSettlement: 1, Whitelisted: 1, Unbilled: 1, Normal: 1}, stats.ByCategory)
}

func TestIrrCategory(t *testing.T) {
	assert.True(t, LateSettlement.Irregular())
	assert.True(t, Unbilled.Irregular())
	assert.False(t, Whitelisted.Irregular())
	assert.False(t, Normal.Irregular())
	assert.Equal(t, "Late Settlement", LateSettlement.Label())
	assert.Len(t, Categories(), 4)
}
