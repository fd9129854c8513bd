package contract

import (
	"errors"
	"testing"
	"time"

	"irrcontract/internal/gateway"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractResult() *gateway.ResultSet {
	return &gateway.ResultSet{
		Columns: []string{
			"contract_no", "contract_name", "category", "division", "branch", "dept", "project",
			"sign_date", "end_date", "settle_date", "contract_amount", "receivable_amount", "billed_amount",
		},
		Rows: [][]string{
			{"C-001", "Tower A lease", "lease", "East", "Shanghai", "Leasing", "Tower A",
				"2021-01-01", "2022-06-30", "", "1,200,000.00", "600000", "550000.5"},
			{"C-002", "", "", "East", "", "Leasing", "Tower B",
				"2021/03/01", "2022-07-31 00:00:00", "2022-08-10", "", "", ""},
		},
	}
}

func TestFromResultSet(t *testing.T) {
	got, err := FromResultSet(contractResult(), DefaultColumns(), time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 2)

	c := got[0]
	assert.Equal(t, "C-001", c.ContractNo)
	assert.Equal(t, "lease", c.Category)
	assert.Equal(t, Org{"East", "Shanghai", "Leasing", "Tower A"}, c.Org)
	assert.True(t, time.Date(2022, 6, 30, 0, 0, 0, 0, time.UTC).Equal(c.EndDate))
	assert.False(t, c.Settled())
	assert.True(t, decimal.RequireFromString("1200000").Equal(c.ContractAmount))
	assert.True(t, decimal.RequireFromString("49999.5").Equal(c.Unbilled()))

	c = got[1]
	assert.Equal(t, UnknownOrg, c.Org.Branch)
	assert.True(t, time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC).Equal(c.SignDate))
	assert.True(t, time.Date(2022, 7, 31, 0, 0, 0, 0, time.UTC).Equal(c.EndDate))
	assert.True(t, c.Settled())
	assert.True(t, c.Unbilled().IsZero())
}

func TestFromResultSet_MissingColumn(t *testing.T) {
	rs := contractResult()
	rs.Columns[12] = "billed"

	_, err := FromResultSet(rs, DefaultColumns(), time.UTC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingColumn))
	assert.Contains(t, err.Error(), "billed_amount")
}

func TestFromResultSet_OptionalColumnsMayBeAbsent(t *testing.T) {
	rs := &gateway.ResultSet{
		Columns: []string{"contract_no", "division", "branch", "dept", "project", "end_date", "receivable_amount", "billed_amount"},
		Rows:    [][]string{{"C-9", "D", "B", "P", "J", "2022-01-01", "10", "10"}},
	}
	got, err := FromResultSet(rs, DefaultColumns(), time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].SignDate.IsZero())
	assert.Empty(t, got[0].Category)
}

func TestFromResultSet_BadCell(t *testing.T) {
	rs := contractResult()
	rs.Rows[1][8] = "next tuesday"

	_, err := FromResultSet(rs, DefaultColumns(), time.UTC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
	assert.Contains(t, err.Error(), "end_date")

	rs = contractResult()
	rs.Rows[0][11] = "lots"
	_, err = FromResultSet(rs, DefaultColumns(), time.UTC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receivable_amount")
}

func TestFromResultSet_BlankContractNo(t *testing.T) {
	rs := contractResult()
	rs.Rows[0][0] = " "

	_, err := FromResultSet(rs, DefaultColumns(), time.UTC)
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"", "NULL", "NaN"} {
		d, err := ParseDate(in, time.UTC)
		require.NoError(t, err)
		assert.True(t, d.IsZero(), in)
	}
	d, err := ParseDate("20220901", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.September, d.Month())
}

func TestOrgPath(t *testing.T) {
	o := Org{"D", "B", "P", "J"}
	assert.Equal(t, []string{"D"}, o.Path(1))
	assert.Equal(t, []string{"D", "B", "P", "J"}, o.Path(4))
	assert.Equal(t, []string{"D", "B", "P", "J"}, o.Path(9))
	assert.Empty(t, o.Path(0))
}

func TestFromResultSet_OrgNamesDropControlCharacters(t *testing.T) {
	rs := contractResult()
	rs.Rows[0][3] = "East\x1f"
	rs.Rows[0][4] = " \t"

	got, err := FromResultSet(rs, DefaultColumns(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "East", got[0].Org.Division)
	assert.Equal(t, UnknownOrg, got[0].Org.Branch)
}
