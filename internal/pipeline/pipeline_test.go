package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"irrcontract/internal/classify"
	"irrcontract/internal/config"
	"irrcontract/internal/gateway"
	"irrcontract/internal/history"
	"irrcontract/internal/rollup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractRows = &gateway.ResultSet{
	Columns: []string{
		"contract_no", "contract_name", "division", "branch", "dept", "project",
		"sign_date", "end_date", "settle_date", "receivable_amount", "billed_amount",
	},
	Rows: [][]string{
		{"C1", "Lease A", "East", "Shanghai", "Leasing", "Tower A", "2026-01-01", "2026-06-30", "", "1000", "1000"},
		{"C2", "Lease B", "East", "Shanghai", "Leasing", "Tower A", "2026-01-01", "2026-12-31", "", "1000", "1000"},
		{"C3", "Mall ops", "East", "Hangzhou", "Ops", "Mall", "2026-01-01", "2026-12-31", "", "1,000.00", "500"},
		{"C4", "Park", "West", "Chengdu", "Ops", "Park", "2026-01-01", "2026-01-01", "", "100", "100"},
		{"C5", "Park 2", "West", "Chengdu", "Ops", "Park", "2026-01-01", "2026-12-31", "", "100", "100"},
		{"C6", "Future", "West", "Chengdu", "Ops", "Park", "2026-11-01", "2027-12-31", "", "100", "0"},
	},
}

type fakeQuerier struct {
	mu        sync.Mutex
	queries   []string
	contracts *gateway.ResultSet
}

func (f *fakeQuerier) Query(_ context.Context, sql string) (*gateway.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if strings.Contains(sql, "from contracts") {
		if f.contracts != nil {
			return f.contracts, nil
		}
		return contractRows, nil
	}
	return &gateway.ResultSet{Columns: []string{"n"}, Rows: [][]string{{"1"}}}, nil
}

type workspace struct {
	root  string
	cfg   *config.Config
	fake  *fakeQuerier
	dials int
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	root := t.TempDir()
	sqlDir := filepath.Join(root, "sql")
	require.NoError(t, os.MkdirAll(sqlDir, 0755))
	write := func(path, content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write(filepath.Join(sqlDir, "irr.weekly.contracts.sql"),
		"select * from contracts where sign_date <= '{{.StatDate}}'")
	write(filepath.Join(sqlDir, "irr.weekly.orgs.sql"), "select count(1) as n from orgs")
	write(filepath.Join(root, "whitelist.json"),
		"// exemptions\n[{\"contract_no\": \"C4\", \"reason\": \"legal hold\"}]\n")

	cfg := config.DefaultConfig()
	cfg.Paths = config.PathsConfig{
		DataDir:   filepath.Join(root, "data"),
		OutDir:    filepath.Join(root, "out"),
		SQLDir:    sqlDir,
		Whitelist: filepath.Join(root, "whitelist.json"),
		HistoryDB: filepath.Join(root, "data", "history.db"),
	}
	cfg.Schedule.Timezone = "UTC"
	return &workspace{root: root, cfg: cfg, fake: &fakeQuerier{}}
}

func (w *workspace) options(now time.Time) Options {
	return Options{
		Config: w.cfg,
		Now:    now,
		Dial: func(context.Context) (Querier, error) {
			w.dials++
			return w.fake, nil
		},
	}
}

// Tuesday; statistics date is Thursday 2026-10-08.
var tuesday = time.Date(2026, 10, 13, 9, 30, 0, 0, time.UTC)

func TestRun(t *testing.T) {
	w := newWorkspace(t)

	res, err := Run(context.Background(), w.options(tuesday))
	require.NoError(t, err)

	assert.Equal(t, 1, w.dials)
	require.Len(t, w.fake.queries, 2)
	assert.Contains(t, w.fake.queries[0], "sign_date <= '2026-10-08'")
	assert.Equal(t, []string{"contracts", "orgs"}, res.Fetch.Keys())
	assert.False(t, res.Fetch.Hits["contracts"])
	assert.Equal(t, 6, res.Fetch.Rows["contracts"])
	assert.FileExists(t, filepath.Join(w.root, "data", "20261008", "contracts.csv"))
	assert.FileExists(t, filepath.Join(w.root, "data", "20261008", "orgs.csv"))

	assert.Equal(t, filepath.Join(w.root, "out", "20261008", "irregular_contracts_20261008.xlsx"), res.ReportPath)
	assert.FileExists(t, res.ReportPath)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, 6, res.Stats.Input)
	assert.Equal(t, 1, res.Stats.OutOfScope)
	assert.Equal(t, 1, res.Stats.ByCategory[classify.Whitelisted])
	assert.Equal(t, 1, res.Stats.ByCategory[classify.LateSettlement])
	assert.Equal(t, 1, res.Stats.ByCategory[classify.Unbilled])

	assert.Equal(t, 4, res.Company.Assessed)
	assert.Equal(t, 2, res.Company.Irregular)
	assert.InDelta(t, 0.5, res.Company.Rate, 1e-9)
	assert.False(t, res.Company.HasPrev)

	require.Len(t, res.Tables, 4)
	east, ok := res.Tables[0].Find("East")
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, east.Rate, 1e-9)
	assert.True(t, east.AboveBaseline)
}

func TestRun_CachedRerunDoesNotDial(t *testing.T) {
	w := newWorkspace(t)
	_, err := Run(context.Background(), w.options(tuesday))
	require.NoError(t, err)

	opts := w.options(tuesday)
	opts.Dial = func(context.Context) (Querier, error) {
		return nil, errors.New("gateway must not be contacted")
	}
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, res.Fetch.Hits["contracts"])
	assert.True(t, res.Fetch.Hits["orgs"])

	store, err := history.Open(w.cfg.Paths.HistoryDB)
	require.NoError(t, err)
	defer store.Close()
	sums, err := store.Summaries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sums, 1, "rerunning a date replaces its history")
	assert.Equal(t, res.RunID, sums[0].RunID)
}

func TestRun_Refresh(t *testing.T) {
	w := newWorkspace(t)
	_, err := Run(context.Background(), w.options(tuesday))
	require.NoError(t, err)

	opts := w.options(tuesday)
	opts.Refresh = true
	_, err = Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, w.dials)
	assert.Len(t, w.fake.queries, 4)
}

func TestRun_JoinsPreviousWeek(t *testing.T) {
	w := newWorkspace(t)
	_, err := Run(context.Background(), w.options(tuesday))
	require.NoError(t, err)

	res, err := Run(context.Background(), w.options(tuesday.AddDate(0, 0, 7)))
	require.NoError(t, err)
	assert.Equal(t, "20261015", res.Dates().Key())

	assert.True(t, res.Company.HasPrev)
	assert.InDelta(t, 0.5, res.Company.PrevRate, 1e-9)
	assert.InDelta(t, 0, res.Company.RateChange, 1e-9)

	branch := res.Tables[rollup.Branch-1]
	require.Equal(t, rollup.Branch, branch.Level)
	sh, ok := branch.Find("East", "Shanghai")
	require.True(t, ok)
	assert.True(t, sh.HasPrev)
	assert.InDelta(t, 0.5, sh.PrevRate, 1e-9)
}

func TestRun_MissingContractsSQL(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.Remove(filepath.Join(w.cfg.Paths.SQLDir, "irr.weekly.contracts.sql")))

	_, err := Run(context.Background(), w.options(tuesday))
	assert.ErrorIs(t, err, ErrNoContractsSQL)
}

func TestRun_DialFailure(t *testing.T) {
	w := newWorkspace(t)
	opts := w.options(tuesday)
	opts.Dial = func(context.Context) (Querier, error) {
		return nil, gateway.ErrNoCSRFToken
	}

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrNoCSRFToken)
	assert.NoFileExists(t, filepath.Join(w.root, "data", "20261008", "contracts.csv"))
	assert.DirExists(t, filepath.Join(w.root, "out", "20261008"), "dated directories exist before fetching")
}

func TestRun_ReportFailureLeavesNoHistory(t *testing.T) {
	w := newWorkspace(t)
	blocked := filepath.Join(w.root, "out", "20261008", "irregular_contracts_20261008.xlsx")
	require.NoError(t, os.MkdirAll(blocked, 0755))

	_, err := Run(context.Background(), w.options(tuesday))
	require.Error(t, err)

	store, err := history.Open(w.cfg.Paths.HistoryDB)
	require.NoError(t, err)
	defer store.Close()
	sums, err := store.Summaries(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestRun_NoPreviousRateForGroupWithoutBase(t *testing.T) {
	w := newWorkspace(t)
	// Week one: West holds only the whitelisted C4, so it has no rate.
	w.fake.contracts = &gateway.ResultSet{
		Columns: contractRows.Columns,
		Rows:    contractRows.Rows[:4],
	}
	_, err := Run(context.Background(), w.options(tuesday))
	require.NoError(t, err)

	// Week two: West gains an unbilled contract.
	w.fake.contracts = &gateway.ResultSet{
		Columns: contractRows.Columns,
		Rows: append(append([][]string{}, contractRows.Rows[:4]...),
			[]string{"C7", "Depot", "West", "Chengdu", "Ops", "Park", "2026-01-01", "2026-12-31", "", "100", "0"}),
	}
	res, err := Run(context.Background(), w.options(tuesday.AddDate(0, 0, 7)))
	require.NoError(t, err)

	west, ok := res.Tables[0].Find("West")
	require.True(t, ok)
	assert.InDelta(t, 1.0, west.Rate, 1e-9)
	assert.False(t, west.HasPrev)
	assert.Zero(t, west.RateChange)

	east, ok := res.Tables[0].Find("East")
	require.True(t, ok)
	assert.True(t, east.HasPrev)
}

func TestRun_InvalidConfig(t *testing.T) {
	w := newWorkspace(t)
	w.cfg.Schedule.StatisticsDay = "someday"

	_, err := Run(context.Background(), w.options(tuesday))
	assert.Error(t, err)
	assert.Zero(t, w.dials)
}

func TestFetch(t *testing.T) {
	w := newWorkspace(t)

	res, err := Fetch(context.Background(), w.options(tuesday))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.root, "data", "20261008"), res.DataDir)
	assert.Equal(t, filepath.Join(res.DataDir, "contracts.csv"), res.Files["contracts"])
	assert.NoDirExists(t, filepath.Join(w.root, "out", "20261008"))
	assert.NoFileExists(t, w.cfg.Paths.HistoryDB)
}

func TestResolveDates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Schedule.StatisticsDay = "MON"
	cfg.Schedule.Timezone = "UTC"

	d, err := ResolveDates(cfg, tuesday)
	require.NoError(t, err)
	assert.Equal(t, "20261012", d.Key())
	assert.Equal(t, "2026-10-05", d.LastStat.Format("2006-01-02"))
}
