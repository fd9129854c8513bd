package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"irrcontract/internal/config"
	"irrcontract/internal/gateway"
	"irrcontract/internal/pipeline"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	queries int
}

func (f *fakeGateway) Query(_ context.Context, sql string) (*gateway.ResultSet, error) {
	f.queries++
	return &gateway.ResultSet{
		Columns: []string{"contract_no", "division", "branch", "dept", "project", "sign_date", "end_date", "settle_date", "receivable_amount", "billed_amount"},
		Rows: [][]string{
			{"C1", "East", "Shanghai", "Leasing", "Tower A", "2026-01-01", "2026-03-31", "", "10", "10"},
			{"C2", "East", "Shanghai", "Leasing", "Tower A", "2026-01-01", "2026-12-31", "", "10", "10"},
			{"C3", "West", "Chengdu", "Ops", "Park", "2026-01-01", "2026-12-31", "", "10", "10"},
		},
	}, nil
}

func (f *fakeGateway) DescribeTable(_ context.Context, db, table string) (*gateway.ResultSet, error) {
	return &gateway.ResultSet{Columns: []string{"Field", "Type"}, Rows: [][]string{{"contract_no", "varchar(32)"}}}, nil
}

func (f *fakeGateway) DataDictionary(_ context.Context, db, table string) (*gateway.ResultSet, error) {
	return &gateway.ResultSet{Columns: []string{"column", "comment"}, Rows: [][]string{{"contract_no", db + "." + table + " key"}}}, nil
}

func (f *fakeGateway) Settings() gateway.Settings {
	return gateway.Settings{DBName: "ledger"}
}

// setup points the globals at a temp workspace, as PersistentPreRunE would.
func setup(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	root := t.TempDir()
	sqlDir := filepath.Join(root, "sql")
	require.NoError(t, os.MkdirAll(sqlDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sqlDir, "irr.contracts.sql"), []byte("select * from c"), 0644))

	c := config.DefaultConfig()
	c.Paths = config.PathsConfig{
		DataDir:   filepath.Join(root, "data"),
		OutDir:    filepath.Join(root, "out"),
		SQLDir:    sqlDir,
		HistoryDB: filepath.Join(root, "history.db"),
	}
	c.Schedule.Timezone = "UTC"

	fake := &fakeGateway{}
	cfg = c
	logger = zap.NewNop()
	timeout = 0
	refresh = false
	historyLimit = 12
	describeDB = ""
	structure = false
	nowFunc = func() time.Time { return time.Date(2026, 10, 13, 8, 0, 0, 0, time.UTC) }
	dialer = func(context.Context) (pipeline.Querier, error) { return fake, nil }
	t.Cleanup(func() {
		dialer = nil
		nowFunc = time.Now
	})
	return fake, root
}

func execute(t *testing.T, run func(*cobra.Command, []string) error, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	require.NoError(t, run(cmd, args))
	return buf.String()
}

func TestRunDates(t *testing.T) {
	setup(t)

	out := execute(t, runDates)
	assert.Contains(t, out, "Exec:           2026-10-13")
	assert.Contains(t, out, "Stat:           2026-10-08")
	assert.Contains(t, out, "LastStat:       2026-10-01")
}

func TestRunReport(t *testing.T) {
	fake, root := setup(t)

	out := execute(t, runReport)
	assert.Equal(t, 1, fake.queries)
	assert.Contains(t, out, "Irregular contracts, week of 2026-10-08")
	assert.Contains(t, out, "33.33%")
	assert.FileExists(t, filepath.Join(root, "out", "20261008", "irregular_contracts_20261008.xlsx"))
}

func TestRunFetch_ThenCached(t *testing.T) {
	fake, _ := setup(t)

	out := execute(t, runFetch)
	assert.Contains(t, out, "gateway")

	out = execute(t, runFetch)
	assert.Contains(t, out, "cache")
	assert.Equal(t, 1, fake.queries)

	refresh = true
	execute(t, runFetch)
	assert.Equal(t, 2, fake.queries)
}

func TestRunHistory(t *testing.T) {
	setup(t)

	out := execute(t, runHistory)
	assert.Contains(t, out, "No history recorded")

	execute(t, runReport)
	out = execute(t, runHistory)
	assert.Contains(t, out, "2026-10-08")
	assert.Contains(t, out, "33.33%")
}

func TestRunDescribe(t *testing.T) {
	fake, _ := setup(t)
	orig := connectDescriber
	connectDescriber = func(context.Context, *config.Config) (tableDescriber, error) { return fake, nil }
	t.Cleanup(func() { connectDescriber = orig })

	out := execute(t, runDescribe, "contract_main")
	assert.Contains(t, out, "ledger.contract_main key")

	structure = true
	out = execute(t, runDescribe, "contract_main")
	assert.Contains(t, out, "varchar(32)")
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "irrcontract.yaml")
	t.Cleanup(func() { configPath = "irrcontract.yaml" })
	require.NoError(t, os.WriteFile(configPath, []byte("schedule:\n  statistics_day: MON\npaths:\n  out_dir: reports\n"), 0644))

	statisticsDay = "THU"
	require.NoError(t, loadConfig(&cobra.Command{}))
	assert.Equal(t, "MON", cfg.Schedule.StatisticsDay, "unset flags leave the file value")
	assert.Equal(t, "reports", cfg.Paths.OutDir)

	cmd := &cobra.Command{}
	cmd.Flags().StringVarP(&statisticsDay, "statistics-day", "s", "THU", "")
	require.NoError(t, cmd.Flags().Set("statistics-day", "FRI"))
	require.NoError(t, loadConfig(cmd))
	assert.Equal(t, "FRI", cfg.Schedule.StatisticsDay)
}

func TestLoadConfig_Invalid(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "irrcontract.yaml")
	t.Cleanup(func() { configPath = "irrcontract.yaml" })
	require.NoError(t, os.WriteFile(configPath, []byte("rules:\n  settlement_grace_days: -3\n"), 0644))

	err := loadConfig(&cobra.Command{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "settlement_grace_days"))
}

func TestStatisticsDayUsage(t *testing.T) {
	f := rootCmd.PersistentFlags().Lookup("statistics-day")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "MON, TUE, WED, THU, FRI, SAT, SUN")
}
