// Package pipeline runs one weekly report: fetch, classify, roll up,
// compare with history and write the workbook.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"irrcontract/internal/cache"
	"irrcontract/internal/classify"
	"irrcontract/internal/config"
	"irrcontract/internal/contract"
	"irrcontract/internal/gateway"
	"irrcontract/internal/history"
	"irrcontract/internal/logging"
	"irrcontract/internal/report"
	"irrcontract/internal/rollup"
	"irrcontract/internal/schedule"

	"github.com/google/uuid"
)

// ContractsKey is the SQL key whose result feeds the report.
const ContractsKey = "contracts"

// ErrNoContractsSQL means the SQL directory has no contracts source.
var ErrNoContractsSQL = errors.New("no SQL file with key \"" + ContractsKey + "\"")

// Querier runs SQL against the gateway.
type Querier interface {
	Query(ctx context.Context, sql string) (*gateway.ResultSet, error)
}

// Dialer opens a gateway session. It is only called on a cache miss.
type Dialer func(ctx context.Context) (Querier, error)

// GatewayDialer dials the real gateway with settings from the environment.
func GatewayDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context) (Querier, error) {
		s, err := gateway.SettingsFromEnv()
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			s.Timeout = timeout
		}
		c, err := gateway.Dial(ctx, s)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options control one run.
type Options struct {
	Config  *config.Config
	Now     time.Time // defaults to time.Now
	Refresh bool      // ignore cached CSVs
	Dial    Dialer    // defaults to GatewayDialer
}

// FetchResult describes the cached extracts of one statistics date.
type FetchResult struct {
	Dates   schedule.Dates
	DataDir string
	Files   map[string]string // key -> CSV path
	Hits    map[string]bool   // key -> served from cache
	Rows    map[string]int
}

// Keys returns the fetched keys in order.
func (f *FetchResult) Keys() []string {
	keys := make([]string, 0, len(f.Files))
	for k := range f.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Result is the outcome of Run.
type Result struct {
	RunID      string
	Fetch      *FetchResult
	OutDir     string
	ReportPath string
	Stats      classify.Stats
	Company    rollup.Row
	Tables     []rollup.Table
}

// Dates is a shortcut for r.Fetch.Dates.
func (r *Result) Dates() schedule.Dates {
	return r.Fetch.Dates
}

type fetched struct {
	*FetchResult
	dirs    map[string]string
	results map[string]*gateway.ResultSet
}

func (o Options) normalize() (Options, error) {
	if o.Config == nil {
		o.Config = config.DefaultConfig()
	}
	if err := o.Config.Validate(); err != nil {
		return o, fmt.Errorf("invalid config: %w", err)
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Dial == nil {
		o.Dial = GatewayDialer(o.Config.GetGatewayTimeout())
	}
	return o, nil
}

// ResolveDates computes the run dates from the configured weekday and zone.
func ResolveDates(cfg *config.Config, now time.Time) (schedule.Dates, error) {
	w, err := cfg.StatisticsDay()
	if err != nil {
		return schedule.Dates{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return schedule.Dates{}, err
	}
	return schedule.Resolve(w, now.In(loc)), nil
}

// Fetch fills the dated data directory with one CSV per SQL source.
func Fetch(ctx context.Context, opts Options) (*FetchResult, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	f, err := fetch(ctx, opts, opts.Config.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	return f.FetchResult, nil
}

// fetch creates the dated directories for dirs, which must include the
// data directory, and fills the cache in it.
func fetch(ctx context.Context, opts Options, dirs ...string) (*fetched, error) {
	cfg := opts.Config
	dates, err := ResolveDates(cfg, opts.Now)
	if err != nil {
		return nil, err
	}
	paths, err := schedule.Paths("", dirs, dates.Stat)
	if err != nil {
		return nil, err
	}
	dataDir := paths[cfg.Paths.DataDir]
	logging.Pipeline("Statistics date %s (previous %s), data in %s",
		dates.Stat.Format(schedule.SQLDateFormat), dates.LastStat.Format(schedule.SQLDateFormat), dataDir)

	sources, err := cache.Discover(cfg.Paths.SQLDir)
	if err != nil {
		return nil, err
	}

	var (
		store  = cache.New(dataDir, opts.Refresh)
		params = dates.Params()
		q      Querier
	)
	defer func() {
		if c, ok := q.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}()

	out := &fetched{
		FetchResult: &FetchResult{
			Dates:   dates,
			DataDir: dataDir,
			Files:   make(map[string]string, len(sources)),
			Hits:    make(map[string]bool, len(sources)),
			Rows:    make(map[string]int, len(sources)),
		},
		dirs:    paths,
		results: make(map[string]*gateway.ResultSet, len(sources)),
	}
	for _, src := range sources {
		src := src
		rs, hit, err := store.Get(ctx, src.Key, func(ctx context.Context) (*gateway.ResultSet, error) {
			if q == nil {
				logging.Pipeline("Cache miss for %s, connecting to gateway", src.Key)
				dialed, err := opts.Dial(ctx)
				if err != nil {
					return nil, fmt.Errorf("connect gateway: %w", err)
				}
				q = dialed
			}
			text, err := src.Load(params)
			if err != nil {
				return nil, err
			}
			return q.Query(ctx, text)
		})
		if err != nil {
			return nil, err
		}
		out.Files[src.Key] = store.Path(src.Key)
		out.Hits[src.Key] = hit
		out.Rows[src.Key] = rs.Len()
		out.results[src.Key] = rs
	}
	return out, nil
}

// Run executes the full weekly report.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	cfg := opts.Config

	runID := uuid.NewString()
	log := logging.Get(logging.CategoryPipeline).With("run_id", runID)
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.StopWithInfo()

	f, err := fetch(ctx, opts, cfg.Paths.DataDir, cfg.Paths.OutDir)
	if err != nil {
		return nil, err
	}
	rs, ok := f.results[ContractsKey]
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNoContractsSQL, cfg.Paths.SQLDir)
	}
	dates := f.Dates

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	contracts, err := contract.FromResultSet(rs, cfg.Columns, loc)
	if err != nil {
		return nil, fmt.Errorf("map contracts: %w", err)
	}
	whitelist, err := contract.LoadWhitelist(cfg.Paths.Whitelist)
	if err != nil {
		return nil, err
	}
	tolerance, err := cfg.Tolerance()
	if err != nil {
		return nil, err
	}
	log.Info("Loaded %d contracts, %d whitelisted numbers", len(contracts), whitelist.Len())

	items, stats := classify.Standard(dates.Stat, classify.Options{
		Whitelist:         whitelist,
		GraceDays:         cfg.Rules.SettlementGraceDays,
		UnbilledTolerance: tolerance,
	}).Classify(contracts)

	company, tables := rollup.All(items)

	hist, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return nil, err
	}
	defer hist.Close()

	company, tables, err = joinPrevious(ctx, hist, dates.LastStat, company, tables)
	if err != nil {
		return nil, err
	}

	outDir := f.dirs[cfg.Paths.OutDir]
	path := filepath.Join(outDir, report.FileName(dates.Stat))
	if err := report.Write(path, report.Report{
		Dates:   dates,
		RunID:   runID,
		Stats:   stats,
		Company: company,
		Tables:  tables,
		Items:   items,
	}); err != nil {
		return nil, err
	}
	// Only a delivered report becomes next week's baseline.
	if err := hist.Record(ctx, runID, dates.Stat, company, tables); err != nil {
		return nil, err
	}

	log.Info("Irregularity rate %.2f%% (%d of %d assessed), report at %s",
		company.Rate*100, company.Irregular, company.Assessed, path)
	return &Result{
		RunID:      runID,
		Fetch:      f.FetchResult,
		OutDir:     outDir,
		ReportPath: path,
		Stats:      stats,
		Company:    company,
		Tables:     tables,
	}, nil
}

func joinPrevious(ctx context.Context, hist *history.Store, last time.Time, company rollup.Row, tables []rollup.Table) (rollup.Row, []rollup.Table, error) {
	prev, err := hist.Rates(ctx, last, rollup.Company)
	if err != nil {
		return company, nil, err
	}
	if rate, ok := prev[""]; ok {
		company.HasPrev = true
		company.PrevRate = rate
		company.RateChange = company.Rate - rate
	}

	out := make([]rollup.Table, len(tables))
	for i, t := range tables {
		prev, err := hist.Rates(ctx, last, t.Level)
		if err != nil {
			return company, nil, err
		}
		if len(prev) == 0 {
			logging.PipelineWarn("No %s history for %s", t.Level, last.Format(schedule.SQLDateFormat))
		}
		out[i] = rollup.JoinPrevious(t, prev)
	}
	return company, out, nil
}
