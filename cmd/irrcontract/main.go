package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"irrcontract/internal/config"
	"irrcontract/internal/logging"
	"irrcontract/internal/pipeline"
	"irrcontract/internal/schedule"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	statisticsDay string
	dataDir       string
	outDir        string
	timeout       time.Duration

	// Command flags
	refresh      bool
	historyLimit int
	describeDB   string
	structure    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger

	// dialer overrides the gateway connection; nil dials from the environment.
	dialer pipeline.Dialer

	nowFunc = time.Now
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "irrcontract",
	Short: "Weekly irregular contract report",
	Long: `irrcontract pulls the contract ledger through the database gateway,
tags late-settled and unbilled contracts, rolls the irregularity rate up
the organization (division, branch, dept, project) and writes an XLSX
report compared against the previous statistics date.

Query results are cached per statistics date under the data directory, so
a rerun on the same day does not hit the gateway unless --refresh is set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Options(verbose)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Zap()
		logging.BootDebug("Loaded config from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// runCmd runs the whole weekly report
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, classify and write the weekly report",
	Long: `Runs the full pipeline for the most recent statistics date:
  1. Resolve the execution, statistics and previous statistics dates
  2. Fetch every SQL extract through the CSV cache
  3. Classify contracts (whitelist, late settlement, unbilled)
  4. Roll up by division, branch, dept and project against parent baselines
  5. Compare with the previous statistics date and record history
  6. Write the workbook to the dated output directory`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

// fetchCmd only fills the cache
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch SQL extracts into the dated data directory",
	Args:  cobra.NoArgs,
	RunE:  runFetch,
}

// describeCmd prints a table's data dictionary
var describeCmd = &cobra.Command{
	Use:   "describe [table]",
	Short: "Show the data dictionary of a gateway table",
	Long: `Prints the column dictionary the gateway keeps for a table.

Example:
  irrcontract describe contract_main
  irrcontract describe contract_main --structure --db ledger`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

// historyCmd lists recorded statistics dates
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded statistics dates and company rates",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

// datesCmd prints the resolved dates
var datesCmd = &cobra.Command{
	Use:   "dates",
	Short: "Print the execution and statistics dates",
	Args:  cobra.NoArgs,
	RunE:  runDates,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "irrcontract.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&statisticsDay, "statistics-day", "s", "THU",
		"Statistics weekday, one of "+strings.Join(schedule.Weekdays(), ", "))
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "data", "Root of the dated CSV cache")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out-dir", "o", "out", "Root of the dated report output")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	runCmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore cached extracts and query the gateway again")
	fetchCmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore cached extracts and query the gateway again")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 12, "Number of dates to show (0 for all)")
	describeCmd.Flags().StringVar(&describeDB, "db", "", "Database name (default: DB_NAME)")
	describeCmd.Flags().BoolVar(&structure, "structure", false, "Show the physical table structure instead of the dictionary")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(datesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and lays explicitly set flags over it.
func loadConfig(cmd *cobra.Command) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("statistics-day") {
		loaded.Schedule.StatisticsDay = statisticsDay
	}
	if flags.Changed("data-dir") {
		loaded.Paths.DataDir = dataDir
	}
	if flags.Changed("out-dir") {
		loaded.Paths.OutDir = outDir
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	cfg = loaded
	return nil
}

// commandContext bounds a command by --timeout and cancels it on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Config:  cfg,
		Now:     nowFunc(),
		Refresh: refresh,
		Dial:    dialer,
	}
}
