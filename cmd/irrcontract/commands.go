package main

import (
	"context"
	"fmt"

	"irrcontract/internal/config"
	"irrcontract/internal/gateway"
	"irrcontract/internal/history"
	"irrcontract/internal/pipeline"
	"irrcontract/internal/schedule"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runReport executes the weekly pipeline and prints a summary
func runReport(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := pipeline.Run(ctx, pipelineOptions())
	if err != nil {
		return err
	}
	logger.Info("Report written",
		zap.String("run_id", res.RunID),
		zap.String("path", res.ReportPath),
		zap.Float64("rate", res.Company.Rate))

	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(res))
	return nil
}

// runFetch fills the cache without classifying
func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := pipeline.Fetch(ctx, pipelineOptions())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderFetch(res))
	return nil
}

// tableDescriber is the part of the gateway client describe needs.
type tableDescriber interface {
	DescribeTable(ctx context.Context, db, table string) (*gateway.ResultSet, error)
	DataDictionary(ctx context.Context, db, table string) (*gateway.ResultSet, error)
	Settings() gateway.Settings
}

// connectDescriber opens the gateway session used by describe.
var connectDescriber = func(ctx context.Context, c *config.Config) (tableDescriber, error) {
	s, err := gateway.SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	if t := c.GetGatewayTimeout(); t > 0 {
		s.Timeout = t
	}
	client, err := gateway.Dial(ctx, s)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// runDescribe prints a table's dictionary or structure
func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, err := connectDescriber(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	if c, ok := client.(interface{ CloseIdleConnections() }); ok {
		defer c.CloseIdleConnections()
	}

	db := describeDB
	if db == "" {
		db = client.Settings().DBName
	}
	table := args[0]

	var rs *gateway.ResultSet
	if structure {
		rs, err = client.DescribeTable(ctx, db, table)
	} else {
		rs, err = client.DataDictionary(ctx, db, table)
	}
	if err != nil {
		return fmt.Errorf("describe %s.%s: %w", db, table, err)
	}
	logger.Debug("Described table", zap.String("db", db), zap.String("table", table), zap.Int("rows", rs.Len()))

	fmt.Fprintln(cmd.OutOrStdout(), renderResultSet(rs))
	return nil
}

// runHistory lists recorded company rates
func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.Summaries(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No history recorded in %s\n", store.Path())
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderHistory(sums))
	return nil
}

// runDates prints Exec/Stat/LastStat for the configured weekday
func runDates(cmd *cobra.Command, args []string) error {
	d, err := pipeline.ResolveDates(cfg, nowFunc())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Statistics day: %s\n", cfg.Schedule.StatisticsDay)
	fmt.Fprintf(out, "Exec:           %s\n", d.Exec.Format(schedule.SQLDateFormat))
	fmt.Fprintf(out, "Stat:           %s\n", d.Stat.Format(schedule.SQLDateFormat))
	fmt.Fprintf(out, "LastStat:       %s\n", d.LastStat.Format(schedule.SQLDateFormat))
	return nil
}
