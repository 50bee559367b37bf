package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine"
	enginev1 "github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1"
	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/internal/version"
)

// backtestAction wires the engine together from CLI flags and executes
// every given strategy document.
func backtestAction(ctx context.Context, cmd *cli.Command) error {
	configContent := ""

	if configPath := cmd.String("config"); configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		configContent = string(raw)
	}

	backtester := enginev1.NewBacktestEngineV1()

	if err := backtester.Initialize(configContent); err != nil {
		return fmt.Errorf("failed to initialize backtest engine: %w", err)
	}

	// --data overrides the configured parquet directory.
	if dataDir := cmd.String("data"); dataDir != "" {
		log, err := logger.NewLogger()
		if err != nil {
			return err
		}

		provider, err := datasource.NewDuckDBProvider(dataDir, log, datasource.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("failed to open data directory: %w", err)
		}

		if err := backtester.SetDataProvider(provider); err != nil {
			return err
		}
	}

	if err := backtester.SetResultsFolder(cmd.String("results")); err != nil {
		return err
	}

	if err := backtester.SetRunDefaults(int(cmd.Int("period")), cmd.String("end-date"), cmd.Bool("live")); err != nil {
		return err
	}

	strategies := cmd.StringSlice("strategy")
	if len(strategies) == 0 {
		return fmt.Errorf("at least one --strategy file is required")
	}

	for _, path := range strategies {
		if err := backtester.LoadStrategyFromFile(path); err != nil {
			return fmt.Errorf("failed to load strategy %s: %w", path, err)
		}
	}

	var bar *progressbar.ProgressBar

	onRunStart := engine.OnRunStartCallback(func(runID string, strategyName string, totalNodes int) error {
		bar = progressbar.Default(int64(totalNodes))
		bar.Describe(fmt.Sprintf("Evaluating %s", strategyName))

		return nil
	})

	onNodeProcessed := engine.OnNodeProcessedCallback(func(processed, total int) {
		if bar != nil {
			_ = bar.Set(processed)
		}
	})

	failed := 0

	onRunEnd := engine.OnRunEndCallback(func(runID string, result types.BacktestResult) {
		if bar != nil {
			_ = bar.Finish()
		}

		if result.Success {
			log.Printf("run %s complete: %d trading days in %s", runID, len(result.Dates), result.ExecutionTime)
		} else {
			failed++

			log.Printf("run %s failed: %s", runID, result.ErrorMessage)
		}
	})

	err := backtester.Run(ctx, engine.LifecycleCallbacks{
		OnRunStart:      &onRunStart,
		OnRunEnd:        &onRunEnd,
		OnNodeProcessed: &onNodeProcessed,
	})
	if err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d strategies failed", failed, len(strategies))
	}

	return nil
}

// schemaAction prints the engine configuration JSON schema.
func schemaAction(ctx context.Context, cmd *cli.Command) error {
	backtester := enginev1.NewBacktestEngineV1()

	schema, err := backtester.GetConfigSchema()
	if err != nil {
		return err
	}

	fmt.Println(schema)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "backtest",
		Usage:   "Run strategy-tree backtests over parquet price data",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "strategy",
				Aliases:  []string{"s"},
				Usage:    "Path to a strategy JSON document. Repeatable.",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the engine YAML configuration",
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Directory of per-ticker parquet files. Overrides the configured data_dir.",
			},
			&cli.StringFlag{
				Name:    "results",
				Aliases: []string{"o"},
				Usage:   "Directory for run results. Empty disables persistence.",
			},
			&cli.IntFlag{
				Name:    "period",
				Aliases: []string{"p"},
				Usage:   "Trading days to backtest when the document does not specify one",
			},
			&cli.StringFlag{
				Name:    "end-date",
				Aliases: []string{"e"},
				Usage:   "Backtest end date in YYYY-MM-DD format. Defaults to the latest trading day.",
			},
			&cli.BoolFlag{
				Name:  "live",
				Usage: "Treat the final day as an in-progress trading day and keep it out of the cache",
			},
		},
		Action: backtestAction,
		Commands: []*cli.Command{
			{
				Name:   "schema",
				Usage:  "Print the engine configuration JSON schema",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
