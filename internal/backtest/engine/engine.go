// Package engine defines the backtest engine interface and the lifecycle
// callbacks callers can hook into while a run executes.
package engine

import (
	"context"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/types"
)

// OnRunStartCallback is called when a loaded strategy begins executing.
// Returning an error aborts the whole run.
type OnRunStartCallback func(runID string, strategyName string, totalNodes int) error

// OnRunEndCallback is called when a strategy finishes, whether or not it
// succeeded. The result carries the failure message on error.
type OnRunEndCallback func(runID string, result types.BacktestResult)

// OnNodeProcessedCallback is called after each strategy node completes.
// Used to drive progress reporting.
type OnNodeProcessedCallback func(processed int, total int)

// LifecycleCallbacks holds all lifecycle callback functions for the backtest
// engine. All fields are pointers - nil means no callback will be invoked.
type LifecycleCallbacks struct {
	OnRunStart      *OnRunStartCallback
	OnRunEnd        *OnRunEndCallback
	OnNodeProcessed *OnNodeProcessedCallback
}

type Engine interface {
	// Initialize the engine with the given YAML configuration content.
	Initialize(config string) error
	// LoadStrategyFromFile loads a strategy document from the given path.
	// Can be called multiple times to queue multiple strategies.
	LoadStrategyFromFile(path string) error
	// LoadStrategyFromBytes loads a strategy document from raw JSON.
	LoadStrategyFromBytes(raw []byte) error
	// SetDataProvider sets the market data provider for the engine.
	SetDataProvider(provider datasource.DataProvider) error
	// SetResultsFolder sets the output directory for saving run results.
	// Each run writes into <folder>/<strategy_name>_<run_id> as parquet
	// plus a JSON summary. Empty disables result persistence.
	SetResultsFolder(folder string) error
	// SetRunDefaults supplies the period, end date and live flag used for
	// strategy documents that do not carry their own run parameters.
	SetRunDefaults(period int, endDate string, liveExecution bool) error
	// Run executes every loaded strategy. The context can be used to
	// cancel the run. Individual strategy failures are reported through
	// their results, not as a Run error.
	Run(ctx context.Context, callbacks LifecycleCallbacks) error
	// GetConfigSchema returns the JSON schema of the engine configuration.
	GetConfigSchema() (string, error)
}
