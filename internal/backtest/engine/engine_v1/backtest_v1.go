package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine"
	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/cache"
	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// RunParams are the run-scoped inputs of a single backtest execution.
type RunParams struct {
	Strategy *strategy.Strategy `validate:"required"`
	// Period is the number of trading days the portfolio covers.
	Period int `validate:"gt=0"`
	// EndDate caps the run at a calendar date. Empty means the latest
	// trading date the data provider knows.
	EndDate string `validate:"omitempty,datetime=2006-01-02"`
	// LiveExecution marks the final day as an in-progress trading day
	// whose data is partial; it is evaluated but never cached.
	LiveExecution bool

	// Tickers overrides the list of symbols checked against the data
	// provider before evaluation. Empty means the strategy's own list.
	Tickers []string

	// OnNodeProcessed, when set, receives progress after every node.
	OnNodeProcessed func(processed, total int) `validate:"-"`
}

type BacktestEngineV1 struct {
	config        BacktestEngineV1Config
	strategies    []*strategy.Strategy
	resultsFolder string
	log           *logger.Logger
	provider      datasource.DataProvider
	indicators    *cache.IndicatorCache
	prices        *cache.PriceCache
	subtree       *cache.SubtreeCache
	validate      *validator.Validate

	defaultPeriod  int
	defaultEndDate string
	liveExecution  bool
}

func NewBacktestEngineV1() engine.Engine {
	return &BacktestEngineV1{
		config:     DefaultConfig(),
		log:        logger.NewTestLogger(),
		indicators: cache.NewIndicatorCache(),
		prices:     cache.NewPriceCache(),
		validate:   validator.New(),
	}
}

// Initialize implements engine.Engine. When data_dir is configured and no
// provider was injected, a DuckDB provider over that directory is created.
func (b *BacktestEngineV1) Initialize(config string) error {
	parsed, err := ParseConfig(config)
	if err != nil {
		return err
	}

	b.config = parsed

	level := zapcore.InfoLevel
	if err := level.Set(parsed.LogLevel); err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid log level %q", parsed.LogLevel)
	}

	b.log, err = logger.NewLoggerWithLevel(level)
	if err != nil {
		return err
	}

	if parsed.CacheDir != "" {
		b.subtree, err = cache.NewSubtreeCache(parsed.CacheDir, b.log)
		if err != nil {
			return err
		}
	}

	if parsed.DataDir != "" && b.provider == nil {
		retry := datasource.RetryPolicy{
			MaxAttempts: parsed.RetryMaxAttempts,
			BaseDelay:   parsed.RetryBaseDelay,
		}

		b.provider, err = datasource.NewDuckDBProvider(parsed.DataDir, b.log, retry)
		if err != nil {
			return err
		}
	}

	b.log.Debug("backtest engine initialized",
		zap.String("data_dir", parsed.DataDir),
		zap.String("cache_dir", parsed.CacheDir),
	)

	return nil
}

// LoadStrategyFromFile implements engine.Engine.
func (b *BacktestEngineV1) LoadStrategyFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidStructure, err, "cannot read strategy file %s", path)
	}

	return b.LoadStrategyFromBytes(raw)
}

// LoadStrategyFromBytes implements engine.Engine.
func (b *BacktestEngineV1) LoadStrategyFromBytes(raw []byte) error {
	parsed, err := strategy.Parse(raw)
	if err != nil {
		return err
	}

	b.strategies = append(b.strategies, parsed)

	return nil
}

// SetDataProvider implements engine.Engine.
func (b *BacktestEngineV1) SetDataProvider(provider datasource.DataProvider) error {
	if provider == nil {
		return errors.New(errors.ErrCodeInvalidConfiguration, "data provider cannot be nil")
	}

	b.provider = provider

	return nil
}

// SetResultsFolder implements engine.Engine.
func (b *BacktestEngineV1) SetResultsFolder(folder string) error {
	if folder != "" {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "cannot create results folder %s", folder)
		}
	}

	b.resultsFolder = folder

	return nil
}

// SetRunDefaults implements engine.Engine. Document-carried run parameters
// take precedence over these.
func (b *BacktestEngineV1) SetRunDefaults(period int, endDate string, liveExecution bool) error {
	if period < 0 {
		return errors.Newf(errors.ErrCodeInvalidRunParams, "default period cannot be negative, got %d", period)
	}

	b.defaultPeriod = period
	b.defaultEndDate = endDate
	b.liveExecution = liveExecution

	return nil
}

// GetConfigSchema implements engine.Engine.
func (b *BacktestEngineV1) GetConfigSchema() (string, error) {
	return b.config.GenerateSchemaJSON()
}

// Run implements engine.Engine. Each loaded strategy executes with the run
// parameters carried in its document; failures are reported through the
// per-run result rather than aborting the remaining strategies.
func (b *BacktestEngineV1) Run(ctx context.Context, callbacks engine.LifecycleCallbacks) error {
	if len(b.strategies) == 0 {
		return errors.New(errors.ErrCodeInvalidRunParams, "no strategies loaded")
	}

	for _, strat := range b.strategies {
		if err := ctx.Err(); err != nil {
			return err
		}

		params := RunParams{
			Strategy:      strat,
			Period:        strat.Period,
			EndDate:       strat.EndDate,
			LiveExecution: b.liveExecution,
		}

		if params.Period == 0 {
			params.Period = b.defaultPeriod
		}

		if params.EndDate == "" {
			params.EndDate = b.defaultEndDate
		}

		if callbacks.OnNodeProcessed != nil {
			params.OnNodeProcessed = func(processed, total int) {
				(*callbacks.OnNodeProcessed)(processed, total)
			}
		}

		runID := uuid.NewString()

		if callbacks.OnRunStart != nil {
			if err := (*callbacks.OnRunStart)(runID, strategyName(strat), countNodes(strat.Root)); err != nil {
				return err
			}
		}

		result := b.executeWithRunID(ctx, runID, params)

		if b.resultsFolder != "" {
			if err := b.saveResult(strat, result); err != nil {
				return err
			}
		}

		if callbacks.OnRunEnd != nil {
			(*callbacks.OnRunEnd)(runID, result)
		}
	}

	return nil
}

// ExecuteBacktest runs one strategy and returns its result. Failures are
// reported in the result, never as a panic or partial portfolio.
func (b *BacktestEngineV1) ExecuteBacktest(ctx context.Context, params RunParams) types.BacktestResult {
	return b.executeWithRunID(ctx, uuid.NewString(), params)
}

func (b *BacktestEngineV1) executeWithRunID(ctx context.Context, runID string, params RunParams) types.BacktestResult {
	start := time.Now()

	result := types.BacktestResult{
		RunID:      runID,
		FlowCount:  make(map[string]int),
		FlowStocks: make(map[string][]types.DayData),
	}

	fail := func(err error) types.BacktestResult {
		result.Success = false
		result.ErrorMessage = err.Error()
		result.ExecutionTime = time.Since(start)

		b.log.Error("backtest failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)

		return result
	}

	if b.provider == nil {
		return fail(errors.New(errors.ErrCodeInvalidConfiguration, "no data provider configured"))
	}

	if err := b.validate.Struct(&params); err != nil {
		return fail(errors.Wrap(errors.ErrCodeInvalidRunParams, "invalid run parameters", err))
	}

	// Trees from Parse are already validated; hand-built ones are not.
	if err := strategy.Validate(params.Strategy.Root); err != nil {
		return fail(err)
	}

	endDateOpt := optional.None[string]()
	if params.EndDate != "" {
		endDateOpt = optional.Some(params.EndDate)
	}

	dates, err := b.provider.GetTradingDates(ctx, params.Period, endDateOpt)
	if err != nil {
		return fail(errors.Wrap(errors.ErrCodeEmptyDateRange, "cannot resolve trading dates", err))
	}

	if len(dates) == 0 {
		return fail(errors.New(errors.ErrCodeEmptyDateRange, "no trading dates in the requested range"))
	}

	endDate := params.EndDate
	if endDate == "" {
		endDate = dates[len(dates)-1]
	}

	tickers := params.Tickers
	if len(tickers) == 0 {
		tickers = params.Strategy.Tickers
	}

	if err := b.validateTickers(ctx, tickers, endDateOpt); err != nil {
		return fail(err)
	}

	root := params.Strategy.Root
	hash := params.Strategy.Hash

	// Cached fast path: a prior run of the identical tree that already
	// covers every requested day needs no evaluation at all.
	if cached, ok := b.cachedHistory(hash, endDate, dates, params.LiveExecution); ok {
		result.PortfolioHistory = cached
		result.Dates = dates
		result.Success = true
		result.ExecutionTime = time.Since(start)

		b.log.Info("backtest served from subtree cache",
			zap.String("run_id", runID),
			zap.String("hash", hash),
			zap.Int("days", len(dates)),
		)

		return result
	}

	// Indicator and price caches memoize within one run; histories from a
	// different end date must not leak across runs.
	b.indicators.Reset()
	b.prices.Reset()

	portfolio := make([]types.DayData, len(dates))
	mask := make([]bool, len(dates))
	for i := range mask {
		mask[i] = true
	}

	ec := &evaluationContext{
		portfolio:  portfolio,
		dates:      dates,
		endDate:    endDateOpt,
		live:       params.LiveExecution,
		flowCount:  result.FlowCount,
		flowStocks: result.FlowStocks,
		indicators: b.indicators,
		prices:     b.prices,
		provider:   b.provider,
		config:     &b.config,
		logger:     b.log,
	}

	if params.OnNodeProcessed != nil {
		total := countNodes(root)
		processed := 0
		ec.onNode = func() {
			processed++
			params.OnNodeProcessed(processed, total)
		}
	}

	span, err := evaluate(ctx, ec, root, mask, len(dates), 1.0)
	if err != nil {
		return fail(err)
	}

	if span < len(dates) {
		b.log.Warn("strategy history shorter than requested period",
			zap.String("run_id", runID),
			zap.Int("requested", len(dates)),
			zap.Int("covered", span),
		)
	}

	if b.subtree != nil && hash != "" {
		if err := b.subtree.Append(hash, dates, endDate, minInt(span, len(dates)), portfolio, params.LiveExecution); err != nil {
			b.log.Warn("cannot persist subtree cache",
				zap.String("hash", hash),
				zap.Error(err),
			)
		}
	}

	result.PortfolioHistory = portfolio
	result.Dates = dates
	result.Success = true
	result.ExecutionTime = time.Since(start)

	b.log.Info("backtest complete",
		zap.String("run_id", runID),
		zap.Int("days", len(dates)),
		zap.Duration("elapsed", result.ExecutionTime),
	)

	return result
}

// validateTickers confirms the provider knows every symbol the strategy
// references. Stock nodes stamp weights without ever reading prices, so a
// missing ticker would otherwise yield a portfolio backed by no data.
func (b *BacktestEngineV1) validateTickers(ctx context.Context, tickers []string, endDate optional.Option[string]) error {
	for _, ticker := range tickers {
		if _, err := b.provider.GetPriceSeries(ctx, ticker, 1, endDate); err != nil {
			return errors.Wrapf(errors.ErrCodeDataUnavailable, err, "strategy references %s but the provider has no data for it", ticker)
		}
	}

	return nil
}

// cachedHistory returns the cached portfolio tail when the subtree cache
// fully covers the requested dates. Live runs never hit the fast path: the
// final day's data is still changing.
func (b *BacktestEngineV1) cachedHistory(hash, endDate string, dates []string, live bool) ([]types.DayData, bool) {
	if b.subtree == nil || hash == "" || live {
		return nil, false
	}

	cached, cachedDates, lastDate, ok, err := b.subtree.Read(hash, endDate)
	if err != nil || !ok {
		return nil, false
	}

	if lastDate != dates[len(dates)-1] || len(cached) < len(dates) {
		return nil, false
	}

	// The cache stores no record for a day without positions, so a stored
	// timeline can have holes. A positional merge would then shift every
	// older day; serve the fast path only when the cached tail lines up
	// with the requested dates one to one.
	tail := cachedDates[len(cachedDates)-len(dates):]
	for i, date := range dates {
		if tail[i] != date {
			return nil, false
		}
	}

	portfolio := make([]types.DayData, len(dates))
	mask := make([]bool, len(dates))
	for i := range mask {
		mask[i] = true
	}

	cache.MergeInto(portfolio, cached, mask, 1.0, len(dates))

	return portfolio, true
}

func strategyName(strat *strategy.Strategy) string {
	if strat.Root.Name != "" {
		return strat.Root.Name
	}

	if len(strat.Hash) >= 8 {
		return strat.Hash[:8]
	}

	return "strategy"
}

func (b *BacktestEngineV1) saveResult(strat *strategy.Strategy, result types.BacktestResult) error {
	shortID := result.RunID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	folder := filepath.Join(b.resultsFolder, fmt.Sprintf("%s_%s", strategyName(strat), shortID))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "cannot create run folder %s", folder)
	}

	if result.Success {
		if err := WriteResultsParquet(filepath.Join(folder, "portfolio.parquet"), result); err != nil {
			return err
		}
	}

	return writeResultJSON(filepath.Join(folder, "result.json"), result)
}
