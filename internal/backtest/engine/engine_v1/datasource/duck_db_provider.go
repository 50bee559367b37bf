package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
	"go.uber.org/zap"
)

// tickerPattern limits view names to plain ticker symbols. Anything else is
// rejected before it reaches SQL.
var tickerPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,16}$`)

// DuckDBProvider serves price and market-cap series from per-ticker parquet
// files queried through DuckDB. Each ticker's file is exposed as a view the
// first time it is requested. The expected parquet schema has at least the
// columns date (YYYY-MM-DD string), close and market_cap.
type DuckDBProvider struct {
	db      *sql.DB
	dataDir string
	logger  *logger.Logger
	sq      squirrel.StatementBuilderType
	retry   RetryPolicy

	mu    sync.Mutex
	views map[string]bool
}

// NewDuckDBProvider opens an in-memory DuckDB instance over the parquet
// files in dataDir.
func NewDuckDBProvider(dataDir string, log *logger.Logger, retry RetryPolicy) (*DuckDBProvider, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "cannot open DuckDB", err)
	}

	if _, err := db.Exec(`SET memory_limit='4GB'; SET threads=4;`); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "cannot configure DuckDB", err)
	}

	return &DuckDBProvider{
		db:      db,
		dataDir: dataDir,
		logger:  log,
		sq:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		retry:   retry,
		views:   make(map[string]bool),
	}, nil
}

// GetPriceSeries implements DataProvider.
func (p *DuckDBProvider) GetPriceSeries(ctx context.Context, ticker string, lookbackDays int, endDate optional.Option[string]) ([]float64, error) {
	return p.querySeries(ctx, ticker, "close", lookbackDays, endDate)
}

// GetMarketCapSeries implements DataProvider.
func (p *DuckDBProvider) GetMarketCapSeries(ctx context.Context, ticker string, period int, endDate optional.Option[string]) ([]float64, error) {
	return p.querySeries(ctx, ticker, "market_cap", period, endDate)
}

// GetTradingDates implements DataProvider. Dates are read from the first
// ticker view that exists; all per-ticker files share one trading calendar.
func (p *DuckDBProvider) GetTradingDates(ctx context.Context, period int, endDate optional.Option[string]) ([]string, error) {
	ticker, err := p.anyTicker()
	if err != nil {
		return nil, err
	}

	view, err := p.ensureView(ticker)
	if err != nil {
		return nil, err
	}

	builder := p.sq.Select("date").From(view).OrderBy("date DESC").Limit(uint64(period))
	if endDate.IsSome() {
		builder = builder.Where(squirrel.LtOrEq{"date": endDate.Unwrap()})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "cannot build trading-dates query", err)
	}

	var dates []string

	err = p.retry.retry(ctx, func() error {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		dates = dates[:0]

		for rows.Next() {
			var date string
			if err := rows.Scan(&date); err != nil {
				return err
			}

			dates = append(dates, date)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "trading-dates query failed", err)
	}

	reverse(dates)

	return dates, nil
}

// Close implements DataProvider.
func (p *DuckDBProvider) Close() error {
	return p.db.Close()
}

func (p *DuckDBProvider) querySeries(ctx context.Context, ticker, column string, lookback int, endDate optional.Option[string]) ([]float64, error) {
	if lookback <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "lookback must be positive, got %d", lookback)
	}

	view, err := p.ensureView(ticker)
	if err != nil {
		return nil, err
	}

	builder := p.sq.Select(column).From(view).OrderBy("date DESC").Limit(uint64(lookback))
	if endDate.IsSome() {
		builder = builder.Where(squirrel.LtOrEq{"date": endDate.Unwrap()})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "cannot build series query", err)
	}

	var series []float64

	err = p.retry.retry(ctx, func() error {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		series = series[:0]

		for rows.Next() {
			var value float64
			if err := rows.Scan(&value); err != nil {
				return err
			}

			series = append(series, value)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeQueryFailed, err, "series query failed for %s", ticker)
	}

	if len(series) < lookback {
		return nil, errors.NewInsufficientDataErrorf(lookback, len(series), ticker,
			"%s has only %d of %d requested days", ticker, len(series), lookback)
	}

	reverse(series)

	return series, nil
}

// ensureView creates the per-ticker parquet view on first use.
func (p *DuckDBProvider) ensureView(ticker string) (string, error) {
	if !tickerPattern.MatchString(ticker) {
		return "", errors.Newf(errors.ErrCodeInvalidParameter, "invalid ticker: %q", ticker)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	view := "prices_" + ticker
	if p.views[ticker] {
		return view, nil
	}

	path := filepath.Join(p.dataDir, ticker+".parquet")

	query := fmt.Sprintf(`CREATE OR REPLACE VIEW %q AS SELECT * FROM read_parquet('%s');`, view, path)
	if _, err := p.db.Exec(query); err != nil {
		return "", errors.Wrapf(errors.ErrCodeDataUnavailable, err, "no data for ticker %s", ticker)
	}

	p.logger.Debug("created parquet view", zap.String("ticker", ticker), zap.String("path", path))
	p.views[ticker] = true

	return view, nil
}

func (p *DuckDBProvider) anyTicker() (string, error) {
	p.mu.Lock()

	for ticker := range p.views {
		p.mu.Unlock()
		return ticker, nil
	}

	p.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(p.dataDir, "*.parquet"))
	if err != nil || len(matches) == 0 {
		return "", errors.New(errors.ErrCodeDataUnavailable, "no parquet files in data directory")
	}

	base := filepath.Base(matches[0])

	return base[:len(base)-len(".parquet")], nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
