package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
	"go.uber.org/zap"
)

const (
	tickerFieldSize = 8

	// entrySize is the fixed on-disk record width: uint32 date, 8-byte
	// ticker, float32 weight.
	entrySize = 4 + tickerFieldSize + 4
)

// Entry is one persisted (date, ticker, weight) triple. Date is packed as
// (year<<16 | month<<8 | day) so chronological order matches numeric order.
type Entry struct {
	Date   uint32
	Ticker string
	Weight float32
}

// SubtreeCache persists per-node portfolio timelines, one file per node
// hash, records ordered by date ascending. Appends may only add dates
// strictly greater than the last stored date, keeping each timeline
// prefix-consistent.
type SubtreeCache struct {
	dir    string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewSubtreeCache creates the cache directory if needed.
func NewSubtreeCache(dir string, log *logger.Logger) (*SubtreeCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot create cache directory %s", dir)
	}

	return &SubtreeCache{dir: dir, logger: log}, nil
}

// DateToInt packs a YYYY-MM-DD date string into the on-disk representation.
func DateToInt(date string) (uint32, error) {
	var year, month, day uint32
	if _, err := fmt.Sscanf(date, "%4d-%2d-%2d", &year, &month, &day); err != nil {
		return 0, errors.Newf(errors.ErrCodeCacheCorrupted, "invalid date format: %q", date)
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, errors.Newf(errors.ErrCodeCacheCorrupted, "invalid date value: %q", date)
	}

	return year<<16 | month<<8 | day, nil
}

// IntToDate unpacks the on-disk date representation back to YYYY-MM-DD.
func IntToDate(packed uint32) string {
	return fmt.Sprintf("%04d-%02d-%02d", packed>>16, (packed>>8)&0xFF, packed&0xFF)
}

// Write stores the tail of the portfolio history covering span days, keyed
// by the node hash, replacing any existing file. When liveExecution is set
// the most recent (still open) day equal to endDate is excluded.
func (c *SubtreeCache) Write(hash string, dateRange []string, endDate string, span int, portfolio []types.DayData, liveExecution bool) error {
	entries, err := c.entriesFromPortfolio(dateRange, endDate, span, portfolio, liveExecution, 0)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeEntries(c.filePath(hash), entries, false); err != nil {
		return err
	}

	c.logger.Debug("wrote subtree cache",
		zap.String("hash", hash),
		zap.String("end_date", endDate),
		zap.Int("entries", len(entries)))

	return nil
}

// Append adds only entries whose dates are strictly greater than the last
// date already stored for the hash. Appending an overlapping range is a
// no-op for the overlapping days, which makes incremental runs idempotent.
func (c *SubtreeCache) Append(hash string, dateRange []string, endDate string, span int, portfolio []types.DayData, liveExecution bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastStored := uint32(0)

	existing, err := c.readEntries(c.filePath(hash), 0xFFFFFFFF)
	if err != nil {
		return err
	}

	for _, entry := range existing {
		if entry.Date > lastStored {
			lastStored = entry.Date
		}
	}

	entries, err := c.entriesFromPortfolio(dateRange, endDate, span, portfolio, liveExecution, lastStored)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	if err := c.writeEntries(c.filePath(hash), entries, true); err != nil {
		return err
	}

	c.logger.Debug("appended subtree cache",
		zap.String("hash", hash),
		zap.String("end_date", endDate),
		zap.Int("entries", len(entries)))

	return nil
}

// Read returns the cached portfolio history for the hash, filtered to dates
// at or before endDate, together with the matching date strings and the last
// cached date. A missing or empty cache returns ok=false.
func (c *SubtreeCache) Read(hash string, endDate string) ([]types.DayData, []string, string, bool, error) {
	endInt, err := DateToInt(endDate)
	if err != nil {
		return nil, nil, "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readEntries(c.filePath(hash), endInt)
	if err != nil {
		return nil, nil, "", false, err
	}

	if len(entries) == 0 {
		return nil, nil, "", false, nil
	}

	byDate := make(map[uint32]*types.DayData)
	dateInts := make([]uint32, 0)

	for _, entry := range entries {
		day, ok := byDate[entry.Date]
		if !ok {
			day = &types.DayData{}
			byDate[entry.Date] = day
			dateInts = append(dateInts, entry.Date)
		}

		day.AddPosition(entry.Ticker, float64(entry.Weight))
	}

	sort.Slice(dateInts, func(i, j int) bool { return dateInts[i] < dateInts[j] })

	history := make([]types.DayData, len(dateInts))
	dates := make([]string, len(dateInts))

	for i, d := range dateInts {
		history[i] = *byDate[d]
		dates[i] = IntToDate(d)
	}

	return history, dates, dates[len(dates)-1], true, nil
}

// MergeInto copies a cached subtree history into the live portfolio, scaled
// by the node weight, honoring the active mask. All three sequences are
// right-aligned on their final day; only the last min(span, len) days are
// touched.
func MergeInto(portfolio []types.DayData, cached []types.DayData, mask []bool, weight float64, span int) {
	n := span
	if len(mask) < n {
		n = len(mask)
	}

	if len(cached) < n {
		n = len(cached)
	}

	if len(portfolio) < n {
		n = len(portfolio)
	}

	for i := 0; i < n; i++ {
		maskIdx := len(mask) - 1 - i
		cachedIdx := len(cached) - 1 - i
		portfolioIdx := len(portfolio) - 1 - i

		if !mask[maskIdx] {
			continue
		}

		for _, position := range cached[cachedIdx].Positions {
			portfolio[portfolioIdx].AddPosition(position.Ticker, position.Weight*weight)
		}
	}
}

// Clear removes the cache file for one hash.
func (c *SubtreeCache) Clear(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.filePath(hash))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot clear cache for hash %s", hash)
	}

	return nil
}

// ClearAll removes every cached timeline and recreates the directory.
func (c *SubtreeCache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return errors.Wrap(errors.ErrCodeCacheWrite, "cannot clear cache directory", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeCacheWrite, "cannot recreate cache directory", err)
	}

	return nil
}

// Size returns the cache file size in bytes for a hash, 0 when absent.
func (c *SubtreeCache) Size(hash string) int64 {
	info, err := os.Stat(c.filePath(hash))
	if err != nil {
		return 0
	}

	return info.Size()
}

func (c *SubtreeCache) filePath(hash string) string {
	return filepath.Join(c.dir, hash+".bin")
}

// entriesFromPortfolio flattens the right-aligned tail of the portfolio
// history into flat entries, skipping dates at or before afterDate and, for
// live runs, the still-open endDate day.
func (c *SubtreeCache) entriesFromPortfolio(dateRange []string, endDate string, span int, portfolio []types.DayData, liveExecution bool, afterDate uint32) ([]Entry, error) {
	endInt, err := DateToInt(endDate)
	if err != nil {
		return nil, err
	}

	var entries []Entry

	for i := 0; i < span; i++ {
		dateIdx := len(dateRange) - span + i
		portfolioIdx := len(portfolio) - span + i

		if dateIdx < 0 || dateIdx >= len(dateRange) || portfolioIdx < 0 || portfolioIdx >= len(portfolio) {
			continue
		}

		dateInt, err := DateToInt(dateRange[dateIdx])
		if err != nil {
			return nil, err
		}

		if dateInt <= afterDate {
			continue
		}

		if liveExecution && dateInt == endInt {
			continue
		}

		for _, position := range portfolio[portfolioIdx].Positions {
			entries = append(entries, Entry{
				Date:   dateInt,
				Ticker: position.Ticker,
				Weight: float32(position.Weight),
			})
		}
	}

	return entries, nil
}

func (c *SubtreeCache) writeEntries(path string, entries []Entry, appendMode bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot open cache file %s", path)
	}
	defer file.Close()

	buf := bytes.NewBuffer(make([]byte, 0, len(entries)*entrySize))

	for _, entry := range entries {
		var ticker [tickerFieldSize]byte
		copy(ticker[:], entry.Ticker)

		binary.Write(buf, binary.LittleEndian, entry.Date)
		buf.Write(ticker[:])
		binary.Write(buf, binary.LittleEndian, entry.Weight)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot write cache file %s", path)
	}

	return nil
}

// readEntries loads records with date <= maxDate. A missing file yields an
// empty slice.
func (c *SubtreeCache) readEntries(path string, maxDate uint32) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.Wrapf(errors.ErrCodeCacheRead, err, "cannot read cache file %s", path)
	}

	if len(data)%entrySize != 0 {
		return nil, errors.Newf(errors.ErrCodeCacheCorrupted, "cache file %s has truncated records", path)
	}

	reader := bytes.NewReader(data)
	entries := make([]Entry, 0, len(data)/entrySize)

	for {
		var date uint32
		if err := binary.Read(reader, binary.LittleEndian, &date); err != nil {
			if err == io.EOF {
				break
			}

			return nil, errors.Wrapf(errors.ErrCodeCacheRead, err, "cannot decode cache file %s", path)
		}

		var ticker [tickerFieldSize]byte
		if _, err := io.ReadFull(reader, ticker[:]); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeCacheRead, err, "cannot decode cache file %s", path)
		}

		var weight float32
		if err := binary.Read(reader, binary.LittleEndian, &weight); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeCacheRead, err, "cannot decode cache file %s", path)
		}

		if date > maxDate {
			continue
		}

		entries = append(entries, Entry{
			Date:   date,
			Ticker: trimTicker(ticker),
			Weight: weight,
		})
	}

	return entries, nil
}

func trimTicker(raw [tickerFieldSize]byte) string {
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}

	return string(raw[:end])
}
