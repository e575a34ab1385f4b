// Package history provides the append-only, tab-separated per-symbol candle files.
//
// Each line holds one candle in ascending open time:
//
//	openTime open high low close volume closeTime quoteVolume tradeCount takerBuyVolume takerBuyQuoteVolume ignore
package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// minFields covers open time through quote volume, the columns the monitor reads.
const minFields = 8

// Store keeps one file per symbol under dir.
type Store struct {
	dir      string
	interval string
	mu       sync.Mutex
}

// New creates dir if needed. interval names the candle width in file names, e.g. "1m".
func New(dir, interval string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if interval == "" {
		interval = "1m"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Store{dir: dir, interval: interval}, nil
}

// Path returns the file backing symbol.
func (s *Store) Path(symbol string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.data", symbol, s.interval))
}

// Tail returns the last n well-formed records. Malformed lines and lines whose
// open time does not increase are skipped and logged with their line number.
// A missing file yields no records.
func (s *Store) Tail(symbol string, n int) ([]models.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path(symbol))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	if n <= 0 {
		return nil, nil
	}
	buf := make([]models.Kline, n)
	var count, lineNo int
	var last int64
	var skipped int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		k, err := ParseLine(line)
		if err != nil {
			skipped++
			logger.Warn("%s:%d: %v", s.Path(symbol), lineNo, err)
			continue
		}
		if count > 0 && k.OpenTime <= last {
			skipped++
			logger.Warn("%s:%d: %v: open time %d after %d", s.Path(symbol), lineNo, models.ErrOrderingViolation, k.OpenTime, last)
			continue
		}
		buf[count%n] = k
		count++
		last = k.OpenTime
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if skipped > 0 {
		logger.Info("Skipped %d unusable lines in %s", skipped, s.Path(symbol))
	}

	if count <= n {
		return buf[:count], nil
	}
	start := count % n
	out := make([]models.Kline, 0, n)
	out = append(out, buf[start:]...)
	out = append(out, buf[:start]...)
	return out, nil
}

// LastTimestamp returns the open time of the last well-formed record.
func (s *Store) LastTimestamp(symbol string) (int64, bool, error) {
	recs, err := s.Tail(symbol, 1)
	if err != nil {
		return 0, false, err
	}
	if len(recs) == 0 {
		return 0, false, nil
	}
	return recs[0].OpenTime, true, nil
}

// Append writes klines to the end of the symbol's file.
func (s *Store) Append(symbol string, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(symbol), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history for append: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, k := range klines {
		if _, err := w.WriteString(FormatLine(k)); err != nil {
			f.Close()
			return fmt.Errorf("failed to write history: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("failed to write history: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush history: %w", err)
	}
	return f.Close()
}

// FormatLine renders a kline as one tab-separated record without the trailing newline.
func FormatLine(k models.Kline) string {
	fields := []string{
		strconv.FormatInt(k.OpenTime, 10),
		formatFloat(k.Open),
		formatFloat(k.High),
		formatFloat(k.Low),
		formatFloat(k.Close),
		formatFloat(k.Volume),
		strconv.FormatInt(k.CloseTime, 10),
		formatFloat(k.QuoteVolume),
		strconv.FormatInt(k.TradeCount, 10),
		formatFloat(k.TakerBuyVolume),
		formatFloat(k.TakerBuyQuoteVolume),
		"0",
	}
	return strings.Join(fields, "\t")
}

// ParseLine parses one record. Columns past quote volume are optional.
func ParseLine(line string) (models.Kline, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) < minFields {
		return models.Kline{}, fmt.Errorf("%w: %d fields, want at least %d", models.ErrMalformedRecord, len(fields), minFields)
	}

	var k models.Kline
	var err error
	ints := []struct {
		idx int
		dst *int64
	}{{0, &k.OpenTime}, {6, &k.CloseTime}, {8, &k.TradeCount}}
	floats := []struct {
		idx int
		dst *float64
	}{{1, &k.Open}, {2, &k.High}, {3, &k.Low}, {4, &k.Close}, {5, &k.Volume}, {7, &k.QuoteVolume}, {9, &k.TakerBuyVolume}, {10, &k.TakerBuyQuoteVolume}}

	for _, f := range ints {
		if f.idx >= len(fields) {
			continue
		}
		if *f.dst, err = strconv.ParseInt(unquote(fields[f.idx]), 10, 64); err != nil {
			return models.Kline{}, fmt.Errorf("%w: column %d: %v", models.ErrMalformedRecord, f.idx, err)
		}
	}
	for _, f := range floats {
		if f.idx >= len(fields) {
			continue
		}
		if *f.dst, err = strconv.ParseFloat(unquote(fields[f.idx]), 64); err != nil {
			return models.Kline{}, fmt.Errorf("%w: column %d: %v", models.ErrMalformedRecord, f.idx, err)
		}
	}
	if err := k.Tick().Validate(); err != nil {
		return models.Kline{}, fmt.Errorf("%w: %v", models.ErrMalformedRecord, err)
	}
	return k, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// unquote accepts the quoted numeric strings the exchange returns.
func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}
