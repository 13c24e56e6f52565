// Package archive is the cold tier: monthly CSV files per series under a
// root directory. It backs windows older than the database retention
// horizon and receives evicted rows from the retention sweep.
package archive

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"market-forecast-service/internal/market"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Layout: {root}/{symbol}/{timeframe}/{YYYY-MM}.csv
// Row: start_unix,open,high,low,close,volume

// Store reads and writes monthly candle archives.
type Store struct {
	root string
	log  zerolog.Logger
}

// NewStore creates the archive root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		root = "archive"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Store{
		root: root,
		log:  log.With().Str("component", "archive").Logger(),
	}, nil
}

func (s *Store) monthPath(symbol string, tf market.Timeframe, month time.Time) string {
	return filepath.Join(s.root, symbol, string(tf), month.UTC().Format("2006-01")+".csv")
}

// Write appends candles to their monthly files, skipping start timestamps
// already present. Input may span multiple months.
func (s *Store) Write(symbol string, tf market.Timeframe, candles market.Slice) error {
	if len(candles) == 0 {
		return nil
	}

	byMonth := make(map[string]market.Slice)
	for _, c := range candles {
		key := c.StartTS.UTC().Format("2006-01")
		byMonth[key] = append(byMonth[key], c)
	}

	for monthKey, chunk := range byMonth {
		month, _ := time.Parse("2006-01", monthKey)
		if err := s.writeMonth(symbol, tf, month, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeMonth(symbol string, tf market.Timeframe, month time.Time, chunk market.Slice) error {
	path := s.monthPath(symbol, tf, month)

	existing, err := s.readFile(path, symbol, tf)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(existing))
	for _, c := range existing {
		seen[c.StartTS.Unix()] = true
	}

	var fresh market.Slice
	for _, c := range chunk {
		if !seen[c.StartTS.Unix()] {
			fresh = append(fresh, c)
			seen[c.StartTS.Unix()] = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	merged := existing.Merge(fresh)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	w := csv.NewWriter(f)
	for _, c := range merged {
		rec := []string{
			strconv.FormatInt(c.StartTS.Unix(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write archive row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace archive file: %w", err)
	}

	s.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Str("month", month.Format("2006-01")).
		Int("appended", len(fresh)).
		Msg("archive month updated")

	return nil
}

// Read returns archived candles for [from, to), ordered ascending. A
// missing month is simply absent data, not an error.
func (s *Store) Read(symbol string, tf market.Timeframe, from, to time.Time) (market.Slice, error) {
	var out market.Slice

	month := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	end := to.UTC()
	for !month.After(end) {
		chunk, err := s.readFile(s.monthPath(symbol, tf, month), symbol, tf)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		month = month.AddDate(0, 1, 0)
	}

	return out.SortDedup().Within(from, to), nil
}

func (s *Store) readFile(path, symbol string, tf market.Timeframe) (market.Slice, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read archive file %s: %w", path, err)
	}

	out := make(market.Slice, 0, len(records))
	for _, rec := range records {
		c, err := parseRow(rec, symbol, tf)
		if err != nil {
			s.log.Warn().Str("file", path).Err(err).Msg("skipping bad archive row")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseRow(rec []string, symbol string, tf market.Timeframe) (market.Candle, error) {
	unix, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad timestamp %q", rec[0])
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("bad field %q", rec[i+1])
		}
		vals[i] = v
	}
	return market.Candle{
		Symbol:     symbol,
		Timeframe:  tf,
		StartTS:    time.Unix(unix, 0).UTC(),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
		Provenance: market.ProvenanceDB,
	}, nil
}

// Months lists the archived months for a series, ascending.
func (s *Store) Months(symbol string, tf market.Timeframe) ([]time.Time, error) {
	dir := filepath.Join(s.root, symbol, string(tf))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var months []time.Time
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".csv" {
			continue
		}
		m, err := time.Parse("2006-01", name[:len(name)-len(".csv")])
		if err != nil {
			continue
		}
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months, nil
}
