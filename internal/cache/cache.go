// Package cache keeps query results as CSV files in the dated data
// directory, so a rerun on the same statistics date never hits the gateway
// twice.
package cache

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"irrcontract/internal/gateway"
	"irrcontract/internal/logging"
)

const utf8BOM = "\ufeff"

// Fetcher produces a result on a cache miss.
type Fetcher func(ctx context.Context) (*gateway.ResultSet, error)

// Cache stores one CSV per key under dir.
type Cache struct {
	dir     string
	refresh bool
}

// New returns a cache rooted at dir. With refresh set every Get refetches.
func New(dir string, refresh bool) *Cache {
	return &Cache{dir: dir, refresh: refresh}
}

// Path is the CSV file for key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key+".csv")
}

// Has reports whether key is cached.
func (c *Cache) Has(key string) bool {
	_, err := os.Stat(c.Path(key))
	return err == nil
}

// Get returns the cached result for key, calling fetch and storing its
// result when the file does not exist. hit reports a cache read.
func (c *Cache) Get(ctx context.Context, key string, fetch Fetcher) (rs *gateway.ResultSet, hit bool, err error) {
	path := c.Path(key)
	if !c.refresh {
		rs, err := ReadCSV(path)
		if err == nil {
			logging.Cache("Loaded %s from cache (%d rows)", key, rs.Len())
			return rs, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
		logging.CacheDebug("No cached %s at %s", key, path)
	} else {
		logging.CacheDebug("Refreshing %s", key)
	}

	rs, err = fetch(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", key, err)
	}
	if err := WriteCSV(path, rs); err != nil {
		return nil, false, err
	}
	logging.Cache("Fetched %s (%d rows) into %s", key, rs.Len(), path)
	return rs, false, nil
}

// ReadCSV loads a result written by WriteCSV. The first record is the header.
func ReadCSV(path string) (*gateway.ResultSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty csv", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	rs := &gateway.ResultSet{Columns: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rs.Rows = append(rs.Rows, rec)
	}
	return rs, nil
}

// WriteCSV writes rs atomically: a temp file in the same directory is
// renamed over path.
func WriteCSV(path string, rs *gateway.ResultSet) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(rs.Columns); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := w.WriteAll(rs.Rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}
