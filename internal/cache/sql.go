package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

// DefaultSQL runs when a source is empty.
const DefaultSQL = "select 1"

// Source is one SQL file. Key names its cache file and result.
type Source struct {
	Key  string
	Path string
}

// KeyFromFilename takes the last dot-separated part of the file stem:
// "irr.weekly.contracts.sql" gives "contracts", "abc" gives "abc".
func KeyFromFilename(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.LastIndex(stem, "."); i >= 0 {
		return stem[i+1:]
	}
	return stem
}

// Discover lists the *.sql files in dir, sorted by key.
func Discover(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sql dir: %w", err)
	}

	seen := make(map[string]string)
	var sources []Source
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		key := KeyFromFilename(path)
		if key == "" {
			return nil, fmt.Errorf("sql file %s has an empty key", path)
		}
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("sql key %q defined by both %s and %s", key, prev, path)
		}
		seen[key] = path
		sources = append(sources, Source{Key: key, Path: path})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Key < sources[j].Key })
	return sources, nil
}

// Load reads the source and renders its date parameters.
func (s Source) Load(params map[string]string) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	sql, err := Render(string(data), params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.Path, err)
	}
	return sql, nil
}

// Render fills {{.StatDate}}-style parameters. Unknown parameters are an
// error. Blank text becomes DefaultSQL.
func Render(text string, params map[string]string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return DefaultSQL, nil
	}
	tmpl, err := template.New("sql").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid sql template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("failed to render sql: %w", err)
	}
	return buf.String(), nil
}
