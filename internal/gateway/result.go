package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ResultSet is a tabular query result with every cell rendered as text.
type ResultSet struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of a column, or -1.
func (r *ResultSet) Index(column string) int {
	for i, c := range r.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Len is the number of rows.
func (r *ResultSet) Len() int {
	return len(r.Rows)
}

// rawResult is the `data` object of a query or dictionary response.
type rawResult struct {
	ColumnList []string            `json:"column_list"`
	Rows       [][]json.RawMessage `json:"rows"`
	Error      string              `json:"error"`
}

func (r rawResult) toResultSet() (*ResultSet, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("query failed: %s", r.Error)
	}
	rs := &ResultSet{
		Columns: append([]string(nil), r.ColumnList...),
		Rows:    make([][]string, 0, len(r.Rows)),
	}
	for i, row := range r.Rows {
		if len(row) != len(r.ColumnList) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(r.ColumnList))
		}
		cells := make([]string, len(row))
		for j, raw := range row {
			cell, err := cellText(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, r.ColumnList[j], err)
			}
			cells[j] = cell
		}
		rs.Rows = append(rs.Rows, cells)
	}
	return rs, nil
}

// cellText flattens a JSON scalar to its text form. null becomes "".
func cellText(raw json.RawMessage) (string, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		// 1.50 and 1e3 come back as 1.5 and 1000.
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return "", fmt.Errorf("invalid number %s: %w", t, err)
		}
		return d.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		// Nested values are kept as their JSON text.
		return string(raw), nil
	}
}
