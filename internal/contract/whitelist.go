package contract

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"irrcontract/internal/cache"
	"irrcontract/internal/gateway"

	"github.com/xuri/excelize/v2"
)

// WhitelistEntry exempts one contract from the irregularity rules.
type WhitelistEntry struct {
	ContractNo string `json:"contract_no"`
	Reason     string `json:"reason"`
}

// Whitelist is a set of exempt contract numbers.
type Whitelist struct {
	reasons map[string]string
}

// NewWhitelist builds a whitelist from entries. Later duplicates win.
func NewWhitelist(entries ...WhitelistEntry) *Whitelist {
	w := &Whitelist{reasons: make(map[string]string, len(entries))}
	for _, e := range entries {
		no := strings.TrimSpace(e.ContractNo)
		if no == "" {
			continue
		}
		w.reasons[no] = strings.TrimSpace(e.Reason)
	}
	return w
}

// Lookup returns the exemption reason for a contract number.
func (w *Whitelist) Lookup(contractNo string) (reason string, ok bool) {
	if w == nil {
		return "", false
	}
	reason, ok = w.reasons[strings.TrimSpace(contractNo)]
	return reason, ok
}

// Len is the number of exempt contracts.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.reasons)
}

// Entries returns the whitelist sorted by contract number.
func (w *Whitelist) Entries() []WhitelistEntry {
	if w == nil {
		return nil
	}
	out := make([]WhitelistEntry, 0, len(w.reasons))
	for no, reason := range w.reasons {
		out = append(out, WhitelistEntry{ContractNo: no, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractNo < out[j].ContractNo })
	return out
}

// LoadWhitelist reads a whitelist file, choosing the reader by suffix:
// .json (JSON with // comment lines), .csv or .xlsx. An empty path gives
// an empty whitelist.
func LoadWhitelist(path string) (*Whitelist, error) {
	if path == "" {
		return NewWhitelist(), nil
	}

	var (
		entries []WhitelistEntry
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		entries, err = loadJSONC(path)
	case ".csv":
		var rs *gateway.ResultSet
		rs, err = cache.ReadCSV(path)
		if err == nil {
			entries, err = entriesFromTable(rs)
		}
	case ".xlsx":
		var rs *gateway.ResultSet
		rs, err = readFirstSheet(path)
		if err == nil {
			entries, err = entriesFromTable(rs)
		}
	default:
		return nil, fmt.Errorf("unsupported whitelist format %q (want .json, .csv or .xlsx)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("load whitelist %s: %w", path, err)
	}
	return NewWhitelist(entries...), nil
}

// StripLineComments drops lines whose first non-blank characters are "//".
func StripLineComments(data []byte) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func loadJSONC(path string) ([]WhitelistEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []WhitelistEntry
	if err := json.Unmarshal(StripLineComments(data), &entries); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return entries, nil
}

func readFirstSheet(path string) (*gateway.ResultSet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheets[0])
	}
	return &gateway.ResultSet{Columns: rows[0], Rows: rows[1:]}, nil
}

func entriesFromTable(rs *gateway.ResultSet) ([]WhitelistEntry, error) {
	iNo := rs.Index("contract_no")
	if iNo < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, "contract_no")
	}
	iReason := rs.Index("reason")

	entries := make([]WhitelistEntry, 0, rs.Len())
	for _, row := range rs.Rows {
		// excelize trims trailing empty cells, so rows may be short.
		e := WhitelistEntry{}
		if iNo < len(row) {
			e.ContractNo = row[iNo]
		}
		if iReason >= 0 && iReason < len(row) {
			e.Reason = row[iReason]
		}
		entries = append(entries, e)
	}
	return entries, nil
}
