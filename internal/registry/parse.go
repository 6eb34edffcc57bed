package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Format is a roster file encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("registry: unsupported roster extension %q", filepath.Ext(path))
	}
}

// rawEntry is the format-neutral row shape.
type rawEntry struct {
	Address        string `toml:"address" yaml:"address"`
	Classification string `toml:"classification" yaml:"classification"`
	Status         string `toml:"status" yaml:"status"`
	Reason         string `toml:"reason" yaml:"reason"`
	Label          string `toml:"label" yaml:"label"`
}

// ValidationError lists every rejected row of a roster.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "registry: invalid roster:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Parse decodes and validates a roster. It is all or nothing: a single bad
// row rejects the whole table.
func Parse(r io.Reader, format Format) ([]domain.RosterEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("registry: read roster: %w", err)
	}

	var rows []rawEntry
	switch format {
	case FormatCSV:
		rows, err = decodeCSV(data)
	case FormatTOML:
		var doc struct {
			Trader []rawEntry `toml:"trader"`
		}
		_, err = toml.Decode(string(data), &doc)
		rows = doc.Trader
	case FormatYAML:
		var doc struct {
			Traders []rawEntry `yaml:"traders"`
		}
		err = yaml.Unmarshal(data, &doc)
		rows = doc.Traders
	default:
		return nil, fmt.Errorf("registry: unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s roster: %w", format, err)
	}
	return validate(rows)
}

func decodeCSV(data []byte) ([]rawEntry, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := make(map[string]int)
	for i, h := range records[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["address"]; !ok {
		return nil, errors.New("csv header must contain an address column")
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]rawEntry, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, rawEntry{
			Address:        field(rec, "address"),
			Classification: field(rec, "classification"),
			Status:         field(rec, "status"),
			Reason:         field(rec, "reason"),
			Label:          field(rec, "label"),
		})
	}
	return rows, nil
}

func validate(rows []rawEntry) ([]domain.RosterEntry, error) {
	var problems []string
	seen := make(map[domain.Address]int, len(rows))
	out := make([]domain.RosterEntry, 0, len(rows))

	for i, row := range rows {
		n := i + 1
		addr, err := domain.ParseAddress(row.Address)
		if err != nil {
			problems = append(problems, fmt.Sprintf("row %d: address: %v", n, err))
			continue
		}
		if first, dup := seen[addr]; dup {
			problems = append(problems, fmt.Sprintf("row %d: address %s duplicates row %d", n, addr, first))
			continue
		}
		seen[addr] = n

		class, err := domain.ParseClassification(row.Classification)
		if err != nil {
			problems = append(problems, fmt.Sprintf("row %d: classification: %v", n, err))
		}
		status, err := domain.ParseInclusionStatus(row.Status)
		if err != nil {
			problems = append(problems, fmt.Sprintf("row %d: status: %v", n, err))
		}
		reason := strings.ToLower(strings.TrimSpace(row.Reason))
		if reason == domain.ReasonUnreachable {
			status = domain.StatusExcluded
		}

		out = append(out, domain.RosterEntry{
			Address:        addr,
			Classification: class,
			Status:         status,
			Reason:         reason,
			Label:          strings.TrimPrefix(strings.TrimSpace(row.Label), "@"),
		})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return out, nil
}

// MergeWallets appends plain wallet addresses that the table does not
// already list, as active unverified entries.
func MergeWallets(entries []domain.RosterEntry, wallets []string) ([]domain.RosterEntry, error) {
	have := make(map[domain.Address]bool, len(entries))
	for _, e := range entries {
		have[e.Address] = true
	}

	var problems []string
	out := entries
	for _, w := range wallets {
		if strings.TrimSpace(w) == "" {
			continue
		}
		addr, err := domain.ParseAddress(w)
		if err != nil {
			problems = append(problems, fmt.Sprintf("monitored wallet: %v", err))
			continue
		}
		if have[addr] {
			continue
		}
		have[addr] = true
		out = append(out, domain.RosterEntry{
			Address:        addr,
			Classification: domain.ClassUnverified,
			Status:         domain.StatusIncluded,
		})
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return out, nil
}
