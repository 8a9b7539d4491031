// Package loader turns station manifests into harvest jobs.
package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

// Config controls how manifest rows are fanned out into jobs.
type Config struct {
	// Categories is the list of tally-sheet categories to request per
	// station. Each manifest row produces one job per category.
	Categories []string
	// DefaultPriority is applied to rows that carry no priority column.
	DefaultPriority int
}

// LoadFile reads a CSV station manifest from disk.
func LoadFile(path string, cfg Config) ([]harvest.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	jobs, err := Load(f, cfg)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return jobs, nil
}

// Load parses a CSV manifest with columns region,subregion,zone,station and
// an optional fifth priority column. A header row is detected and skipped.
func Load(r io.Reader, cfg Config) ([]harvest.Job, error) {
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("no categories configured")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var jobs []harvest.Job
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		line++
		if line == 1 && isHeader(record) {
			continue
		}
		if isBlank(record) {
			continue
		}
		if len(record) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 columns, got %d", line, len(record))
		}

		key := harvest.NaturalKey{
			Region:    strings.TrimSpace(record[0]),
			Subregion: strings.TrimSpace(record[1]),
			Zone:      strings.TrimSpace(record[2]),
			Station:   strings.TrimSpace(record[3]),
		}
		if key.Region == "" || key.Subregion == "" || key.Zone == "" || key.Station == "" {
			return nil, fmt.Errorf("line %d: empty key column", line)
		}

		priority := cfg.DefaultPriority
		if len(record) >= 5 && strings.TrimSpace(record[4]) != "" {
			priority, err = strconv.Atoi(strings.TrimSpace(record[4]))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad priority %q: %w", line, record[4], err)
			}
		}

		for _, category := range cfg.Categories {
			key.Category = category
			jobs = append(jobs, harvest.Job{Key: key, Priority: priority})
		}
	}
	return jobs, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "region")
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
