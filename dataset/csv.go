package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mesograd/mesograd/training"
)

// CSVOptions describes how to read a numeric CSV file.
type CSVOptions struct {
	TargetColumns []int // Zero-based columns holding targets; default is the last column
	Header        bool  // Skip the first record
	Comma         rune  // Field delimiter, ',' when zero
}

// LoadCSV reads a numeric CSV file into memory.
func LoadCSV(path string, opts CSVOptions) (training.SliceDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses records from r. Every record must have the same number of
// fields and every field must be a number.
func ReadCSV(r io.Reader, opts CSVOptions) (training.SliceDataset, error) {
	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var ds training.SliceDataset
	var targets map[int]bool
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && opts.Header {
			continue
		}

		if targets == nil {
			targets, err = targetSet(opts.TargetColumns, len(record))
			if err != nil {
				return nil, err
			}
		}

		var s training.Sample
		for col, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, col, err)
			}
			if targets[col] {
				s.Y = append(s.Y, v)
			} else {
				s.X = append(s.X, v)
			}
		}
		ds = append(ds, s)
	}

	if len(ds) == 0 {
		return nil, fmt.Errorf("no records")
	}
	return ds, nil
}

func targetSet(columns []int, width int) (map[int]bool, error) {
	if len(columns) == 0 {
		columns = []int{width - 1}
	}
	set := make(map[int]bool, len(columns))
	for _, c := range columns {
		if c < 0 || c >= width {
			return nil, fmt.Errorf("target column %d out of range for %d fields", c, width)
		}
		set[c] = true
	}
	if len(set) >= width {
		return nil, fmt.Errorf("every column is a target, no inputs left")
	}
	return set, nil
}
