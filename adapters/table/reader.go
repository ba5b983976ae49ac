// Package table reads and writes the row-oriented timecourse tables the
// pipeline consumes and produces: delimited text (CSV, TSV) and Excel.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"

	"github.com/xuri/excelize/v2"
)

// Supported file formats
const (
	FormatCSV  = "csv"
	FormatTSV  = "tsv"
	FormatXLSX = "xlsx"
)

// DetectFormat picks a format from the file extension; unknown extensions are
// read as TSV.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX
	case ".csv":
		return FormatCSV
	default:
		return FormatTSV
	}
}

// ColumnMap names the input columns. Condition may span several columns
// (factor, strain, date, treatment); they are joined into one ConditionKey.
type ColumnMap struct {
	Feature           string
	Condition         []string
	Time              string
	Value             string
	FeatureVariance   string
	ConditionVariance string
	Replicate         string
}

// DefaultColumnMap returns the column names written by this package
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		Feature:           "feature",
		Condition:         []string{"condition"},
		Time:              "time",
		Value:             "value",
		FeatureVariance:   "feature_variance",
		ConditionVariance: "condition_variance",
		Replicate:         "replicate",
	}
}

// Reader loads tables from CSV, TSV or Excel files
type Reader struct {
	path    string
	format  string
	columns ColumnMap
	logger  *internal.Logger
}

// NewReader creates a reader; the format follows the file extension.
func NewReader(path string, columns ColumnMap, logger *internal.Logger) *Reader {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Reader{path: path, format: DetectFormat(path), columns: columns, logger: logger}
}

// ReadRows returns the trimmed header and the data rows
func (r *Reader) ReadRows() ([]string, [][]string, error) {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return nil, nil, core.NewNotFoundError("file", r.path)
	}

	start := time.Now()
	var rows [][]string
	var err error
	switch r.format {
	case FormatXLSX:
		rows, err = r.readExcel()
	default:
		var f *os.File
		f, err = os.Open(r.path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", r.path, err)
		}
		defer f.Close()
		rows, err = readDelimited(f, r.format)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, core.NewInvalidInputError("file", r.path+" must have a header row and at least one data row")
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	r.logger.Debug("read %s (%s): %d columns, %d rows in %s", r.path, r.format, len(header), len(rows)-1, time.Since(start))
	return header, rows[1:], nil
}

func (r *Reader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, core.NewInvalidInputError("file", r.path+" has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func readDelimited(src io.Reader, format string) ([][]string, error) {
	reader := csv.NewReader(src)
	if format == FormatTSV {
		reader.Comma = '\t'
		reader.LazyQuotes = true
	}
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", format, err)
	}
	return rows, nil
}

// ReadObservations loads summarised observations. Variance columns missing
// from the file are left at zero, to be filled from a noise model.
func (r *Reader) ReadObservations() ([]timecourse.Observation, error) {
	header, rows, err := r.ReadRows()
	if err != nil {
		return nil, err
	}
	idx, err := r.index(header, r.columns.Time, r.columns.Value)
	if err != nil {
		return nil, err
	}
	fvCol, hasFV := lookup(header, r.columns.FeatureVariance)
	cvCol, hasCV := lookup(header, r.columns.ConditionVariance)

	obs := make([]timecourse.Observation, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		o := timecourse.Observation{
			Feature:   timecourse.FeatureID(cell(row, idx.feature)),
			Condition: idx.condition(row),
		}
		if o.Time, err = parseFloat(row, idx.cols[0], r.columns.Time, line); err != nil {
			return nil, err
		}
		if o.Value, err = parseFloat(row, idx.cols[1], r.columns.Value, line); err != nil {
			return nil, err
		}
		if hasFV {
			if o.FeatureVariance, err = parseFloat(row, fvCol, r.columns.FeatureVariance, line); err != nil {
				return nil, err
			}
		}
		if hasCV {
			if o.ConditionVariance, err = parseFloat(row, cvCol, r.columns.ConditionVariance, line); err != nil {
				return nil, err
			}
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// ReadReplicates loads raw replicate measurements. A missing replicate column
// numbers the replicates of each cell in file order.
func (r *Reader) ReadReplicates() ([]timecourse.Replicate, error) {
	header, rows, err := r.ReadRows()
	if err != nil {
		return nil, err
	}
	idx, err := r.index(header, r.columns.Time, r.columns.Value)
	if err != nil {
		return nil, err
	}
	repCol, hasRep := lookup(header, r.columns.Replicate)

	type cellKey struct {
		feature   timecourse.FeatureID
		condition timecourse.ConditionKey
		time      float64
	}
	seen := make(map[cellKey]int)

	reps := make([]timecourse.Replicate, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		rep := timecourse.Replicate{
			Feature:   timecourse.FeatureID(cell(row, idx.feature)),
			Condition: idx.condition(row),
		}
		if rep.Time, err = parseFloat(row, idx.cols[0], r.columns.Time, line); err != nil {
			return nil, err
		}
		if rep.Value, err = parseFloat(row, idx.cols[1], r.columns.Value, line); err != nil {
			return nil, err
		}
		key := cellKey{rep.Feature, rep.Condition, rep.Time}
		seen[key]++
		rep.Replicate = seen[key]
		if hasRep {
			n, err := strconv.Atoi(cell(row, repCol))
			if err != nil {
				return nil, core.NewInvalidInputError(r.columns.Replicate, fmt.Sprintf("line %d: %q is not an integer", line, cell(row, repCol)))
			}
			rep.Replicate = n
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

type columnIndex struct {
	feature    int
	conditions []int
	cols       []int
}

func (c columnIndex) condition(row []string) timecourse.ConditionKey {
	parts := make([]string, len(c.conditions))
	for i, col := range c.conditions {
		parts[i] = cell(row, col)
	}
	return timecourse.NewConditionKey(parts...)
}

// index resolves the feature and condition columns plus the given required ones.
func (r *Reader) index(header []string, required ...string) (columnIndex, error) {
	var idx columnIndex
	var ok bool
	if idx.feature, ok = lookup(header, r.columns.Feature); !ok {
		return idx, missingColumn(r.columns.Feature, header)
	}
	for _, name := range r.columns.Condition {
		col, ok := lookup(header, name)
		if !ok {
			return idx, missingColumn(name, header)
		}
		idx.conditions = append(idx.conditions, col)
	}
	for _, name := range required {
		col, ok := lookup(header, name)
		if !ok {
			return idx, missingColumn(name, header)
		}
		idx.cols = append(idx.cols, col)
	}
	return idx, nil
}

func missingColumn(name string, header []string) error {
	return core.NewInvalidInputError("columns", fmt.Sprintf("column %q not found in header [%s]", name, strings.Join(header, ", ")))
}

func lookup(header []string, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i, true
		}
	}
	return 0, false
}

func cell(row []string, col int) string {
	if col < len(row) {
		return strings.TrimSpace(row[col])
	}
	return ""
}

func parseFloat(row []string, col int, name string, line int) (float64, error) {
	raw := cell(row, col)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, core.NewInvalidInputError(name, fmt.Sprintf("line %d: %q is not a number", line, raw))
	}
	return v, nil
}
