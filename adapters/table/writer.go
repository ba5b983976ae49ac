package table

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"tcshrink/domain/timecourse"

	"github.com/xuri/excelize/v2"
)

// ResultHeader is the column layout of a written result table
var ResultHeader = []string{
	"feature", "condition", "time", "value", "feature_variance", "condition_variance",
	"z_score", "p_value", "local_fdr", "shrunken_value", "clamped",
}

// ObservationHeader is the column layout of a written observation table
var ObservationHeader = ResultHeader[:6]

// ReplicateHeader is the column layout of a written replicate table
var ReplicateHeader = []string{"feature", "condition", "time", "replicate", "value"}

// NoiseHeader is the column layout of a written noise model
var NoiseHeader = []string{"component", "key", "variance"}

// WriteResults writes shrinkage results as CSV, TSV or XLSX by extension
func WriteResults(path string, results []timecourse.ShrinkageResult) error {
	rows := make([][]interface{}, len(results))
	for i, r := range results {
		rows[i] = []interface{}{
			string(r.Feature), r.Condition.String(), r.Time, r.Value, r.FeatureVariance, r.ConditionVariance,
			r.ZScore, r.PValue, r.LocalFDR, r.Shrunken, r.Clamped,
		}
	}
	return write(path, ResultHeader, rows)
}

// WriteObservations writes summarised observations with their variances
func WriteObservations(path string, obs []timecourse.Observation) error {
	rows := make([][]interface{}, len(obs))
	for i, o := range obs {
		rows[i] = []interface{}{string(o.Feature), o.Condition.String(), o.Time, o.Value, o.FeatureVariance, o.ConditionVariance}
	}
	return write(path, ObservationHeader, rows)
}

// WriteReplicates writes raw replicate measurements
func WriteReplicates(path string, reps []timecourse.Replicate) error {
	rows := make([][]interface{}, len(reps))
	for i, r := range reps {
		rows[i] = []interface{}{string(r.Feature), r.Condition.String(), r.Time, r.Replicate, r.Value}
	}
	return write(path, ReplicateHeader, rows)
}

// WriteNoiseModel writes one row per variance component, features first, each
// block sorted by key.
func WriteNoiseModel(path string, model *timecourse.NoiseModel) error {
	features := make([]string, 0, len(model.FeatureVariance))
	for f := range model.FeatureVariance {
		features = append(features, string(f))
	}
	sort.Strings(features)
	conditions := make([]string, 0, len(model.ConditionVariance))
	for c := range model.ConditionVariance {
		conditions = append(conditions, string(c))
	}
	sort.Strings(conditions)

	rows := make([][]interface{}, 0, len(features)+len(conditions))
	for _, f := range features {
		rows = append(rows, []interface{}{"feature", f, model.FeatureVariance[timecourse.FeatureID(f)]})
	}
	for _, c := range conditions {
		rows = append(rows, []interface{}{"condition", c, model.ConditionVariance[timecourse.ConditionKey(c)]})
	}
	return write(path, NoiseHeader, rows)
}

// ReadNoiseModel loads a model written by WriteNoiseModel
func ReadNoiseModel(path string) (*timecourse.NoiseModel, error) {
	header, rows, err := NewReader(path, ColumnMap{}, nil).ReadRows()
	if err != nil {
		return nil, err
	}
	comp, ok1 := lookup(header, "component")
	key, ok2 := lookup(header, "key")
	variance, ok3 := lookup(header, "variance")
	if !ok1 || !ok2 || !ok3 {
		return nil, missingColumn("component/key/variance", header)
	}

	model := timecourse.NewNoiseModel()
	for i, row := range rows {
		v, err := parseFloat(row, variance, "variance", i+2)
		if err != nil {
			return nil, err
		}
		switch cell(row, comp) {
		case "feature":
			model.FeatureVariance[timecourse.FeatureID(cell(row, key))] = v
		case "condition":
			model.ConditionVariance[timecourse.ConditionKey(cell(row, key))] = v
		default:
			return nil, missingColumn("component value "+strconv.Quote(cell(row, comp)), header)
		}
	}
	return model, nil
}

func write(path string, header []string, rows [][]interface{}) error {
	switch DetectFormat(path) {
	case FormatXLSX:
		return writeExcel(path, header, rows)
	case FormatCSV:
		return writeDelimited(path, ',', header, rows)
	default:
		return writeDelimited(path, '\t', header, rows)
	}
}

func writeDelimited(path string, comma rune, header []string, rows [][]interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = comma
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, v := range row {
			record[i] = format(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func format(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func writeExcel(path string, header []string, rows [][]interface{}) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open sheet writer: %w", err)
	}
	values := make([]interface{}, len(header))
	for i, h := range header {
		values[i] = h
	}
	if err := sw.SetRow("A1", values); err != nil {
		return err
	}
	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(addr, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
