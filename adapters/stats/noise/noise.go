// Package noise estimates the two additive variance components of the
// measurement model from replicate data: one per feature and one per
// experimental condition.
package noise

import (
	"fmt"
	"maps"
	"math"
	"sort"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"

	"github.com/montanaflynn/stats"
)

// Config controls the estimator
type Config struct {
	MinReplicates int // cells with fewer replicates are skipped
	MaxIterations int // median polish sweeps
}

// DefaultConfig returns the estimator defaults
func DefaultConfig() Config {
	return Config{MinReplicates: 2, MaxIterations: 20}
}

// Report describes how much of the input was usable
type Report struct {
	Cells        int `json:"cells"`
	UsableCells  int `json:"usable_cells"`
	SkippedCells int `json:"skipped_cells"`
	Features     int `json:"features"`
	Conditions   int `json:"conditions"`
	Iterations   int `json:"iterations"`
}

type cellKey struct {
	feature   timecourse.FeatureID
	condition timecourse.ConditionKey
	time      float64
}

func groupCells(replicates []timecourse.Replicate) (map[cellKey][]float64, []cellKey) {
	cells := make(map[cellKey][]float64)
	var order []cellKey
	for _, r := range replicates {
		k := cellKey{feature: r.Feature, condition: r.Condition, time: r.Time}
		if _, ok := cells[k]; !ok {
			order = append(order, k)
		}
		cells[k] = append(cells[k], r.Value)
	}
	return cells, order
}

// Estimate fits the noise model.
//
// Each (feature, condition, time) cell contributes its replicate sample variance,
// modelled as feature component + condition component. The two are separated by
// median polish; the quietest condition is taken as the zero baseline.
func Estimate(replicates []timecourse.Replicate, cfg Config) (*timecourse.NoiseModel, Report, error) {
	if cfg.MinReplicates < 2 {
		cfg.MinReplicates = 2
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}

	var report Report
	cells, order := groupCells(replicates)
	report.Cells = len(cells)

	var usable []cellVariance
	for _, k := range order {
		values := cells[k]
		if len(values) < cfg.MinReplicates {
			report.SkippedCells++
			continue
		}
		v, err := stats.VarS(values)
		if err != nil {
			return nil, report, fmt.Errorf("variance of %s/%s/%g: %w", k.feature, k.condition, k.time, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, report, core.NewInvalidInputError("value",
				fmt.Sprintf("non-finite replicate values in %s/%s/%g", k.feature, k.condition, k.time))
		}
		usable = append(usable, cellVariance{key: k, variance: v})
	}
	report.UsableCells = len(usable)

	if len(usable) == 0 {
		return nil, report, core.NewInsufficientDataError("noise model", 0, 1)
	}

	model := timecourse.NewNoiseModel()
	for _, c := range usable {
		model.ConditionVariance[c.key.condition] = 0
	}

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		byFeature := make(map[timecourse.FeatureID][]float64)
		for _, c := range usable {
			byFeature[c.key.feature] = append(byFeature[c.key.feature], c.variance-model.ConditionVariance[c.key.condition])
		}
		if err := assignMedians(model.FeatureVariance, byFeature); err != nil {
			return nil, report, err
		}

		byCondition := make(map[timecourse.ConditionKey][]float64)
		for _, c := range usable {
			byCondition[c.key.condition] = append(byCondition[c.key.condition], c.variance-model.FeatureVariance[c.key.feature])
		}
		before := maps.Clone(model.ConditionVariance)
		if err := assignMedians(model.ConditionVariance, byCondition); err != nil {
			return nil, report, err
		}
		report.Iterations = iter + 1
		if maxDelta(before, model.ConditionVariance) < 1e-10 {
			break
		}
	}

	baseline := math.Inf(1)
	for _, v := range model.ConditionVariance {
		baseline = math.Min(baseline, v)
	}
	for c := range model.ConditionVariance {
		model.ConditionVariance[c] -= baseline
	}
	for f := range model.FeatureVariance {
		model.FeatureVariance[f] = math.Max(0, model.FeatureVariance[f]+baseline)
	}

	report.Features = len(model.FeatureVariance)
	report.Conditions = len(model.ConditionVariance)
	return model, report, nil
}

type cellVariance struct {
	key      cellKey
	variance float64
}

func assignMedians[K comparable](dst map[K]float64, groups map[K][]float64) error {
	for k, values := range groups {
		med, err := stats.Median(values)
		if err != nil {
			return fmt.Errorf("median of %v: %w", k, err)
		}
		dst[k] = med
	}
	return nil
}

func maxDelta(a, b map[timecourse.ConditionKey]float64) float64 {
	var d float64
	for k, v := range b {
		d = math.Max(d, math.Abs(v-a[k]))
	}
	return d
}

// Summarize collapses replicates into one observation per (feature, condition,
// time): the replicate mean minus the mean at the earliest time of that series.
// The reference rows therefore carry an exact zero. Series are returned in
// first-seen order, times ascending.
func Summarize(replicates []timecourse.Replicate) ([]timecourse.Observation, error) {
	cells, order := groupCells(replicates)

	type seriesKey struct {
		feature   timecourse.FeatureID
		condition timecourse.ConditionKey
	}
	series := make(map[seriesKey][]float64)
	var seriesOrder []seriesKey
	for _, k := range order {
		sk := seriesKey{feature: k.feature, condition: k.condition}
		if _, ok := series[sk]; !ok {
			seriesOrder = append(seriesOrder, sk)
		}
		series[sk] = append(series[sk], k.time)
	}

	var out []timecourse.Observation
	for _, sk := range seriesOrder {
		times := series[sk]
		sort.Float64s(times)

		ref, err := stats.Mean(cells[cellKey{feature: sk.feature, condition: sk.condition, time: times[0]}])
		if err != nil {
			return nil, fmt.Errorf("reference mean of %s/%s: %w", sk.feature, sk.condition, err)
		}
		for _, t := range times {
			m, err := stats.Mean(cells[cellKey{feature: sk.feature, condition: sk.condition, time: t}])
			if err != nil {
				return nil, fmt.Errorf("mean of %s/%s/%g: %w", sk.feature, sk.condition, t, err)
			}
			out = append(out, timecourse.Observation{
				Feature:   sk.feature,
				Condition: sk.condition,
				Time:      t,
				Value:     m - ref,
			})
		}
	}
	return out, nil
}
