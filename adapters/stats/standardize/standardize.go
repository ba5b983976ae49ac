// Package standardize turns fold-change observations into Wald z-scores and
// two-sided p-values against a null of no change from the time-zero reference.
package standardize

import (
	"math"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"

	"gonum.org/v1/gonum/stat/distuv"
)

// Report summarises one standardization pass.
type Report struct {
	Input        int `json:"input"`
	ExcludedZero int `json:"excluded_zero"`
	Output       int `json:"output"`
}

// ZScore is value / sqrt(2 * combined variance). The factor 2 accounts for the
// difference of two independent measurements (time zero and time t).
func ZScore(value, combinedVariance float64) float64 {
	return value / math.Sqrt(2*combinedVariance)
}

// TwoSidedPValue returns 1 - |0.5 - Φ(z)| * 2.
func TwoSidedPValue(z float64) float64 {
	p := 1 - math.Abs(0.5-distuv.UnitNormal.CDF(z))*2
	// Φ saturates for |z| > ~38 and the subtraction can go a hair negative
	if p < 0 {
		return 0
	}
	return p
}

// Standardize computes z-scores and p-values for every informative observation.
// Zero-valued rows are dropped and counted. A non-positive or non-finite combined
// variance fails the whole call.
func Standardize(obs []timecourse.Observation) ([]timecourse.StandardizedObservation, Report, error) {
	report := Report{Input: len(obs)}
	out := make([]timecourse.StandardizedObservation, 0, len(obs))

	for _, o := range obs {
		if !o.Informative() {
			report.ExcludedZero++
			continue
		}
		if err := checkVariance(o); err != nil {
			return nil, report, err
		}
		if !timecourse.Finite(o.Value, o.Time) {
			return nil, report, core.NewInvalidInputError("value",
				"non-finite value or time for feature "+string(o.Feature))
		}

		z := ZScore(o.Value, o.CombinedVariance())
		out = append(out, timecourse.StandardizedObservation{
			Observation: o,
			ZScore:      z,
			PValue:      TwoSidedPValue(z),
		})
	}

	report.Output = len(out)
	return out, report, nil
}

func checkVariance(o timecourse.Observation) error {
	fv, cv := o.FeatureVariance, o.ConditionVariance
	if !timecourse.Finite(fv, cv) || fv < 0 || cv < 0 || fv+cv <= 0 {
		return core.NewInvalidVarianceError(string(o.Feature), string(o.Condition), o.Time, fv, cv)
	}
	return nil
}

// Unmatched is an observation whose feature or condition has no noise estimate.
type Unmatched struct {
	Feature   timecourse.FeatureID    `json:"feature"`
	Condition timecourse.ConditionKey `json:"condition"`
}

// Attach fills the variance components of each observation from the model.
// Rows the model cannot cover are returned separately rather than defaulted.
func Attach(obs []timecourse.Observation, model *timecourse.NoiseModel) ([]timecourse.Observation, []Unmatched) {
	out := make([]timecourse.Observation, 0, len(obs))
	var missing []Unmatched
	seen := make(map[Unmatched]bool)

	for _, o := range obs {
		fv, cv, ok := model.Lookup(o.Feature, o.Condition)
		if !ok {
			key := Unmatched{Feature: o.Feature, Condition: o.Condition}
			if !seen[key] {
				seen[key] = true
				missing = append(missing, key)
			}
			continue
		}
		o.FeatureVariance = fv
		o.ConditionVariance = cv
		out = append(out, o)
	}
	return out, missing
}
