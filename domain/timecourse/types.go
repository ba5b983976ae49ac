package timecourse

import (
	"math"
	"sort"
	"strings"
)

// FeatureID identifies a measured feature (a gene or transcript).
type FeatureID string

// ConditionKey is the composite experiment key, e.g. factor|strain|date|treatment.
type ConditionKey string

// ConditionSeparator joins the parts of a ConditionKey.
const ConditionSeparator = "|"

// NewConditionKey builds a composite key from its parts
func NewConditionKey(parts ...string) ConditionKey {
	trimmed := make([]string, len(parts))
	for i, p := range parts {
		trimmed[i] = strings.TrimSpace(p)
	}
	return ConditionKey(strings.Join(trimmed, ConditionSeparator))
}

// Parts splits the key back into its components
func (k ConditionKey) Parts() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), ConditionSeparator)
}

func (k ConditionKey) String() string { return string(k) }

// Replicate is one raw replicate measurement before summarisation.
type Replicate struct {
	Feature   FeatureID    `json:"feature"`
	Condition ConditionKey `json:"condition"`
	Time      float64      `json:"time"`
	Replicate int          `json:"replicate"`
	Value     float64      `json:"value"`
}

// Observation is one fold-change (log-ratio against time zero) for a feature,
// condition and timepoint, together with its two noise components.
type Observation struct {
	Feature           FeatureID    `json:"feature"`
	Condition         ConditionKey `json:"condition"`
	Time              float64      `json:"time"`
	Value             float64      `json:"value"`
	FeatureVariance   float64      `json:"feature_variance"`
	ConditionVariance float64      `json:"condition_variance"`
}

// CombinedVariance is the sum of the feature-level and condition-level noise
func (o Observation) CombinedVariance() float64 {
	return o.FeatureVariance + o.ConditionVariance
}

// Informative reports whether the observation carries information. Exact zeros
// come from normalisation to the time-zero reference.
func (o Observation) Informative() bool {
	return o.Value != 0
}

// StandardizedObservation is an Observation with its Wald statistic.
type StandardizedObservation struct {
	Observation
	ZScore float64 `json:"z_score"`
	PValue float64 `json:"p_value"`
}

// ShrinkageResult is a StandardizedObservation with its local FDR and the value
// shrunk toward zero by it.
type ShrinkageResult struct {
	StandardizedObservation
	LocalFDR float64 `json:"local_fdr"`
	Shrunken float64 `json:"shrunken_value"`
	Clamped  bool    `json:"clamped"`
}

// TimeStratum holds the fitted null fraction for one time value.
type TimeStratum struct {
	Time         float64 `json:"time"`
	Count        int     `json:"count"`
	NullFraction float64 `json:"null_fraction"`
	// Raw is the unconstrained estimate before the monotone projection.
	Raw float64 `json:"raw_null_fraction"`
}

// NullFractionFit is the per-time π₀ table. It is read-only once built.
type NullFractionFit struct {
	Strata []TimeStratum `json:"strata"` // sorted by Time ascending
	Lambda float64       `json:"lambda"`
	Global float64       `json:"global"`
	Method string        `json:"method"`
}

// At returns π₀ for an exact time value
func (f *NullFractionFit) At(t float64) (float64, bool) {
	if f == nil {
		return 0, false
	}
	i := sort.Search(len(f.Strata), func(i int) bool { return f.Strata[i].Time >= t })
	if i < len(f.Strata) && f.Strata[i].Time == t {
		return f.Strata[i].NullFraction, true
	}
	return 0, false
}

// Monotone reports whether π₀ never increases with time.
func (f *NullFractionFit) Monotone() bool {
	for i := 1; i < len(f.Strata); i++ {
		if f.Strata[i].NullFraction > f.Strata[i-1].NullFraction+1e-12 {
			return false
		}
	}
	return true
}

// NoiseModel holds the variance components estimated from replicates.
type NoiseModel struct {
	FeatureVariance   map[FeatureID]float64    `json:"feature_variance"`
	ConditionVariance map[ConditionKey]float64 `json:"condition_variance"`
}

// NewNoiseModel returns an empty model
func NewNoiseModel() *NoiseModel {
	return &NoiseModel{
		FeatureVariance:   make(map[FeatureID]float64),
		ConditionVariance: make(map[ConditionKey]float64),
	}
}

// Lookup returns both variance components, ok is false if either is unknown.
func (m *NoiseModel) Lookup(feature FeatureID, condition ConditionKey) (featureVar, conditionVar float64, ok bool) {
	if m == nil {
		return 0, 0, false
	}
	fv, okF := m.FeatureVariance[feature]
	cv, okC := m.ConditionVariance[condition]
	return fv, cv, okF && okC
}

// Times returns the sorted distinct time values of the rows.
func Times(rows []StandardizedObservation) []float64 {
	seen := make(map[float64]struct{})
	var times []float64
	for _, r := range rows {
		if _, ok := seen[r.Time]; ok {
			continue
		}
		seen[r.Time] = struct{}{}
		times = append(times, r.Time)
	}
	sort.Float64s(times)
	return times
}

// Stratify groups row indices by time value.
func Stratify(rows []StandardizedObservation) map[float64][]int {
	strata := make(map[float64][]int)
	for i, r := range rows {
		strata[r.Time] = append(strata[r.Time], i)
	}
	return strata
}

// Finite reports whether every value is a finite float.
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
