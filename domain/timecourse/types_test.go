package timecourse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionKey_RoundTrip(t *testing.T) {
	key := NewConditionKey("GCN4", " wt ", "20170101", "estradiol")
	assert.Equal(t, ConditionKey("GCN4|wt|20170101|estradiol"), key)
	assert.Equal(t, []string{"GCN4", "wt", "20170101", "estradiol"}, key.Parts())
	assert.Nil(t, ConditionKey("").Parts())
}

func TestNullFractionFit_At(t *testing.T) {
	fit := &NullFractionFit{Strata: []TimeStratum{
		{Time: 0, NullFraction: 0.95},
		{Time: 15, NullFraction: 0.8},
		{Time: 90, NullFraction: 0.4},
	}}

	v, ok := fit.At(15)
	assert.True(t, ok)
	assert.Equal(t, 0.8, v)

	_, ok = fit.At(30)
	assert.False(t, ok)

	assert.True(t, fit.Monotone())
	fit.Strata[2].NullFraction = 0.9
	assert.False(t, fit.Monotone())

	var nilFit *NullFractionFit
	_, ok = nilFit.At(0)
	assert.False(t, ok)
}

func TestNoiseModel_Lookup(t *testing.T) {
	m := NewNoiseModel()
	m.FeatureVariance["g1"] = 0.2
	m.ConditionVariance["c1"] = 0.1

	fv, cv, ok := m.Lookup("g1", "c1")
	assert.True(t, ok)
	assert.Equal(t, 0.2, fv)
	assert.Equal(t, 0.1, cv)

	_, _, ok = m.Lookup("g2", "c1")
	assert.False(t, ok)
}

func TestTimesAndStratify(t *testing.T) {
	rows := []StandardizedObservation{
		{Observation: Observation{Time: 30}},
		{Observation: Observation{Time: 5}},
		{Observation: Observation{Time: 30}},
	}
	assert.Equal(t, []float64{5, 30}, Times(rows))
	assert.Equal(t, map[float64][]int{5: {1}, 30: {0, 2}}, Stratify(rows))
}
