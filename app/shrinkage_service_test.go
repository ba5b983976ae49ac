package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"
	"tcshrink/internal/config"
	apperrors "tcshrink/internal/errors"
	"tcshrink/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockResultRepository struct {
	mock.Mock
}

func (m *MockResultRepository) SaveRun(ctx context.Context, record *run.Record, results []timecourse.ShrinkageResult) error {
	args := m.Called(ctx, record, results)
	return args.Error(0)
}

func (m *MockResultRepository) GetRun(ctx context.Context, id core.RunID) (*run.Record, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*run.Record)
	return record, args.Error(1)
}

func (m *MockResultRepository) ListResults(ctx context.Context, id core.RunID, filter ports.ResultFilter) ([]timecourse.ShrinkageResult, error) {
	args := m.Called(ctx, id, filter)
	results, _ := args.Get(0).([]timecourse.ShrinkageResult)
	return results, args.Error(1)
}

// timecourseRows builds a response that spreads over time: the share of
// responding features grows from 5% at t=10 to 60% at t=90.
func timecourseRows(seed int64) []timecourse.Observation {
	rng := rand.New(rand.NewSource(seed))
	share := map[float64]float64{10: 0.05, 30: 0.2, 60: 0.4, 90: 0.6}
	var obs []timecourse.Observation
	for _, t := range []float64{0, 10, 30, 60, 90} {
		for g := 0; g < 150; g++ {
			o := timecourse.Observation{
				Feature:           timecourse.FeatureID(fmt.Sprintf("g%03d", g)),
				Condition:         timecourse.NewConditionKey("heat", "wt"),
				Time:              t,
				FeatureVariance:   0.25,
				ConditionVariance: 0.25,
			}
			if t != 0 {
				o.Value = rng.NormFloat64()
				if rng.Float64() < share[t] {
					o.Value += 4 * math.Copysign(1, rng.NormFloat64())
				}
			}
			obs = append(obs, o)
		}
	}
	return obs
}

func newTestService(repo ports.ResultRepository) *ShrinkageService {
	return NewShrinkageService(config.DefaultPipelineConfig(), repo, internal.NewNopLogger())
}

func TestShrinkageService_Run(t *testing.T) {
	obs := timecourseRows(7)
	result, err := newTestService(nil).Run(context.Background(), Request{Observations: obs})
	require.NoError(t, err)

	assert.False(t, core.ID(result.RunID).IsEmpty())
	assert.Equal(t, len(obs), result.Standardize.Input)
	assert.Equal(t, 150, result.Standardize.ExcludedZero)
	assert.Len(t, result.Results, 600)

	require.Len(t, result.Fit.Strata, 4)
	assert.True(t, result.Fit.Monotone())
	assert.Greater(t, result.Fit.Strata[0].NullFraction, result.Fit.Strata[3].NullFraction)

	for _, r := range result.Results {
		assert.True(t, r.LocalFDR >= 0 && r.LocalFDR <= 1)
		assert.LessOrEqual(t, math.Abs(r.Shrunken), math.Abs(r.Value))
	}

	require.Len(t, result.Summary.Times, 4)
	assert.Greater(t, result.Summary.Times[3].Discoveries, result.Summary.Times[0].Discoveries)
}

func TestShrinkageService_FingerprintStable(t *testing.T) {
	svc := newTestService(nil)
	a, err := svc.Run(context.Background(), Request{Observations: timecourseRows(7)})
	require.NoError(t, err)
	b, err := svc.Run(context.Background(), Request{Observations: timecourseRows(7)})
	require.NoError(t, err)
	c, err := svc.Run(context.Background(), Request{Observations: timecourseRows(8)})
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
	for i := range a.Results {
		assert.Equal(t, a.Results[i].LocalFDR, b.Results[i].LocalFDR)
	}
}

func TestShrinkageService_Persists(t *testing.T) {
	repo := new(MockResultRepository)
	repo.On("SaveRun", mock.Anything, mock.AnythingOfType("*run.Record"), mock.Anything).Return(nil)

	result, err := newTestService(repo).Run(context.Background(), Request{Observations: timecourseRows(3)})
	require.NoError(t, err)
	repo.AssertExpectations(t)

	record := repo.Calls[0].Arguments.Get(1).(*run.Record)
	assert.Equal(t, result.RunID, record.RunID)
	assert.Equal(t, result.Fingerprint, record.Fingerprint)
	assert.Equal(t, 600, record.Counts.Output)
	assert.Equal(t, CodeVersion, record.CodeVersion)
}

func TestShrinkageService_PersistFailure(t *testing.T) {
	repo := new(MockResultRepository)
	repo.On("SaveRun", mock.Anything, mock.Anything, mock.Anything).Return(apperrors.DatabaseError("insert failed", errors.New("boom")))

	_, err := newTestService(repo).Run(context.Background(), Request{Observations: timecourseRows(3)})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDatabaseError, apperrors.GetCode(err))
}

func TestShrinkageService_Errors(t *testing.T) {
	svc := newTestService(nil)

	t.Run("insufficient data", func(t *testing.T) {
		obs := timecourseRows(1)[150:160]
		_, err := svc.Run(context.Background(), Request{Observations: obs})
		assert.True(t, core.IsInsufficientData(err))
		assert.Equal(t, apperrors.CodeInsufficientData, apperrors.GetCode(err))
	})

	t.Run("zero variance", func(t *testing.T) {
		obs := timecourseRows(1)
		obs[200].FeatureVariance = 0
		obs[200].ConditionVariance = 0
		_, err := svc.Run(context.Background(), Request{Observations: obs})
		assert.ErrorIs(t, err, core.ErrInvalidVariance)
		assert.Equal(t, apperrors.CodeInvalidVariance, apperrors.GetCode(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.Run(ctx, Request{Observations: timecourseRows(1)})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.DefaultPipelineConfig()
		cfg.Lambda = 1
		_, err := NewShrinkageService(cfg, nil, internal.NewNopLogger()).Run(context.Background(), Request{Observations: timecourseRows(1)})
		assert.Equal(t, apperrors.CodeConfigInvalid, apperrors.GetCode(err))
	})
}

func TestShrinkageService_NoiseModel(t *testing.T) {
	obs := timecourseRows(5)
	for i := range obs {
		obs[i].FeatureVariance, obs[i].ConditionVariance = 0, 0
	}
	model := timecourse.NewNoiseModel()
	for g := 0; g < 140; g++ {
		model.FeatureVariance[timecourse.FeatureID(fmt.Sprintf("g%03d", g))] = 0.25
	}
	model.ConditionVariance[timecourse.NewConditionKey("heat", "wt")] = 0.25

	result, err := newTestService(nil).Run(context.Background(), Request{Observations: obs, NoiseModel: model})
	require.NoError(t, err)
	assert.Len(t, result.Unmatched, 10)
	assert.Len(t, result.Results, 4*140)
}

func TestShrinkageService_StoredRunsWithoutRepository(t *testing.T) {
	_, err := newTestService(nil).GetRun(context.Background(), core.NewRunID())
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetCode(err))
}

func TestShrinkageService_GetRun(t *testing.T) {
	id := core.NewRunID()
	repo := new(MockResultRepository)
	repo.On("GetRun", mock.Anything, id).Return(nil, core.NewNotFoundError("run", id.String()))

	_, err := newTestService(repo).GetRun(context.Background(), id)
	assert.True(t, core.IsNotFoundError(err))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetCode(err))
}

func TestSummarize(t *testing.T) {
	fit := &timecourse.NullFractionFit{Strata: []timecourse.TimeStratum{
		{Time: 10, NullFraction: 0.9},
		{Time: 20, NullFraction: 0.5},
	}}
	row := func(t, lfdr float64, clamped bool) timecourse.ShrinkageResult {
		r := timecourse.ShrinkageResult{LocalFDR: lfdr, Clamped: clamped}
		r.Time = t
		return r
	}
	results := []timecourse.ShrinkageResult{
		row(20, 0.1, false), row(10, 1, true), row(10, 0.5, false), row(20, 0.2, false), row(20, 0.6, false),
	}

	s := Summarize(results, fit, 0.2)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Discoveries)
	assert.Equal(t, 1, s.Clamped)
	require.Len(t, s.Times, 2)
	assert.Equal(t, TimeSummary{Time: 10, Count: 2, NullFraction: 0.9, MeanLocalFDR: 0.75, Discoveries: 0}, s.Times[0])
	assert.Equal(t, 20.0, s.Times[1].Time)
	assert.Equal(t, 2, s.Times[1].Discoveries)
	assert.InDelta(t, 0.3, s.Times[1].MeanLocalFDR, 1e-12)
	assert.Contains(t, s.String(), "2 discoveries")
}
