package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"tcshrink/app"
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

type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Run(ctx context.Context, req app.Request) (*app.RunResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*app.RunResult)
	return result, args.Error(1)
}

func (m *MockRunService) GetRun(ctx context.Context, id core.RunID) (*run.Record, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*run.Record)
	return record, args.Error(1)
}

func (m *MockRunService) ListResults(ctx context.Context, id core.RunID, filter ports.ResultFilter) ([]timecourse.ShrinkageResult, error) {
	args := m.Called(ctx, id, filter)
	results, _ := args.Get(0).([]timecourse.ShrinkageResult)
	return results, args.Error(1)
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{Port: "0", MaxBodyBytes: 1 << 20}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func observations(n int) []timecourse.Observation {
	rng := rand.New(rand.NewSource(9))
	obs := make([]timecourse.Observation, 0, n)
	for i := 0; i < n; i++ {
		obs = append(obs, timecourse.Observation{
			Feature:           timecourse.FeatureID(fmt.Sprintf("g%d", i%50)),
			Condition:         "heat",
			Time:              float64(10 * (1 + i%4)),
			Value:             rng.NormFloat64() + float64(i%4),
			FeatureVariance:   0.25,
			ConditionVariance: 0.25,
		})
	}
	return obs
}

func TestHealth(t *testing.T) {
	rec := do(t, NewServer(new(MockRunService), testServerConfig(), internal.NewNopLogger()), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestShrinkage_EndToEnd(t *testing.T) {
	svc := app.NewShrinkageService(config.DefaultPipelineConfig(), nil, internal.NewNopLogger())
	server := NewServer(svc, testServerConfig(), internal.NewNopLogger())

	rec := do(t, server, http.MethodPost, "/v1/shrinkage", ShrinkageRequest{Observations: observations(400)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result app.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Results, 400)
	assert.Len(t, result.Fit.Strata, 4)
	assert.NotEmpty(t, result.Fingerprint)
	for _, r := range result.Results {
		assert.True(t, r.LocalFDR >= 0 && r.LocalFDR <= 1)
	}

	rec = do(t, server, http.MethodPost, "/v1/shrinkage", ShrinkageRequest{Observations: observations(400), OmitResults: true})
	require.Equal(t, http.StatusOK, rec.Code)
	result = app.RunResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Results)
	assert.Equal(t, 400, result.Summary.Total)
}

func TestShrinkage_ErrorStatus(t *testing.T) {
	svc := app.NewShrinkageService(config.DefaultPipelineConfig(), nil, internal.NewNopLogger())
	server := NewServer(svc, testServerConfig(), internal.NewNopLogger())

	zeroVar := observations(40)
	zeroVar[3].FeatureVariance, zeroVar[3].ConditionVariance = 0, 0

	testCases := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"empty", ShrinkageRequest{}, http.StatusBadRequest, apperrors.CodeInvalidInput},
		{"unknown field", map[string]interface{}{"rows": []int{1}}, http.StatusBadRequest, apperrors.CodeInvalidInput},
		{"too few", ShrinkageRequest{Observations: observations(10)}, http.StatusUnprocessableEntity, apperrors.CodeInsufficientData},
		{"zero variance", ShrinkageRequest{Observations: zeroVar}, http.StatusBadRequest, apperrors.CodeInvalidVariance},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/v1/shrinkage", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestShrinkage_BodyTooLarge(t *testing.T) {
	svc := new(MockRunService)
	cfg := testServerConfig()
	cfg.MaxBodyBytes = 512
	server := NewServer(svc, cfg, internal.NewNopLogger())

	rec := do(t, server, http.MethodPost, "/v1/shrinkage", ShrinkageRequest{Observations: observations(40)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeBodyTooLarge, body.Code)
	svc.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestGetRun(t *testing.T) {
	id := core.NewRunID()
	svc := new(MockRunService)
	svc.On("GetRun", mock.Anything, id).Return(&run.Record{Manifest: run.Manifest{RunID: id, CodeVersion: "1.0.0"}}, nil)
	server := NewServer(svc, testServerConfig(), internal.NewNopLogger())

	rec := do(t, server, http.MethodGet, "/v1/runs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record run.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, id, record.RunID)

	rec = do(t, server, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestGetRun_NotFound(t *testing.T) {
	id := core.NewRunID()
	svc := new(MockRunService)
	svc.On("GetRun", mock.Anything, id).Return(nil, core.NewNotFoundError("run", id.String()))

	rec := do(t, NewServer(svc, testServerConfig(), internal.NewNopLogger()), http.MethodGet, "/v1/runs/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListResults_Filter(t *testing.T) {
	id := core.NewRunID()
	tm, maxFDR := 30.0, 0.2
	want := ports.ResultFilter{Time: &tm, MaxLocalFDR: &maxFDR, Feature: "g7", Limit: 5}

	svc := new(MockRunService)
	svc.On("ListResults", mock.Anything, id, want).Return([]timecourse.ShrinkageResult{{LocalFDR: 0.1}}, nil)
	server := NewServer(svc, testServerConfig(), internal.NewNopLogger())

	rec := do(t, server, http.MethodGet, "/v1/runs/"+id.String()+"/results?time=30&max_lfdr=0.2&feature=g7&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Count   int                          `json:"count"`
		Results []timecourse.ShrinkageResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = do(t, server, http.MethodGet, "/v1/runs/"+id.String()+"/results?max_lfdr=2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}
