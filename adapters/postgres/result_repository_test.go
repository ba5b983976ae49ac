package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
	apperrors "tcshrink/internal/errors"
	"tcshrink/ports"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*ResultRepositoryImpl, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewResultRepository(sqlx.NewDb(db, "postgres")), mock
}

func sampleRecord() *run.Record {
	obs := []timecourse.Observation{{Feature: "g1", Condition: "ctrl", Time: 10, Value: 1, FeatureVariance: 0.1, ConditionVariance: 0.1}}
	return &run.Record{
		Manifest: run.NewManifest(run.Settings{Lambda: 0.5, Pi0Method: "glm", DensityScope: "global"}, "1.0.0", obs),
		Fit: &timecourse.NullFractionFit{
			Strata: []timecourse.TimeStratum{{Time: 10, Count: 1, NullFraction: 0.8, Raw: 0.8}},
			Lambda: 0.5,
			Global: 0.8,
			Method: "global",
		},
		Counts:    run.Counts{Input: 1, Output: 1},
		RuntimeMs: 3,
	}
}

func sampleResults(n int) []timecourse.ShrinkageResult {
	out := make([]timecourse.ShrinkageResult, n)
	for i := range out {
		out[i].Feature = "g1"
		out[i].Condition = "ctrl"
		out[i].Time = 10
		out[i].Value = 1
		out[i].LocalFDR = 0.5
		out[i].Shrunken = 0.5
	}
	return out
}

func TestSaveRun_Transaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	record := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shrinkage_runs").
		WithArgs(record.RunID.String(), record.Fingerprint.String(), "1.0.0", sqlmock.AnyArg(), "global", 0.5, 0.8,
			1, 0, 1, 0, 0, 0, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO shrinkage_strata").WillReturnResult(sqlmock.NewResult(0, 1))
	// 1500 rows go out in two batches
	mock.ExpectExec("INSERT INTO shrinkage_results").WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectExec("INSERT INTO shrinkage_results").WillReturnResult(sqlmock.NewResult(0, 500))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRun(context.Background(), record, sampleResults(1500)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRun_RollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shrinkage_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO shrinkage_strata").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SaveRun(context.Background(), sampleRecord(), sampleResults(2))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDatabaseError, apperrors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRun_RejectsIncompleteRecord(t *testing.T) {
	repo, mock := newMockRepo(t)
	record := sampleRecord()
	record.Fit = nil

	err := repo.SaveRun(context.Background(), record, nil)
	assert.True(t, core.IsValidationError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := core.NewRunID()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM shrinkage_runs").WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fingerprint", "code_version", "settings", "method", "lambda",
			"global_null_fraction", "input_rows", "excluded_zero", "output_rows", "clamp_below", "clamp_above",
			"clamp_nan", "runtime_ms", "created_at"}).
			AddRow(id.String(), "abc", "1.0.0", []byte(`{"lambda":0.5,"pi0_method":"glm","density_scope":"stratum"}`),
				"glm", 0.5, 0.7, 100, 20, 80, 0, 3, 1, 12, created))
	mock.ExpectQuery("SELECT (.+) FROM shrinkage_strata").WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "time", "count", "null_fraction", "raw_null_fraction"}).
			AddRow(id.String(), 10.0, 40, 0.9, 0.95).
			AddRow(id.String(), 30.0, 40, 0.5, 0.5))

	record, err := repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, record.RunID)
	assert.Equal(t, "stratum", record.Settings.DensityScope)
	assert.Equal(t, 4, record.Counts.ClampAbove+record.Counts.ClampNaN)
	assert.Equal(t, created, record.CreatedAt)
	require.Len(t, record.Fit.Strata, 2)
	assert.Equal(t, 0.95, record.Fit.Strata[0].Raw)
	assert.True(t, record.Fit.Monotone())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := core.NewRunID()
	mock.ExpectQuery("SELECT (.+) FROM shrinkage_runs").WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetRun(context.Background(), id)
	assert.True(t, core.IsNotFoundError(err))
}

func TestListResults_Filter(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := core.NewRunID()
	tm, maxFDR := 30.0, 0.2

	columns := []string{"run_id", "row_index", "feature", "condition", "time", "value", "feature_variance",
		"condition_variance", "z_score", "p_value", "local_fdr", "shrunken_value", "clamped"}
	mock.ExpectQuery(`FROM shrinkage_results\s+WHERE run_id = \$1 AND time = \$2 AND local_fdr <= \$3 ORDER BY row_index LIMIT \$4`).
		WithArgs(id.String(), tm, maxFDR, 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(id.String(), 4, "g7", "heat|wt", tm, 2.0, 0.2, 0.3, 2.0, 0.0455, 0.05, 1.9, false))

	results, err := repo.ListResults(context.Background(), id, ports.ResultFilter{Time: &tm, MaxLocalFDR: &maxFDR, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, timecourse.FeatureID("g7"), results[0].Feature)
	assert.Equal(t, []string{"heat", "wt"}, results[0].Condition.Parts())
	assert.Equal(t, 1.9, results[0].Shrunken)
	assert.NoError(t, mock.ExpectationsWereMet())
}
