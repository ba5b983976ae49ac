package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
	"tcshrink/internal/errors"
	"tcshrink/internal/migration"
	"tcshrink/ports"

	"github.com/jmoiron/sqlx"
)

// resultBatchSize keeps each multi-row insert well under the 65535 parameter limit.
const resultBatchSize = 1000

// ResultRepositoryImpl implements ResultRepository for PostgreSQL
type ResultRepositoryImpl struct {
	db *sqlx.DB
}

// NewResultRepository creates a new PostgreSQL result repository
func NewResultRepository(db *sqlx.DB) *ResultRepositoryImpl {
	return &ResultRepositoryImpl{db: db}
}

var _ ports.ResultRepository = (*ResultRepositoryImpl)(nil)

// EnsureSchema creates the run, stratum and result tables if missing
func (r *ResultRepositoryImpl) EnsureSchema(ctx context.Context) error {
	return migration.NewRunner().Run(ctx, r.db)
}

type runRow struct {
	ID           string       `db:"id"`
	Fingerprint  string       `db:"fingerprint"`
	CodeVersion  string       `db:"code_version"`
	Settings     []byte       `db:"settings"`
	Method       string       `db:"method"`
	Lambda       float64      `db:"lambda"`
	Global       float64      `db:"global_null_fraction"`
	InputRows    int          `db:"input_rows"`
	ExcludedZero int          `db:"excluded_zero"`
	OutputRows   int          `db:"output_rows"`
	ClampBelow   int          `db:"clamp_below"`
	ClampAbove   int          `db:"clamp_above"`
	ClampNaN     int          `db:"clamp_nan"`
	RuntimeMs    int64        `db:"runtime_ms"`
	CreatedAt    sql.NullTime `db:"created_at"`
}

type stratumRow struct {
	RunID        string  `db:"run_id"`
	Time         float64 `db:"time"`
	Count        int     `db:"count"`
	NullFraction float64 `db:"null_fraction"`
	Raw          float64 `db:"raw_null_fraction"`
}

type resultRow struct {
	RunID             string  `db:"run_id"`
	RowIndex          int     `db:"row_index"`
	Feature           string  `db:"feature"`
	Condition         string  `db:"condition"`
	Time              float64 `db:"time"`
	Value             float64 `db:"value"`
	FeatureVariance   float64 `db:"feature_variance"`
	ConditionVariance float64 `db:"condition_variance"`
	ZScore            float64 `db:"z_score"`
	PValue            float64 `db:"p_value"`
	LocalFDR          float64 `db:"local_fdr"`
	Shrunken          float64 `db:"shrunken_value"`
	Clamped           bool    `db:"clamped"`
}

func (r resultRow) toResult() timecourse.ShrinkageResult {
	return timecourse.ShrinkageResult{
		StandardizedObservation: timecourse.StandardizedObservation{
			Observation: timecourse.Observation{
				Feature:           timecourse.FeatureID(r.Feature),
				Condition:         timecourse.ConditionKey(r.Condition),
				Time:              r.Time,
				Value:             r.Value,
				FeatureVariance:   r.FeatureVariance,
				ConditionVariance: r.ConditionVariance,
			},
			ZScore: r.ZScore,
			PValue: r.PValue,
		},
		LocalFDR: r.LocalFDR,
		Shrunken: r.Shrunken,
		Clamped:  r.Clamped,
	}
}

// SaveRun stores the run, its strata and its result rows in one transaction
func (r *ResultRepositoryImpl) SaveRun(ctx context.Context, record *run.Record, results []timecourse.ShrinkageResult) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.Fit == nil {
		return core.NewInvalidInputError("fit", "run has no null fraction fit")
	}
	settings, err := json.Marshal(record.Settings)
	if err != nil {
		return errors.Wrap(err, "failed to encode run settings")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	runID := record.RunID.String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shrinkage_runs (id, fingerprint, code_version, settings, method, lambda, global_null_fraction,
			input_rows, excluded_zero, output_rows, clamp_below, clamp_above, clamp_nan, runtime_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, runID, record.Fingerprint.String(), record.CodeVersion, string(settings), record.Fit.Method, record.Fit.Lambda, record.Fit.Global,
		record.Counts.Input, record.Counts.ExcludedZero, record.Counts.Output,
		record.Counts.ClampBelow, record.Counts.ClampAbove, record.Counts.ClampNaN, record.RuntimeMs, record.CreatedAt)
	if err != nil {
		return errors.DatabaseError("failed to insert run", err)
	}

	if len(record.Fit.Strata) > 0 {
		strata := make([]stratumRow, len(record.Fit.Strata))
		for i, s := range record.Fit.Strata {
			strata[i] = stratumRow{RunID: runID, Time: s.Time, Count: s.Count, NullFraction: s.NullFraction, Raw: s.Raw}
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO shrinkage_strata (run_id, time, count, null_fraction, raw_null_fraction)
			VALUES (:run_id, :time, :count, :null_fraction, :raw_null_fraction)
		`, strata)
		if err != nil {
			return errors.DatabaseError("failed to insert strata", err)
		}
	}

	for start := 0; start < len(results); start += resultBatchSize {
		end := min(start+resultBatchSize, len(results))
		batch := make([]resultRow, 0, end-start)
		for i := start; i < end; i++ {
			res := results[i]
			batch = append(batch, resultRow{
				RunID:             runID,
				RowIndex:          i,
				Feature:           string(res.Feature),
				Condition:         string(res.Condition),
				Time:              res.Time,
				Value:             res.Value,
				FeatureVariance:   res.FeatureVariance,
				ConditionVariance: res.ConditionVariance,
				ZScore:            res.ZScore,
				PValue:            res.PValue,
				LocalFDR:          res.LocalFDR,
				Shrunken:          res.Shrunken,
				Clamped:           res.Clamped,
			})
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO shrinkage_results (run_id, row_index, feature, condition, time, value, feature_variance,
				condition_variance, z_score, p_value, local_fdr, shrunken_value, clamped)
			VALUES (:run_id, :row_index, :feature, :condition, :time, :value, :feature_variance,
				:condition_variance, :z_score, :p_value, :local_fdr, :shrunken_value, :clamped)
		`, batch)
		if err != nil {
			return errors.DatabaseError(fmt.Sprintf("failed to insert results %d-%d", start, end), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("failed to commit run", err)
	}
	return nil
}

// GetRun loads a run and its fitted strata
func (r *ResultRepositoryImpl) GetRun(ctx context.Context, id core.RunID) (*run.Record, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, fingerprint, code_version, settings, method, lambda, global_null_fraction,
			input_rows, excluded_zero, output_rows, clamp_below, clamp_above, clamp_nan, runtime_ms, created_at
		FROM shrinkage_runs
		WHERE id = $1
	`, id.String())
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("run", id.String())
	}
	if err != nil {
		return nil, errors.DatabaseError("failed to load run", err)
	}

	var strata []stratumRow
	err = r.db.SelectContext(ctx, &strata, `
		SELECT run_id, time, count, null_fraction, raw_null_fraction
		FROM shrinkage_strata
		WHERE run_id = $1
		ORDER BY time
	`, id.String())
	if err != nil {
		return nil, errors.DatabaseError("failed to load strata", err)
	}

	record := &run.Record{
		Manifest: run.Manifest{
			RunID:       core.RunID(row.ID),
			Fingerprint: core.Hash(strings.TrimSpace(row.Fingerprint)),
			CodeVersion: row.CodeVersion,
			InputRows:   row.InputRows,
		},
		Fit: &timecourse.NullFractionFit{
			Strata: make([]timecourse.TimeStratum, len(strata)),
			Lambda: row.Lambda,
			Global: row.Global,
			Method: row.Method,
		},
		Counts: run.Counts{
			Input:        row.InputRows,
			ExcludedZero: row.ExcludedZero,
			Output:       row.OutputRows,
			ClampBelow:   row.ClampBelow,
			ClampAbove:   row.ClampAbove,
			ClampNaN:     row.ClampNaN,
		},
		RuntimeMs: row.RuntimeMs,
	}
	if row.CreatedAt.Valid {
		record.CreatedAt = row.CreatedAt.Time
	}
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, &record.Settings); err != nil {
			return nil, errors.Wrap(err, "failed to decode run settings")
		}
	}
	for i, s := range strata {
		record.Fit.Strata[i] = timecourse.TimeStratum{Time: s.Time, Count: s.Count, NullFraction: s.NullFraction, Raw: s.Raw}
	}
	return record, nil
}

// ListResults returns the stored rows of a run in their original order
func (r *ResultRepositoryImpl) ListResults(ctx context.Context, id core.RunID, filter ports.ResultFilter) ([]timecourse.ShrinkageResult, error) {
	query := `
		SELECT run_id, row_index, feature, condition, time, value, feature_variance, condition_variance,
			z_score, p_value, local_fdr, shrunken_value, clamped
		FROM shrinkage_results
		WHERE run_id = $1`
	args := []interface{}{id.String()}

	if filter.Time != nil {
		args = append(args, *filter.Time)
		query += fmt.Sprintf(" AND time = $%d", len(args))
	}
	if filter.Feature != "" {
		args = append(args, string(filter.Feature))
		query += fmt.Sprintf(" AND feature = $%d", len(args))
	}
	if filter.MaxLocalFDR != nil {
		args = append(args, *filter.MaxLocalFDR)
		query += fmt.Sprintf(" AND local_fdr <= $%d", len(args))
	}
	query += " ORDER BY row_index"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []resultRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.DatabaseError("failed to list results", err)
	}
	results := make([]timecourse.ShrinkageResult, len(rows))
	for i, row := range rows {
		results[i] = row.toResult()
	}
	return results, nil
}
