package ports

import (
	"context"

	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
)

// ResultFilter narrows a result listing. Zero values mean no constraint.
type ResultFilter struct {
	Time        *float64
	Feature     timecourse.FeatureID
	MaxLocalFDR *float64
	Limit       int
	Offset      int
}

// ResultRepository stores finished shrinkage runs and their rows
type ResultRepository interface {
	SaveRun(ctx context.Context, record *run.Record, results []timecourse.ShrinkageResult) error
	GetRun(ctx context.Context, id core.RunID) (*run.Record, error)
	ListResults(ctx context.Context, id core.RunID, filter ResultFilter) ([]timecourse.ShrinkageResult, error)
}
