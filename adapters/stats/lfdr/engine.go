// Package lfdr converts p-values and a fitted null fraction into local false
// discovery rates and shrinks each observation toward zero by its lfdr.
//
// lfdr(p) = π₀(t) f₀(p) / f(p) with a uniform null density f₀ = 1. Values of the
// ratio outside [0,1] are clamped; every clamp is flagged on the row, counted in
// the returned ClampReport and summarised in one warning line per call.
package lfdr

import (
	"context"
	"fmt"
	"math"
	"sort"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"

	"golang.org/x/sync/errgroup"
)

// Density scopes
const (
	ScopeGlobal  = "global"
	ScopeStratum = "stratum"
)

// Config controls the engine
type Config struct {
	KDE            KDEConfig
	DensityScope   string
	MinStratumSize int     // stratum KDEs fall back to the global one below this size
	MinDensity     float64 // floor on f(p) before dividing
	Workers        int     // strata processed concurrently
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		KDE:            DefaultKDEConfig(),
		DensityScope:   ScopeGlobal,
		MinStratumSize: 20,
		MinDensity:     1e-12,
		Workers:        4,
	}
}

// ClampKind says which side of [0,1] a raw lfdr fell on.
type ClampKind int

const (
	NotClamped ClampKind = iota
	ClampedBelow
	ClampedAbove
	ClampedNaN
)

// ClampReport counts clamped local FDR values.
type ClampReport struct {
	Below int `json:"below"`
	Above int `json:"above"`
	NaN   int `json:"nan"`
}

// Total is the number of clamped rows
func (r ClampReport) Total() int { return r.Below + r.Above + r.NaN }

// Err describes the clamps as an ErrOutOfRangeEstimate diagnostic; nil when
// nothing was clamped.
func (r ClampReport) Err() error {
	if r.Total() == 0 {
		return nil
	}
	return fmt.Errorf("%w: local FDR clamped to [0,1] for %d observations (below=%d above=%d nan=%d)",
		core.ErrOutOfRangeEstimate, r.Total(), r.Below, r.Above, r.NaN)
}

func (r *ClampReport) add(kind ClampKind) {
	switch kind {
	case ClampedBelow:
		r.Below++
	case ClampedAbove:
		r.Above++
	case ClampedNaN:
		r.NaN++
	}
}

func (r *ClampReport) merge(o ClampReport) {
	r.Below += o.Below
	r.Above += o.Above
	r.NaN += o.NaN
}

// LocalFDR returns π₀ / max(f, minDensity) clamped to [0,1]. An undefined ratio
// is treated as fully null (1).
func LocalFDR(pi0, density, minDensity float64) (float64, ClampKind) {
	if math.IsNaN(density) || math.IsNaN(pi0) {
		return 1, ClampedNaN
	}
	v := pi0 / math.Max(density, minDensity)
	switch {
	case math.IsNaN(v):
		return 1, ClampedNaN
	case v < 0:
		return 0, ClampedBelow
	case v > 1:
		return 1, ClampedAbove
	}
	return v, NotClamped
}

// ShrinkValue scales value by the posterior probability of being non-null.
func ShrinkValue(value, lfdr float64) float64 {
	return value * (1 - lfdr)
}

// Engine applies local-FDR shrinkage
type Engine struct {
	cfg    Config
	logger *internal.Logger
}

// NewEngine creates an engine; a nil logger uses the default one.
func NewEngine(cfg Config, logger *internal.Logger) *Engine {
	d := DefaultConfig()
	if cfg.DensityScope == "" {
		cfg.DensityScope = d.DensityScope
	}
	if cfg.MinDensity <= 0 {
		cfg.MinDensity = d.MinDensity
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MinStratumSize < 2 {
		cfg.MinStratumSize = d.MinStratumSize
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Shrink estimates the p-value density from the rows themselves (globally or
// per stratum) and shrinks every row.
func (e *Engine) Shrink(ctx context.Context, rows []timecourse.StandardizedObservation, fit *timecourse.NullFractionFit) ([]timecourse.ShrinkageResult, ClampReport, error) {
	global, err := NewKDE(pvalues(rows, nil), e.cfg.KDE)
	if err != nil {
		return nil, ClampReport{}, fmt.Errorf("global density: %w", err)
	}

	switch e.cfg.DensityScope {
	case ScopeGlobal:
		return e.shrink(ctx, rows, fit, func(float64, []int) (Density, error) { return global, nil })
	case ScopeStratum:
		return e.shrink(ctx, rows, fit, func(t float64, idx []int) (Density, error) {
			if len(idx) < e.cfg.MinStratumSize {
				e.logger.Debug("stratum t=%g has %d rows; using global density", t, len(idx))
				return global, nil
			}
			return NewKDE(pvalues(rows, idx), e.cfg.KDE)
		})
	default:
		return nil, ClampReport{}, core.NewInvalidInputError("density_scope", e.cfg.DensityScope)
	}
}

// ShrinkWithDensity shrinks every row against a caller-supplied density.
func (e *Engine) ShrinkWithDensity(ctx context.Context, rows []timecourse.StandardizedObservation, fit *timecourse.NullFractionFit, density Density) ([]timecourse.ShrinkageResult, ClampReport, error) {
	if density == nil {
		return nil, ClampReport{}, core.NewInvalidInputError("density", "nil density")
	}
	return e.shrink(ctx, rows, fit, func(float64, []int) (Density, error) { return density, nil })
}

type densityFor func(t float64, idx []int) (Density, error)

func (e *Engine) shrink(ctx context.Context, rows []timecourse.StandardizedObservation, fit *timecourse.NullFractionFit, densityAt densityFor) ([]timecourse.ShrinkageResult, ClampReport, error) {
	strata := timecourse.Stratify(rows)
	times := make([]float64, 0, len(strata))
	for t := range strata {
		if _, ok := fit.At(t); !ok {
			return nil, ClampReport{}, core.NewInvalidInputError("time", fmt.Sprintf("no null fraction fitted for time %g", t))
		}
		times = append(times, t)
	}
	sort.Float64s(times)

	results := make([]timecourse.ShrinkageResult, len(rows))
	reports := make([]ClampReport, len(times))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, t := range times {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			idx := strata[t]
			density, err := densityAt(t, idx)
			if err != nil {
				return fmt.Errorf("density for time %g: %w", t, err)
			}
			pi0, _ := fit.At(t)
			for _, j := range idx {
				r := rows[j]
				lfdr, kind := LocalFDR(pi0, density.Density(r.PValue), e.cfg.MinDensity)
				reports[i].add(kind)
				results[j] = timecourse.ShrinkageResult{
					StandardizedObservation: r,
					LocalFDR:                lfdr,
					Shrunken:                ShrinkValue(r.Value, lfdr),
					Clamped:                 kind != NotClamped,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ClampReport{}, err
	}

	var report ClampReport
	for _, r := range reports {
		report.merge(r)
	}
	if err := report.Err(); err != nil {
		e.logger.Warn("%v of %d", err, len(rows))
	}
	return results, report, nil
}

func pvalues(rows []timecourse.StandardizedObservation, idx []int) []float64 {
	if idx == nil {
		out := make([]float64, len(rows))
		for i, r := range rows {
			out[i] = r.PValue
		}
		return out
	}
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = rows[j].PValue
	}
	return out
}
