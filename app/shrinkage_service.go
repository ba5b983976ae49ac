package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tcshrink/adapters/stats/lfdr"
	"tcshrink/adapters/stats/nullfraction"
	"tcshrink/adapters/stats/standardize"
	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"
	"tcshrink/internal/config"
	"tcshrink/internal/errors"
	"tcshrink/ports"
)

// CodeVersion is folded into every run fingerprint
const CodeVersion = "1.0.0"

// ShrinkageService chains the standardize, null fraction and local FDR stages
type ShrinkageService struct {
	cfg    config.PipelineConfig
	repo   ports.ResultRepository
	logger *internal.Logger
}

// Request is the input of one run
type Request struct {
	Observations []timecourse.Observation
	// NoiseModel, when set, replaces the variance columns of Observations.
	NoiseModel *timecourse.NoiseModel
}

// RunResult contains the complete output of a run
type RunResult struct {
	RunID       core.RunID                   `json:"run_id"`
	Fingerprint core.Hash                    `json:"fingerprint"`
	Results     []timecourse.ShrinkageResult `json:"results"`
	Fit         *timecourse.NullFractionFit  `json:"fit"`
	Standardize standardize.Report           `json:"standardize"`
	Clamps      lfdr.ClampReport             `json:"clamps"`
	Unmatched   []standardize.Unmatched      `json:"unmatched,omitempty"`
	Summary     *Summary                     `json:"summary"`
	RuntimeMs   int64                        `json:"runtime_ms"`
}

// NewShrinkageService creates the service. repo may be nil, in which case runs
// are not persisted.
func NewShrinkageService(cfg config.PipelineConfig, repo ports.ResultRepository, logger *internal.Logger) *ShrinkageService {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &ShrinkageService{cfg: cfg, repo: repo, logger: logger}
}

// Settings returns the fingerprinted subset of the configuration
func (s *ShrinkageService) Settings() run.Settings {
	return run.Settings{
		Lambda:          s.cfg.Lambda,
		MinObservations: s.cfg.MinObservations,
		Pi0Method:       s.cfg.Pi0Method,
		Pi0Floor:        s.cfg.Pi0Floor,
		Bandwidth:       s.cfg.Bandwidth,
		MinDensity:      s.cfg.MinDensity,
		DensityScope:    s.cfg.DensityScope,
	}
}

// Run executes the pipeline over req and persists the outcome when a
// repository is configured.
func (s *ShrinkageService) Run(ctx context.Context, req Request) (*RunResult, error) {
	startTime := time.Now()
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	obs := req.Observations
	var unmatched []standardize.Unmatched
	if req.NoiseModel != nil {
		obs, unmatched = standardize.Attach(obs, req.NoiseModel)
		if len(unmatched) > 0 {
			s.logger.Warn("%d feature/condition pairs have no noise estimate; their rows are dropped", len(unmatched))
		}
	}

	manifest := run.NewManifest(s.Settings(), CodeVersion, obs)
	logger := s.logger.With("run_id", manifest.RunID.String())
	logger.Info("shrinkage run started: %d observations", len(obs))

	standardized, stdReport, err := standardize.Standardize(obs)
	if err != nil {
		return nil, errors.Wrap(err, "standardize failed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	estimator := nullfraction.NewEstimator(nullfraction.Config{
		Lambda:          s.cfg.Lambda,
		MinObservations: s.cfg.MinObservations,
		Method:          s.cfg.Pi0Method,
		Floor:           s.cfg.Pi0Floor,
	}, logger)
	fit, err := estimator.Estimate(nullfraction.PointsFrom(standardized))
	if err != nil {
		return nil, errors.Wrap(err, "null fraction estimation failed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	engine := lfdr.NewEngine(lfdr.Config{
		KDE:          lfdr.KDEConfig{Bandwidth: s.cfg.Bandwidth, GridSize: lfdr.DefaultKDEConfig().GridSize},
		DensityScope: s.cfg.DensityScope,
		MinDensity:   s.cfg.MinDensity,
		Workers:      s.cfg.Workers,
	}, logger)
	results, clamps, err := engine.Shrink(ctx, standardized, fit)
	if err != nil {
		return nil, errors.Wrap(err, "local FDR shrinkage failed")
	}

	result := &RunResult{
		RunID:       manifest.RunID,
		Fingerprint: manifest.Fingerprint,
		Results:     results,
		Fit:         fit,
		Standardize: stdReport,
		Clamps:      clamps,
		Unmatched:   unmatched,
		Summary:     Summarize(results, fit, s.cfg.LFDRThreshold),
		RuntimeMs:   time.Since(startTime).Milliseconds(),
	}

	if s.repo != nil {
		record := &run.Record{
			Manifest: manifest,
			Fit:      fit,
			Counts: run.Counts{
				Input:        stdReport.Input,
				ExcludedZero: stdReport.ExcludedZero,
				Output:       stdReport.Output,
				ClampBelow:   clamps.Below,
				ClampAbove:   clamps.Above,
				ClampNaN:     clamps.NaN,
			},
			RuntimeMs: result.RuntimeMs,
		}
		if err := s.repo.SaveRun(ctx, record, results); err != nil {
			return nil, errors.Wrap(err, "failed to persist run")
		}
	}

	logger.Info("shrinkage run finished: %d results, %d discoveries at lfdr<=%.2f, %d clamped (%dms)",
		len(results), result.Summary.Discoveries, s.cfg.LFDRThreshold, clamps.Total(), result.RuntimeMs)
	return result, nil
}

// GetRun loads a stored run
func (s *ShrinkageService) GetRun(ctx context.Context, id core.RunID) (*run.Record, error) {
	if s.repo == nil {
		return nil, errors.New(errors.CodeNotFound, "no result repository configured")
	}
	record, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load run %s", id)
	}
	return record, nil
}

// ListResults loads the stored rows of a run
func (s *ShrinkageService) ListResults(ctx context.Context, id core.RunID, filter ports.ResultFilter) ([]timecourse.ShrinkageResult, error) {
	if s.repo == nil {
		return nil, errors.New(errors.CodeNotFound, "no result repository configured")
	}
	results, err := s.repo.ListResults(ctx, id, filter)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list results of run %s", id)
	}
	return results, nil
}

// TimeSummary describes one time stratum of a run
type TimeSummary struct {
	Time         float64 `json:"time"`
	Count        int     `json:"count"`
	NullFraction float64 `json:"null_fraction"`
	MeanLocalFDR float64 `json:"mean_local_fdr"`
	Discoveries  int     `json:"discoveries"`
}

// Summary aggregates a run's results per time
type Summary struct {
	Threshold   float64       `json:"threshold"`
	Total       int           `json:"total"`
	Discoveries int           `json:"discoveries"`
	Clamped     int           `json:"clamped"`
	Times       []TimeSummary `json:"times"`
}

// Summarize counts discoveries (lfdr <= threshold) per time. fit may be nil.
func Summarize(results []timecourse.ShrinkageResult, fit *timecourse.NullFractionFit, threshold float64) *Summary {
	byTime := make(map[float64]*TimeSummary)
	summary := &Summary{Threshold: threshold, Total: len(results)}

	for _, r := range results {
		ts, ok := byTime[r.Time]
		if !ok {
			ts = &TimeSummary{Time: r.Time}
			ts.NullFraction, _ = fit.At(r.Time)
			byTime[r.Time] = ts
		}
		ts.Count++
		ts.MeanLocalFDR += r.LocalFDR
		if r.LocalFDR <= threshold {
			ts.Discoveries++
			summary.Discoveries++
		}
		if r.Clamped {
			summary.Clamped++
		}
	}

	summary.Times = make([]TimeSummary, 0, len(byTime))
	for _, ts := range byTime {
		ts.MeanLocalFDR /= float64(ts.Count)
		summary.Times = append(summary.Times, *ts)
	}
	sort.Slice(summary.Times, func(i, j int) bool { return summary.Times[i].Time < summary.Times[j].Time })
	return summary
}

// String renders the summary as a small table
func (s *Summary) String() string {
	out := fmt.Sprintf("%d rows, %d discoveries at lfdr<=%.2f, %d clamped\n", s.Total, s.Discoveries, s.Threshold, s.Clamped)
	out += fmt.Sprintf("%10s %8s %8s %10s %12s\n", "time", "count", "pi0", "mean_lfdr", "discoveries")
	for _, t := range s.Times {
		out += fmt.Sprintf("%10g %8d %8.4f %10.4f %12d\n", t.Time, t.Count, t.NullFraction, t.MeanLocalFDR, t.Discoveries)
	}
	return out
}
