// Package nullfraction estimates the proportion of null observations (π₀) as a
// non-increasing function of time.
//
// The proxy is the indicator 1{p > λ}: under uniform null p-values its
// expectation at time t is π₀(t)(1-λ). The proxy is smoothed against time,
// either with a logistic GLM that borrows strength across strata or with raw
// per-stratum proportions, and the result is projected onto the non-increasing
// cone with weighted isotonic regression.
package nullfraction

import (
	"fmt"
	"math"
	"sort"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"
)

// Smoothing methods
const (
	MethodGLM        = "glm"
	MethodStratified = "stratified"
	MethodGlobal     = "global"
)

// Point is one (p-value, time) pair.
type Point struct {
	P    float64
	Time float64
}

// PointsFrom extracts the (p, time) pairs of standardized rows
func PointsFrom(rows []timecourse.StandardizedObservation) []Point {
	points := make([]Point, len(rows))
	for i, r := range rows {
		points[i] = Point{P: r.PValue, Time: r.Time}
	}
	return points
}

// Config controls the estimator
type Config struct {
	Lambda          float64
	MinObservations int
	Method          string
	Floor           float64 // lower bound applied after the monotone projection
	MaxIterations   int
	Tolerance       float64
}

// DefaultConfig returns the estimator defaults
func DefaultConfig() Config {
	return Config{
		Lambda:          0.5,
		MinObservations: 20,
		Method:          MethodGLM,
		Floor:           0,
		MaxIterations:   50,
		Tolerance:       1e-8,
	}
}

// Estimator fits π₀(time)
type Estimator struct {
	cfg    Config
	logger *internal.Logger
}

// NewEstimator creates an estimator; a nil logger uses the default one.
func NewEstimator(cfg Config, logger *internal.Logger) *Estimator {
	d := DefaultConfig()
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = d.MinObservations
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = d.Tolerance
	}
	if cfg.Method == "" {
		cfg.Method = d.Method
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Estimator{cfg: cfg, logger: logger}
}

type stratum struct {
	time      float64
	trials    float64
	successes float64
}

// Estimate fits one π₀ per distinct time value.
func (e *Estimator) Estimate(points []Point) (*timecourse.NullFractionFit, error) {
	cfg := e.cfg
	if cfg.Lambda <= 0 || cfg.Lambda >= 1 {
		return nil, core.NewInvalidInputError("lambda", fmt.Sprintf("%g is outside (0,1)", cfg.Lambda))
	}
	if len(points) < cfg.MinObservations {
		return nil, core.NewInsufficientDataError("null fraction", len(points), cfg.MinObservations)
	}

	strata, err := e.group(points)
	if err != nil {
		return nil, err
	}
	if len(strata) == 0 {
		return nil, core.NewInsufficientDataError("null fraction", 0, cfg.MinObservations)
	}

	var sTotal, nTotal float64
	for _, s := range strata {
		sTotal += s.successes
		nTotal += s.trials
	}
	global := math.Min(1, sTotal/nTotal/(1-cfg.Lambda))

	method := cfg.Method
	raw := make([]float64, len(strata))
	switch {
	case len(strata) == 1:
		method = MethodGlobal
		raw[0] = global
	case method == MethodGLM:
		if err := e.smoothGLM(strata, raw); err != nil {
			e.logger.Warn("null fraction GLM failed (%v); falling back to stratified proportions", err)
			method = MethodStratified
			e.stratified(strata, raw)
		}
	case method == MethodStratified:
		e.stratified(strata, raw)
	default:
		return nil, core.NewInvalidInputError("method", fmt.Sprintf("unknown π₀ method %q", method))
	}

	weights := make([]float64, len(strata))
	for i, s := range strata {
		weights[i] = s.trials
	}
	fitted := Isotonic(raw, weights, true)

	fit := &timecourse.NullFractionFit{
		Strata: make([]timecourse.TimeStratum, len(strata)),
		Lambda: cfg.Lambda,
		Global: global,
		Method: method,
	}
	for i, s := range strata {
		fit.Strata[i] = timecourse.TimeStratum{
			Time:         s.time,
			Count:        int(s.trials),
			NullFraction: clamp(fitted[i], cfg.Floor, 1),
			Raw:          raw[i],
		}
	}

	e.logger.Debug("null fraction fitted: method=%s strata=%d global=%.4f", method, len(strata), global)
	return fit, nil
}

func (e *Estimator) group(points []Point) ([]stratum, error) {
	byTime := make(map[float64]*stratum)
	for i, pt := range points {
		if math.IsNaN(pt.P) || pt.P < 0 || pt.P > 1 {
			return nil, core.NewInvalidInputError("p_value", fmt.Sprintf("row %d has p=%g", i, pt.P))
		}
		if !timecourse.Finite(pt.Time) {
			return nil, core.NewInvalidInputError("time", fmt.Sprintf("row %d has time=%g", i, pt.Time))
		}
		s, ok := byTime[pt.Time]
		if !ok {
			s = &stratum{time: pt.Time}
			byTime[pt.Time] = s
		}
		s.trials++
		if pt.P > e.cfg.Lambda {
			s.successes++
		}
	}

	strata := make([]stratum, 0, len(byTime))
	for _, s := range byTime {
		strata = append(strata, *s)
	}
	sort.Slice(strata, func(i, j int) bool { return strata[i].time < strata[j].time })
	return strata, nil
}

func (e *Estimator) stratified(strata []stratum, raw []float64) {
	for i, s := range strata {
		raw[i] = s.successes / s.trials / (1 - e.cfg.Lambda)
	}
}

func (e *Estimator) smoothGLM(strata []stratum, raw []float64) error {
	// time is rescaled to [0,1] so the two coefficients are on comparable scales
	lo, hi := strata[0].time, strata[len(strata)-1].time
	x := make([]float64, len(strata))
	successes := make([]float64, len(strata))
	trials := make([]float64, len(strata))
	for i, s := range strata {
		x[i] = (s.time - lo) / (hi - lo)
		successes[i] = s.successes
		trials[i] = s.trials
	}

	fit, err := fitLogistic(x, successes, trials, e.cfg.MaxIterations, e.cfg.Tolerance)
	if err != nil {
		return err
	}
	for i := range strata {
		raw[i] = fit.mean(x[i]) / (1 - e.cfg.Lambda)
	}
	e.logger.Trace("logistic π₀ fit: intercept=%.4f slope=%.4f iterations=%d", fit.intercept, fit.slope, fit.iterations)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
