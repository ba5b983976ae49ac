package lfdr

import (
	"fmt"
	"math"

	"tcshrink/domain/core"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Density is the marginal density f of p-values on [0,1].
type Density interface {
	Density(p float64) float64
}

// DensityFunc adapts a plain function to Density
type DensityFunc func(p float64) float64

// Density evaluates the function
func (f DensityFunc) Density(p float64) float64 { return f(p) }

// Uniform is the null p-value density.
var Uniform = DensityFunc(func(float64) float64 { return 1 })

// KDEConfig controls the kernel density estimate
type KDEConfig struct {
	Bandwidth float64 // 0 selects Silverman's rule of thumb
	GridSize  int     // evaluation grid on [0,1]
}

// DefaultKDEConfig returns the KDE defaults
func DefaultKDEConfig() KDEConfig {
	return KDEConfig{Bandwidth: 0, GridSize: 512}
}

const minBandwidth = 1e-3

// KDE is a Gaussian kernel density of p-values, reflected at 0 and 1 so no mass
// leaks outside the unit interval. It is tabulated on a grid from binned data
// and linearly interpolated.
type KDE struct {
	bandwidth float64
	n         int
	grid      []float64 // density at i/(len-1)
}

// NewKDE estimates the density of the given p-values
func NewKDE(pvalues []float64, cfg KDEConfig) (*KDE, error) {
	n := len(pvalues)
	if n < 2 {
		return nil, core.NewInsufficientDataError("density estimate", n, 2)
	}
	for i, p := range pvalues {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return nil, core.NewInvalidInputError("p_value", fmt.Sprintf("row %d has p=%g", i, p))
		}
	}
	if cfg.GridSize < 16 {
		cfg.GridSize = DefaultKDEConfig().GridSize
	}

	h := cfg.Bandwidth
	if h <= 0 {
		var err error
		h, err = SilvermanBandwidth(pvalues)
		if err != nil {
			return nil, err
		}
	}
	h = math.Max(h, minBandwidth)

	// bin the data on a grid twice as fine as the output
	bins := 2 * cfg.GridSize
	counts := make([]float64, bins)
	for _, p := range pvalues {
		b := int(p * float64(bins))
		if b == bins {
			b--
		}
		counts[b]++
	}

	grid := make([]float64, cfg.GridSize)
	norm := 1 / (float64(n) * h)
	for g := range grid {
		x := float64(g) / float64(cfg.GridSize-1)
		var sum float64
		for b, c := range counts {
			if c == 0 {
				continue
			}
			center := (float64(b) + 0.5) / float64(bins)
			sum += c * (distuv.UnitNormal.Prob((x-center)/h) +
				distuv.UnitNormal.Prob((x+center)/h) +
				distuv.UnitNormal.Prob((x-(2-center))/h))
		}
		grid[g] = sum * norm
	}

	return &KDE{bandwidth: h, n: n, grid: grid}, nil
}

// Density interpolates the tabulated estimate; p is clipped to [0,1].
func (k *KDE) Density(p float64) float64 {
	if math.IsNaN(p) {
		return math.NaN()
	}
	p = math.Min(math.Max(p, 0), 1)
	pos := p * float64(len(k.grid)-1)
	i := int(pos)
	if i >= len(k.grid)-1 {
		return k.grid[len(k.grid)-1]
	}
	frac := pos - float64(i)
	return k.grid[i]*(1-frac) + k.grid[i+1]*frac
}

// Bandwidth returns the kernel bandwidth in use
func (k *KDE) Bandwidth() float64 { return k.bandwidth }

// SilvermanBandwidth is 0.9 * min(sd, IQR/1.34) * n^(-1/5).
func SilvermanBandwidth(data []float64) (float64, error) {
	sd, err := stats.StandardDeviationSample(data)
	if err != nil {
		return 0, fmt.Errorf("bandwidth: %w", err)
	}
	iqr, err := stats.InterQuartileRange(data)
	if err != nil {
		return 0, fmt.Errorf("bandwidth: %w", err)
	}
	spread := sd
	if iqr > 0 {
		spread = math.Min(sd, iqr/1.34)
	}
	return 0.9 * spread * math.Pow(float64(len(data)), -0.2), nil
}
