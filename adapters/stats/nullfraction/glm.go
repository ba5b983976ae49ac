package nullfraction

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errNotConverged = errors.New("nullfraction: IRLS did not converge")

// logisticFit is a binomial GLM with logit link on one covariate.
type logisticFit struct {
	intercept  float64
	slope      float64
	iterations int
}

func (f logisticFit) mean(x float64) float64 {
	return 1 / (1 + math.Exp(-(f.intercept + f.slope*x)))
}

// fitLogistic fits successes[k] ~ Binomial(trials[k], logit^-1(b0 + b1*x[k]))
// by iteratively reweighted least squares.
func fitLogistic(x, successes, trials []float64, maxIter int, tol float64) (logisticFit, error) {
	const eps = 1e-10

	var sTotal, nTotal float64
	for k := range x {
		sTotal += successes[k]
		nTotal += trials[k]
	}
	start := math.Min(math.Max(sTotal/nTotal, eps), 1-eps)
	beta := mat.NewVecDense(2, []float64{math.Log(start / (1 - start)), 0})

	xtwx := mat.NewSymDense(2, nil)
	xtwz := mat.NewVecDense(2, nil)
	next := mat.NewVecDense(2, nil)
	var chol mat.Cholesky

	for iter := 1; iter <= maxIter; iter++ {
		var a00, a01, a11, b0, b1 float64
		for k := range x {
			eta := beta.AtVec(0) + beta.AtVec(1)*x[k]
			mu := 1 / (1 + math.Exp(-eta))
			mu = math.Min(math.Max(mu, eps), 1-eps)
			v := mu * (1 - mu)
			w := trials[k] * v
			z := eta + (successes[k]/trials[k]-mu)/v

			a00 += w
			a01 += w * x[k]
			a11 += w * x[k] * x[k]
			b0 += w * z
			b1 += w * z * x[k]
		}
		xtwx.SetSym(0, 0, a00)
		xtwx.SetSym(0, 1, a01)
		xtwx.SetSym(1, 1, a11)
		xtwz.SetVec(0, b0)
		xtwz.SetVec(1, b1)

		if ok := chol.Factorize(xtwx); !ok {
			return logisticFit{}, errNotConverged
		}
		if err := chol.SolveVecTo(next, xtwz); err != nil {
			return logisticFit{}, err
		}

		delta := math.Max(math.Abs(next.AtVec(0)-beta.AtVec(0)), math.Abs(next.AtVec(1)-beta.AtVec(1)))
		beta.CopyVec(next)
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			return logisticFit{}, errNotConverged
		}
		if delta < tol {
			return logisticFit{intercept: beta.AtVec(0), slope: beta.AtVec(1), iterations: iter}, nil
		}
	}
	return logisticFit{}, errNotConverged
}
