package nullfraction

// Isotonic returns the weighted least-squares fit to y that is non-decreasing
// (or non-increasing when decreasing is set), using pool-adjacent-violators.
// Weights must be positive; a nil slice means unit weights.
func Isotonic(y, w []float64, decreasing bool) []float64 {
	n := len(y)
	if n == 0 {
		return nil
	}

	sign := 1.0
	if decreasing {
		sign = -1
	}

	type block struct {
		mean   float64
		weight float64
		size   int
	}
	blocks := make([]block, 0, n)
	for i := 0; i < n; i++ {
		wi := 1.0
		if w != nil {
			wi = w[i]
		}
		blocks = append(blocks, block{mean: sign * y[i], weight: wi, size: 1})
		for len(blocks) > 1 {
			last := len(blocks) - 1
			if blocks[last-1].mean <= blocks[last].mean {
				break
			}
			a, b := blocks[last-1], blocks[last]
			weight := a.weight + b.weight
			blocks[last-1] = block{
				mean:   (a.mean*a.weight + b.mean*b.weight) / weight,
				weight: weight,
				size:   a.size + b.size,
			}
			blocks = blocks[:last]
		}
	}

	out := make([]float64, 0, n)
	for _, b := range blocks {
		for j := 0; j < b.size; j++ {
			out = append(out, sign*b.mean)
		}
	}
	return out
}
