// Package simulate generates synthetic expression timecourses with a known
// ground truth: a scale-free regulatory network driven by a step input and
// observed through replicate and condition noise.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"tcshrink/domain/timecourse"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph/graphs/gen"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
)

// ConditionNoise is one experimental condition and its noise level
type ConditionNoise struct {
	Key timecourse.ConditionKey `json:"key"`
	SD  float64                 `json:"sd"`
}

// Config configures the generator
type Config struct {
	Genes          int              `json:"genes"`
	EdgesPerNode   int              `json:"edges_per_node"`
	Drivers        int              `json:"drivers"`
	Decay          float64          `json:"decay"`
	MinWeight      float64          `json:"min_weight"`
	MaxWeight      float64          `json:"max_weight"`
	Input          float64          `json:"input"`
	Times          []float64        `json:"times"`
	StepSize       float64          `json:"step_size"`
	Replicates     int              `json:"replicates"`
	MinFeatureSD   float64          `json:"min_feature_sd"`
	MaxFeatureSD   float64          `json:"max_feature_sd"`
	Conditions     []ConditionNoise `json:"conditions"`
	TruthThreshold float64          `json:"truth_threshold"`
	Seed           uint64           `json:"seed"`
}

// DefaultConfig returns a small network sampled at six times
func DefaultConfig() Config {
	return Config{
		Genes:        200,
		EdgesPerNode: 2,
		Drivers:      2,
		Decay:        1,
		MinWeight:    0.4,
		MaxWeight:    1.2,
		Input:        2,
		Times:        []float64{0, 0.5, 1, 2, 4, 8},
		StepSize:     0.01,
		Replicates:   3,
		MinFeatureSD: 0.1,
		MaxFeatureSD: 0.4,
		Conditions: []ConditionNoise{
			{Key: timecourse.NewConditionKey("stress", "wt"), SD: 0.1},
			{Key: timecourse.NewConditionKey("stress", "mutant"), SD: 0.3},
		},
		TruthThreshold: 0.25,
		Seed:           42,
	}
}

// Network is a signed regulatory network. W[target][regulator] is the edge weight.
type Network struct {
	W       *mat.Dense
	Drivers []int
	Edges   int
}

// Dataset is one simulated experiment
type Dataset struct {
	Network    *Network
	Times      []float64
	States     [][]float64 // States[k][gene] at Times[k]
	FeatureSD  map[timecourse.FeatureID]float64
	Replicates []timecourse.Replicate
	// Truth holds the genes whose |x(t)| exceeds the threshold at some time.
	Truth map[timecourse.FeatureID]bool
}

// Responding reports whether a gene exceeds the truth threshold at the k-th time
func (d *Dataset) Responding(gene, k int, threshold float64) bool {
	return math.Abs(d.States[k][gene]) > threshold
}

// Generator produces deterministic datasets from a seed
type Generator struct {
	cfg Config
	rng *rand.Rand
}

// NewGenerator creates a generator
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// GeneID names the i-th simulated gene
func GeneID(i int) timecourse.FeatureID {
	return timecourse.FeatureID(fmt.Sprintf("G%04d", i))
}

func (g *Generator) validate() error {
	c := g.cfg
	switch {
	case c.Genes <= c.EdgesPerNode || c.EdgesPerNode < 1:
		return fmt.Errorf("simulate: need genes > edges per node >= 1 (genes=%d m=%d)", c.Genes, c.EdgesPerNode)
	case c.Drivers < 1 || c.Drivers > c.Genes:
		return fmt.Errorf("simulate: drivers must be in [1,%d]", c.Genes)
	case c.StepSize <= 0:
		return fmt.Errorf("simulate: step size must be positive")
	case len(c.Times) == 0:
		return fmt.Errorf("simulate: no sample times")
	case c.Replicates < 1 || len(c.Conditions) == 0:
		return fmt.Errorf("simulate: need at least one replicate and one condition")
	}
	return nil
}

// Network builds a Barabási–Albert graph and orients every edge from the older
// node to the newer one, so W is strictly lower triangular and the system is
// stable for any positive decay.
func (g *Generator) Network() (*Network, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	graph := simple.NewUndirectedGraph()
	if err := gen.PreferentialAttachment(graph, g.cfg.Genes, g.cfg.EdgesPerNode, g.rng); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	type edge struct{ from, to int }
	var edges []edge
	it := graph.Edges()
	for it.Next() {
		e := it.Edge()
		u, v := int(e.From().ID()), int(e.To().ID())
		if u > v {
			u, v = v, u
		}
		edges = append(edges, edge{from: u, to: v})
	}
	// map iteration order must not leak into the weights
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].to != edges[j].to {
			return edges[i].to < edges[j].to
		}
		return edges[i].from < edges[j].from
	})

	n := g.cfg.Genes
	w := mat.NewDense(n, n, nil)
	for _, e := range edges {
		weight := g.cfg.MinWeight + g.rng.Float64()*(g.cfg.MaxWeight-g.cfg.MinWeight)
		if g.rng.IntN(2) == 0 {
			weight = -weight
		}
		w.Set(e.to, e.from, weight)
	}

	drivers := make([]int, g.cfg.Drivers)
	for i := range drivers {
		drivers[i] = i
	}
	return &Network{W: w, Drivers: drivers, Edges: len(edges)}, nil
}

// Trajectory integrates dx/dt = -δx + Wx + u from x(0) = 0 with a step input
// on the drivers, returning the state at each requested time.
func (g *Generator) Trajectory(net *Network) [][]float64 {
	n, _ := net.W.Dims()
	u := make([]float64, n)
	for _, d := range net.Drivers {
		u[d] = g.cfg.Input
	}

	deriv := func(dst, x []float64) {
		dv := mat.NewVecDense(n, dst)
		dv.MulVec(net.W, mat.NewVecDense(n, x))
		floats.AddScaled(dst, -g.cfg.Decay, x)
		floats.Add(dst, u)
	}

	times := append([]float64(nil), g.cfg.Times...)
	sort.Float64s(times)

	x := make([]float64, n)
	k1, k2, k3, k4 := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	tmp := make([]float64, n)
	step := func(h float64) {
		deriv(k1, x)
		floats.AddScaledTo(tmp, x, h/2, k1)
		deriv(k2, tmp)
		floats.AddScaledTo(tmp, x, h/2, k2)
		deriv(k3, tmp)
		floats.AddScaledTo(tmp, x, h, k3)
		deriv(k4, tmp)
		floats.AddScaled(x, h/6, k1)
		floats.AddScaled(x, h/3, k2)
		floats.AddScaled(x, h/3, k3)
		floats.AddScaled(x, h/6, k4)
	}

	states := make([][]float64, len(times))
	now := 0.0
	for i, target := range times {
		for target-now > 1e-12 {
			h := math.Min(g.cfg.StepSize, target-now)
			step(h)
			now += h
		}
		states[i] = append([]float64(nil), x...)
	}
	return states
}

// Generate simulates the network, integrates it and draws noisy replicates.
func (g *Generator) Generate() (*Dataset, error) {
	net, err := g.Network()
	if err != nil {
		return nil, err
	}
	states := g.Trajectory(net)
	times := append([]float64(nil), g.cfg.Times...)
	sort.Float64s(times)

	ds := &Dataset{
		Network:   net,
		Times:     times,
		States:    states,
		FeatureSD: make(map[timecourse.FeatureID]float64, g.cfg.Genes),
		Truth:     make(map[timecourse.FeatureID]bool),
	}
	for gene := 0; gene < g.cfg.Genes; gene++ {
		id := GeneID(gene)
		ds.FeatureSD[id] = g.cfg.MinFeatureSD + g.rng.Float64()*(g.cfg.MaxFeatureSD-g.cfg.MinFeatureSD)
		for k := range times {
			if ds.Responding(gene, k, g.cfg.TruthThreshold) {
				ds.Truth[id] = true
			}
		}
	}

	for _, cond := range g.cfg.Conditions {
		for gene := 0; gene < g.cfg.Genes; gene++ {
			id := GeneID(gene)
			for k, t := range times {
				for r := 1; r <= g.cfg.Replicates; r++ {
					value := states[k][gene] +
						g.rng.NormFloat64()*ds.FeatureSD[id] +
						g.rng.NormFloat64()*cond.SD
					ds.Replicates = append(ds.Replicates, timecourse.Replicate{
						Feature:   id,
						Condition: cond.Key,
						Time:      t,
						Replicate: r,
						Value:     value,
					})
				}
			}
		}
	}
	return ds, nil
}
