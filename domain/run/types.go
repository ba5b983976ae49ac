package run

import (
	"sort"
	"strconv"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"
)

// Settings are the pipeline parameters that determine a run's output.
type Settings struct {
	Lambda          float64 `json:"lambda"`
	MinObservations int     `json:"min_observations"`
	Pi0Method       string  `json:"pi0_method"`
	Pi0Floor        float64 `json:"pi0_floor"`
	Bandwidth       float64 `json:"bandwidth"`
	MinDensity      float64 `json:"min_density"`
	DensityScope    string  `json:"density_scope"`
}

// NewFingerprint hashes the settings, code version and input rows. Row order
// does not matter; identical inputs always give identical fingerprints.
func NewFingerprint(settings Settings, codeVersion string, obs []timecourse.Observation) core.Hash {
	h := &core.Hasher{}
	h.Add("code:" + codeVersion).
		Add(ftoa(settings.Lambda)).
		Add(strconv.Itoa(settings.MinObservations)).
		Add(settings.Pi0Method).
		Add(ftoa(settings.Pi0Floor)).
		Add(ftoa(settings.Bandwidth)).
		Add(ftoa(settings.MinDensity)).
		Add(settings.DensityScope)

	rows := make([]string, len(obs))
	for i, o := range obs {
		rows[i] = string(o.Feature) + "\x1f" + string(o.Condition) + "\x1f" +
			ftoa(o.Time) + "\x1f" + ftoa(o.Value) + "\x1f" +
			ftoa(o.FeatureVariance) + "\x1f" + ftoa(o.ConditionVariance)
	}
	sort.Strings(rows)
	h.Add(strconv.Itoa(len(rows)))
	for _, r := range rows {
		h.Add(r)
	}
	return h.Sum()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
