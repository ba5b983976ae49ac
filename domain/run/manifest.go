package run

import (
	"time"

	"tcshrink/domain/core"
	"tcshrink/domain/timecourse"
)

// Manifest identifies a run and everything needed to reproduce it
type Manifest struct {
	RunID       core.RunID `json:"run_id"`
	Fingerprint core.Hash  `json:"fingerprint"`
	Settings    Settings   `json:"settings"`
	CodeVersion string     `json:"code_version"`
	InputRows   int        `json:"input_rows"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewManifest creates a manifest for a new run over obs
func NewManifest(settings Settings, codeVersion string, obs []timecourse.Observation) Manifest {
	return Manifest{
		RunID:       core.NewRunID(),
		Fingerprint: NewFingerprint(settings, codeVersion, obs),
		Settings:    settings,
		CodeVersion: codeVersion,
		InputRows:   len(obs),
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks if the manifest is complete
func (m Manifest) Validate() error {
	if core.ID(m.RunID).IsEmpty() {
		return core.NewInvalidInputError("run_id", "cannot be empty")
	}
	if m.Fingerprint.IsEmpty() {
		return core.NewInvalidInputError("fingerprint", "cannot be empty")
	}
	if m.CodeVersion == "" {
		return core.NewInvalidInputError("code_version", "cannot be empty")
	}
	return nil
}

// Counts are the row and clamp tallies of a finished run.
type Counts struct {
	Input        int `json:"input"`
	ExcludedZero int `json:"excluded_zero"`
	Output       int `json:"output"`
	ClampBelow   int `json:"clamp_below"`
	ClampAbove   int `json:"clamp_above"`
	ClampNaN     int `json:"clamp_nan"`
}

// Record is the persisted summary of a run; result rows are stored beside it.
type Record struct {
	Manifest
	Fit       *timecourse.NullFractionFit `json:"fit"`
	Counts    Counts                      `json:"counts"`
	RuntimeMs int64                       `json:"runtime_ms"`
}
