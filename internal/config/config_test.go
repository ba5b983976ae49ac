package config

import (
	"testing"

	"tcshrink/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("TCS_LAMBDA", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultPipelineConfig(), cfg.Pipeline)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tcshrink?sslmode=disable")
	t.Setenv("TCS_LAMBDA", "0.6")
	t.Setenv("TCS_PI0_METHOD", "STRATIFIED")
	t.Setenv("TCS_DENSITY_SCOPE", "stratum")
	t.Setenv("TCS_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, 0.6, cfg.Pipeline.Lambda)
	assert.Equal(t, "stratified", cfg.Pipeline.Pi0Method)
	assert.Equal(t, "stratum", cfg.Pipeline.DensityScope)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"TCS_LAMBDA":        "1.5",
		"TCS_PI0_METHOD":    "spline",
		"TCS_DENSITY_SCOPE": "local",
		"PORT":              "http",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
		})
	}
}
