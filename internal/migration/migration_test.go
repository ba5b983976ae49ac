package migration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatements_Idempotent(t *testing.T) {
	r := NewRunner()
	assert.Equal(t, "1.0.0", r.Version())

	stmts := r.Statements()
	assert.Len(t, stmts, 4)
	for _, s := range stmts {
		assert.Contains(t, s, "IF NOT EXISTS")
	}
	// results reference runs, so runs must come first
	assert.Contains(t, stmts[0], "shrinkage_runs")
	assert.True(t, strings.Contains(stmts[2], "REFERENCES shrinkage_runs"))
}
