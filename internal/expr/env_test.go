package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entryVars(category string, count int64) map[string]any {
	return map[string]any{
		"name":     "Jane Doe",
		"category": category,
		"region":   "CA",
		"unit":     "06001",
		"count":    count,
	}
}

func TestDefaultWeight(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.CompileWeight("  ")
	require.NoError(t, err)
	require.Equal(t, DefaultWeight, program.Source())

	w, err := program.Weight(entryVars("DEM", 10))
	require.NoError(t, err)
	require.Equal(t, 1.0, w)
}

func TestCategoryWeight(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.CompileWeight(`category == "IND" ? 0.5 : 1.0`)
	require.NoError(t, err)

	w, err := program.Weight(entryVars("IND", 10))
	require.NoError(t, err)
	require.Equal(t, 0.5, w)

	w, err = program.Weight(entryVars("REP", 10))
	require.NoError(t, err)
	require.Equal(t, 1.0, w)
}

func TestLookupParams(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.CompileWeight(`category in params ? lookup(params, category) : 1.0`)
	require.NoError(t, err)

	vars := entryVars("IND", 3)
	vars["params"] = map[string]any{"IND": 0.25}
	w, err := program.Weight(vars)
	require.NoError(t, err)
	require.Equal(t, 0.25, w)

	w, err = program.Weight(entryVars("DEM", 3))
	require.NoError(t, err)
	require.Equal(t, 1.0, w)
}

func TestIntegerWeight(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.CompileWeight(`count > 100 ? 2 : 1`)
	require.NoError(t, err)
	w, err := program.Weight(entryVars("DEM", 500))
	require.NoError(t, err)
	require.Equal(t, 2.0, w)
}

func TestCompileWeightRejectsNonNumeric(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.CompileWeight(`category == "IND"`)
	require.Error(t, err)

	_, err = env.CompileWeight(`category +`)
	require.Error(t, err)
}
