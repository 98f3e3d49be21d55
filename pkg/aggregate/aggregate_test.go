package aggregate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContribution(t *testing.T, dir, name string, numbers []float64) string {
	t.Helper()

	sum := 0.0
	for _, n := range numbers {
		sum += n
	}

	path := filepath.Join(dir, name+".json")
	require.NoError(t, WriteContribution(path, &Contribution{
		SessionID: "session-1",
		Numbers:   numbers,
		Sum:       sum,
	}))

	return path
}

func TestCombine_SumsContributions(t *testing.T) {
	dir := t.TempDir()

	paths := map[string]string{
		"alice@example.com": writeContribution(t, dir, "alice", []float64{1, 2, 3}),
		"bob@example.com":   writeContribution(t, dir, "bob", []float64{10, 20, 30}),
	}

	result, err := Combine("session-1", "combine", paths)
	require.NoError(t, err)

	assert.Equal(t, []float64{11, 22, 33}, result.Sums)
	assert.InDelta(t, 66, result.TotalSum, 1e-9)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, result.Contributors)
}

func TestCombine_IsOrderInsensitive(t *testing.T) {
	dir := t.TempDir()

	a := writeContribution(t, dir, "alice", []float64{5, 7})
	b := writeContribution(t, dir, "bob", []float64{2, 4})
	c := writeContribution(t, dir, "carol", []float64{9, 1})

	first, err := Combine("session-1", "combine", map[string]string{
		"alice@example.com": a, "bob@example.com": b, "carol@example.com": c,
	})
	require.NoError(t, err)

	second, err := Combine("session-1", "combine", map[string]string{
		"carol@example.com": c, "alice@example.com": a, "bob@example.com": b,
	})
	require.NoError(t, err)

	assert.Equal(t, first.Sums, second.Sums)
	assert.Equal(t, first.TotalSum, second.TotalSum)
	assert.Equal(t, first.Contributors, second.Contributors)
}

func TestCombine_PadsShorterVectors(t *testing.T) {
	dir := t.TempDir()

	paths := map[string]string{
		"alice@example.com": writeContribution(t, dir, "alice", []float64{1}),
		"bob@example.com":   writeContribution(t, dir, "bob", []float64{1, 1, 1}),
	}

	result, err := Combine("session-1", "combine", paths)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1, 1}, result.Sums)
}

func TestCombine_ReleasesNoRawContributions(t *testing.T) {
	dir := t.TempDir()

	paths := map[string]string{
		"alice@example.com": writeContribution(t, dir, "alice", []float64{42}),
		"bob@example.com":   writeContribution(t, dir, "bob", []float64{58}),
	}

	result, err := Combine("session-1", "combine", paths)
	require.NoError(t, err)

	out := filepath.Join(dir, "result.json")
	require.NoError(t, WriteResult(out, result))

	body, err := os.ReadFile(out)
	require.NoError(t, err)

	// The released document carries only the combined values, never a
	// per-contributor breakdown.
	var released map[string]any
	require.NoError(t, json.Unmarshal(body, &released))
	assert.NotContains(t, released, "numbers")
	assert.NotContains(t, released, "all_numbers")
	assert.Contains(t, released, "sums")
	assert.Contains(t, released, "total_sum")
}

func TestCombine_RejectsForeignSession(t *testing.T) {
	dir := t.TempDir()
	path := writeContribution(t, dir, "alice", []float64{1})

	_, err := Combine("other-session", "combine", map[string]string{"alice@example.com": path})
	require.Error(t, err)
}

func TestCombine_NoContributions(t *testing.T) {
	_, err := Combine("session-1", "combine", nil)
	require.ErrorIs(t, err, ErrNoContributions)
}
