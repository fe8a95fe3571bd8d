package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyClean(t *testing.T) {
	ds, _ := createFrozen(t, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	})

	report, err := Verify(context.Background(), ds, true)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestVerifyMissingItem(t *testing.T) {
	ds, datasetDir := createFrozen(t, map[string]string{"a.txt": "alpha"})
	require.NoError(t, os.Remove(filepath.Join(datasetDir, "data", "a.txt")))

	report, err := Verify(context.Background(), ds, false)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"a.txt"}, report.MissingItems)
}

func TestVerifyUnknownItem(t *testing.T) {
	ds, datasetDir := createFrozen(t, map[string]string{"a.txt": "alpha"})
	rogue := filepath.Join(datasetDir, "data", "rogue.txt")
	require.NoError(t, os.WriteFile(rogue, []byte("sneaky"), 0o644))

	report, err := Verify(context.Background(), ds, false)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"rogue.txt"}, report.UnknownItems)
}

func TestVerifySizeMismatch(t *testing.T) {
	ds, datasetDir := createFrozen(t, map[string]string{"a.txt": "alpha"})
	stored := filepath.Join(datasetDir, "data", "a.txt")
	require.NoError(t, os.WriteFile(stored, []byte("alpha and then some"), 0o644))

	report, err := Verify(context.Background(), ds, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, report.SizeMismatches)
}

// Content changes of equal size only surface under full verification.
func TestVerifyHashMismatch(t *testing.T) {
	ds, datasetDir := createFrozen(t, map[string]string{"a.txt": "alpha"})
	stored := filepath.Join(datasetDir, "data", "a.txt")
	require.NoError(t, os.WriteFile(stored, []byte("aleph"), 0o644))

	report, err := Verify(context.Background(), ds, false)
	require.NoError(t, err)
	assert.True(t, report.OK())

	report, err = Verify(context.Background(), ds, true)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"a.txt"}, report.HashMismatches)
	assert.Empty(t, report.SizeMismatches)
}
