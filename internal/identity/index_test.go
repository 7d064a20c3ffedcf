package identity_test

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/identity"
)

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestAddNormalizesOnIngest(t *testing.T) {
	ix := identity.NewIndex(4)
	// Deliberately unnormalized input.
	err := ix.Add("E001", "Alice", []float32{3, 0, 0, 4}, time.Now())
	require.NoError(t, err)

	rec := ix.Records()[0]
	var norm float64
	for _, x := range rec.Vector {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, norm, 1e-6)
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	ix := identity.NewIndex(4)
	err := ix.Add("E001", "", []float32{1, 0}, time.Now())
	require.ErrorIs(t, err, identity.ErrDimensionMismatch)
}

func TestAddRejectsDuplicate(t *testing.T) {
	ix := identity.NewIndex(4)
	require.NoError(t, ix.Add("E001", "", unit(4, 0), time.Now()))
	err := ix.Add("E001", "", unit(4, 1), time.Now())
	require.ErrorIs(t, err, identity.ErrDuplicate)
}

func TestRemoveUnknown(t *testing.T) {
	ix := identity.NewIndex(4)
	require.ErrorIs(t, ix.Remove("E404"), identity.ErrUnknownIdentity)
}

func TestQueryTopKOrderAndTieBreak(t *testing.T) {
	ix := identity.NewIndex(2)
	// Two identical vectors: tie broken by lower id first.
	require.NoError(t, ix.Add("E002", "", []float32{1, 0}, time.Now()))
	require.NoError(t, ix.Add("E001", "", []float32{1, 0}, time.Now()))
	require.NoError(t, ix.Add("E003", "", []float32{0, 1}, time.Now()))

	matches, err := ix.Query([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "E001", matches[0].ID)
	require.Equal(t, "E002", matches[1].ID)
	require.Equal(t, "E003", matches[2].ID)
	require.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestQueryDeterministic(t *testing.T) {
	ix := identity.NewIndex(8)
	for i := 0; i < 8; i++ {
		require.NoError(t, ix.Add(string(rune('A'+i)), "", unit(8, i), time.Now()))
	}
	probe := []float32{0.5, 0.5, 0.1, 0, 0, 0, 0, 0}

	first, err := ix.Query(probe, 4)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ix.Query(probe, 4)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestQueryNearNeighbor(t *testing.T) {
	ix := identity.NewIndex(3)
	require.NoError(t, ix.Add("E001", "Alice", []float32{1, 0, 0}, time.Now()))

	// Perturbed probe still scores near 1 against the enrolled vector.
	probe := []float32{1, 0.005, 0.005}
	matches, err := ix.Query(probe, 1)
	require.NoError(t, err)
	require.Equal(t, "E001", matches[0].ID)
	require.Greater(t, matches[0].Score, 0.99)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.fidx")

	orig := identity.NewIndex(4)
	enrolled := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, orig.Add("E001", "Alice", []float32{1, 2, 3, 4}, enrolled))
	require.NoError(t, orig.Add("E002", "Bob", []float32{4, 3, 2, 1}, enrolled))
	require.NoError(t, orig.Persist(path))

	loaded := identity.NewIndex(4)
	require.NoError(t, loaded.Load(path))
	require.Equal(t, 2, loaded.Count())

	recs := loaded.Records()
	require.Equal(t, "Alice", recs[0].Name)
	require.Equal(t, enrolled, recs[0].EnrolledAt)

	// Queries over the loaded index match the original exactly.
	probe := []float32{0.3, -0.2, 0.9, 0.1}
	want, err := orig.Query(probe, 2)
	require.NoError(t, err)
	got, err := loaded.Query(probe, 2)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadRejectsWrongDimension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.fidx")

	orig := identity.NewIndex(4)
	require.NoError(t, orig.Add("E001", "", unit(4, 0), time.Now()))
	require.NoError(t, orig.Persist(path))

	other := identity.NewIndex(8)
	require.ErrorIs(t, other.Load(path), identity.ErrDimensionMismatch)
}

func TestLoadMissingFileIsEmptyIndex(t *testing.T) {
	ix := identity.NewIndex(4)
	require.NoError(t, ix.Load(filepath.Join(t.TempDir(), "nope.fidx")))
	require.Equal(t, 0, ix.Count())
}

func TestAllStoredVectorsUnitNorm(t *testing.T) {
	ix := identity.NewIndex(3)
	inputs := [][]float32{{2, 0, 0}, {0.1, 0.1, 0.1}, {-5, 3, 1}}
	for i, v := range inputs {
		require.NoError(t, ix.Add(string(rune('A'+i)), "", v, time.Now()))
	}
	for _, rec := range ix.Records() {
		var norm float64
		for _, x := range rec.Vector {
			norm += float64(x) * float64(x)
		}
		require.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
		require.Len(t, rec.Vector, 3)
	}
}
