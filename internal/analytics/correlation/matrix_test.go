package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPearson_KnownRelationships(t *testing.T) {
	up := []float64{0.01, -0.02, 0.03, 0.01, -0.01, 0.02}
	scaled := make([]float64, len(up))
	inverted := make([]float64, len(up))
	for i, v := range up {
		scaled[i] = 3 * v
		inverted[i] = -v
	}
	flat := make([]float64, len(up))

	m := Pearson([][]float64{up, scaled, inverted, flat})

	assert.InDelta(t, 1.0, m.At(0, 1), 1e-12, "linear rescaling correlates perfectly")
	assert.InDelta(t, -1.0, m.At(0, 2), 1e-12)
	assert.Equal(t, 0.0, m.At(0, 3), "zero-variance series pinned to 0")
	for i := 0; i < 4; i++ {
		assert.Equal(t, 1.0, m.At(i, i))
	}
}

func TestRepairPSD_PassesThroughValidMatrix(t *testing.T) {
	m := mat.NewSymDense(2, []float64{1, 0.5, 0.5, 1})
	out, repaired, err := RepairPSD(m)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Same(t, m, out)
}

func TestRepairPSD_ClipsIndefiniteMatrix(t *testing.T) {
	// ρ(A,B)=0.9, ρ(A,C)=0.9, ρ(B,C)=-0.9 is jointly impossible: the
	// smallest eigenvalue is well below zero.
	m := mat.NewSymDense(3, []float64{
		1, 0.9, 0.9,
		0.9, 1, -0.9,
		0.9, -0.9, 1,
	})
	before, err := MinEigenvalue(m)
	require.NoError(t, err)
	require.Less(t, before, -psdTolerance)

	out, repaired, err := RepairPSD(m)
	require.NoError(t, err)
	assert.True(t, repaired)

	after, err := MinEigenvalue(out)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, -psdTolerance)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1.0, out.At(i, i), "diagonal restored to exactly 1")
		for j := i + 1; j < 3; j++ {
			assert.LessOrEqual(t, out.At(i, j), 1.0)
			assert.GreaterOrEqual(t, out.At(i, j), -1.0)
		}
	}

	// Repair moves entries as little as the PSD constraint allows; the
	// strong positive pairs stay strongly positive.
	assert.Greater(t, out.At(0, 1), 0.5)
	assert.Greater(t, out.At(0, 2), 0.5)
	assert.Less(t, out.At(1, 2), 0.0)
}

func TestFindClusters_ConnectedComponents(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	// AAA-BBB strongly positive, CCC-DDD strongly negative (|ρ| counts),
	// EEE connected to nothing.
	m := mat.NewSymDense(5, nil)
	for i := 0; i < 5; i++ {
		m.SetSym(i, i, 1)
	}
	m.SetSym(0, 1, 0.85)
	m.SetSym(2, 3, -0.75)
	m.SetSym(1, 2, 0.10)
	m.SetSym(0, 4, 0.30)

	clusters := FindClusters(symbols, m, 0.70)
	require.Len(t, clusters, 2)

	assert.Equal(t, []string{"AAA", "BBB"}, clusters[0].Symbols)
	assert.InDelta(t, 0.85, clusters[0].AvgAbs, 1e-12)
	assert.Equal(t, []string{"CCC", "DDD"}, clusters[1].Symbols)
	assert.InDelta(t, 0.75, clusters[1].AvgAbs, 1e-12)
}

func TestFindClusters_ChainMerges(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC"}
	m := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		m.SetSym(i, i, 1)
	}
	// A-B and B-C above threshold, A-C below: still one component.
	m.SetSym(0, 1, 0.8)
	m.SetSym(1, 2, 0.9)
	m.SetSym(0, 2, 0.4)

	clusters := FindClusters(symbols, m, 0.70)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, clusters[0].Symbols)
	// Average over all three internal edges, including the weak one.
	assert.InDelta(t, (0.8+0.9+0.4)/3, clusters[0].AvgAbs, 1e-12)
}
