package correlation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// psdTolerance is the most negative eigenvalue still treated as numerical
// noise rather than an indefinite matrix.
const psdTolerance = 1e-8

// Pearson builds the symmetric correlation matrix for the aligned return
// series, unit diagonal by construction. Zero-variance series correlate as 0
// against everything.
func Pearson(series [][]float64) *mat.SymDense {
	n := len(series)
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			rho := stat.Correlation(series[i], series[j], nil)
			if math.IsNaN(rho) {
				rho = 0
			}
			m.SetSym(i, j, rho)
		}
	}
	return m
}

// MinEigenvalue returns the smallest eigenvalue of the matrix.
func MinEigenvalue(m *mat.SymDense) (float64, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(m, false); !ok {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

// RepairPSD returns a positive semi-definite version of the correlation
// matrix. A matrix already PSD within tolerance is returned unchanged with
// repaired=false. Otherwise negative eigenvalues are clipped to zero and the
// reconstruction is rescaled back to a unit diagonal, which preserves the
// correlation interpretation of the off-diagonal entries.
func RepairPSD(m *mat.SymDense) (*mat.SymDense, bool, error) {
	min, err := MinEigenvalue(m)
	if err != nil {
		return nil, false, err
	}
	if min >= -psdTolerance {
		return m, false, nil
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return nil, false, fmt.Errorf("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n := m.SymmetricDim()
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}

	// Q Λ Qᵀ with the clipped spectrum.
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*vals[j])
		}
	}
	var rebuilt mat.Dense
	rebuilt.Mul(scaled, vecs.T())

	// Rescale to put 1.0 exactly back on the diagonal.
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		di := rebuilt.At(i, i)
		if di <= 0 {
			di = 1
		}
		d[i] = 1 / math.Sqrt(di)
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			out.SetSym(i, j, rebuilt.At(i, j)*d[i]*d[j])
		}
	}
	return out, true, nil
}

// Cluster is a connected component of symbols whose pairwise |ρ| reaches the
// threshold, with the mean absolute correlation across its internal edges.
type Cluster struct {
	Symbols []string
	AvgAbs  float64
}

// FindClusters groups symbols into connected components over the
// above-threshold correlation graph. Singleton components are dropped;
// clusters are ordered by size descending, then by first symbol.
func FindClusters(symbols []string, m *mat.SymDense, threshold float64) []Cluster {
	n := len(symbols)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(m.At(i, j)) >= threshold {
				union(i, j)
			}
		}
	}

	members := map[int][]int{}
	for i := 0; i < n; i++ {
		r := find(i)
		members[r] = append(members[r], i)
	}

	var out []Cluster
	for _, idx := range members {
		if len(idx) < 2 {
			continue
		}
		sum, edges := 0.0, 0
		for a := 0; a < len(idx); a++ {
			for b := a + 1; b < len(idx); b++ {
				sum += math.Abs(m.At(idx[a], idx[b]))
				edges++
			}
		}
		c := Cluster{AvgAbs: sum / float64(edges)}
		for _, i := range idx {
			c.Symbols = append(c.Symbols, symbols[i])
		}
		sort.Strings(c.Symbols)
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if len(out[a].Symbols) != len(out[b].Symbols) {
			return len(out[a].Symbols) > len(out[b].Symbols)
		}
		return out[a].Symbols[0] < out[b].Symbols[0]
	})
	return out
}
