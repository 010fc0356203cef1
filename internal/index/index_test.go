package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func randomVectors(n int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, testDim)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

// bruteForceNearest 参考实现：全量扫描找最近邻
func bruteForceNearest(vectors [][]float32, query []float32) int64 {
	best := int64(-1)
	bestDist := float32(0)
	for i, v := range vectors {
		d := l2(query, v)
		if best < 0 || d < bestDist {
			best = int64(i)
			bestDist = d
		}
	}
	return best
}

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{"flat": KindFlat, "ivf": KindIVF, "hnsw": KindHNSW} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, want, k)
	}
	_, err := ParseKind("annoy")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestFlatExactSearch(t *testing.T) {
	vectors := randomVectors(200, 1)
	f := NewFlat(testDim)
	require.NoError(t, f.Add(vectors))
	assert.Equal(t, int64(200), f.Ntotal())

	query := randomVectors(1, 99)[0]
	dists, ids, err := f.Search(query, 5)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	assert.Equal(t, bruteForceNearest(vectors, query), ids[0])
	for i := 1; i < len(dists); i++ {
		assert.GreaterOrEqual(t, dists[i], dists[i-1])
	}
}

func TestFlatDimensionMismatch(t *testing.T) {
	f := NewFlat(testDim)
	err := f.Add([][]float32{make([]float32, testDim+1)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = f.Search(make([]float32, testDim-1), 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchPadsShortResults(t *testing.T) {
	f := NewFlat(testDim)
	require.NoError(t, f.Add(randomVectors(3, 1)))

	dists, ids, err := f.Search(randomVectors(1, 2)[0], 10)
	require.NoError(t, err)
	require.Len(t, ids, 10)

	// 不足k个的位置填充-1和+Inf
	for i := 3; i < 10; i++ {
		assert.Equal(t, int64(-1), ids[i])
		assert.True(t, dists[i] > 1e30)
	}
}

func TestIVFRequiresTraining(t *testing.T) {
	ivf := NewIVF(testDim, 4, 2)
	err := ivf.Add(randomVectors(10, 1))
	assert.ErrorIs(t, err, ErrNotTrained)

	_, _, err = ivf.Search(randomVectors(1, 2)[0], 1)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestIVFSearchFullProbeIsExact(t *testing.T) {
	vectors := randomVectors(500, 3)
	ivf := NewIVF(testDim, 4, 4)
	require.NoError(t, ivf.Train(vectors))
	require.NoError(t, ivf.Add(vectors))
	assert.Equal(t, int64(500), ivf.Ntotal())

	// nprobe等于nlist时扫描全部列表，结果与精确检索一致
	for _, seed := range []int64{10, 11, 12} {
		query := randomVectors(1, seed)[0]
		_, ids, err := ivf.Search(query, 1)
		require.NoError(t, err)
		assert.Equal(t, bruteForceNearest(vectors, query), ids[0])
	}
}

func TestIVFNlistDowngrade(t *testing.T) {
	// 样本数少于nlist时降级为样本数个中心
	ivf := NewIVF(testDim, 16, 4)
	require.NoError(t, ivf.Train(randomVectors(5, 1)))
	assert.True(t, ivf.Trained())
	assert.LessOrEqual(t, ivf.Nlist(), 5)
}

func TestHNSWRecall(t *testing.T) {
	vectors := randomVectors(300, 4)
	h := NewHNSW(testDim, 16, 100, 100)
	require.NoError(t, h.Add(vectors))
	assert.Equal(t, int64(300), h.Ntotal())

	// 高ef下对已入库向量自身的召回应当很高
	hits := 0
	for i := 0; i < 50; i++ {
		_, ids, err := h.Search(vectors[i], 1)
		require.NoError(t, err)
		if ids[0] == int64(i) {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 45, "自身召回率应不低于90%%")
}

func TestReconstruct(t *testing.T) {
	vectors := randomVectors(50, 5)

	for _, idx := range []VectorIndex{NewFlat(testDim), NewHNSW(testDim, 8, 40, 40)} {
		require.NoError(t, idx.Add(vectors))
		v, err := idx.Reconstruct(17)
		require.NoError(t, err)
		assert.Equal(t, vectors[17], v)

		_, err = idx.Reconstruct(100)
		assert.ErrorIs(t, err, ErrInvalidID)
	}
}

func TestIVFReconstruct(t *testing.T) {
	vectors := randomVectors(100, 6)
	ivf := NewIVF(testDim, 4, 4)
	require.NoError(t, ivf.Train(vectors))
	require.NoError(t, ivf.Add(vectors))

	v, err := ivf.Reconstruct(33)
	require.NoError(t, err)
	assert.Equal(t, vectors[33], v)
}
