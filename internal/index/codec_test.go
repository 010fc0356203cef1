package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, idx VectorIndex) VectorIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.vxi")
	require.NoError(t, WriteFile(idx, path))
	loaded, err := ReadFile(path)
	require.NoError(t, err)
	return loaded
}

func assertSameSearch(t *testing.T, a, b VectorIndex, queries [][]float32) {
	t.Helper()
	for _, q := range queries {
		da, ia, err := a.Search(q, 5)
		require.NoError(t, err)
		db, ib, err := b.Search(q, 5)
		require.NoError(t, err)
		assert.Equal(t, ia, ib)
		assert.Equal(t, da, db)
	}
}

func TestFlatRoundTrip(t *testing.T) {
	vectors := randomVectors(120, 1)
	f := NewFlat(testDim)
	require.NoError(t, f.Add(vectors))

	loaded := roundTrip(t, f)
	assert.Equal(t, KindFlat, loaded.Kind())
	assert.Equal(t, f.Ntotal(), loaded.Ntotal())
	assertSameSearch(t, f, loaded, randomVectors(5, 50))
}

func TestIVFRoundTrip(t *testing.T) {
	vectors := randomVectors(400, 2)
	ivf := NewIVF(testDim, 4, 2)
	require.NoError(t, ivf.Train(vectors))
	require.NoError(t, ivf.Add(vectors))

	loaded := roundTrip(t, ivf)
	require.Equal(t, KindIVF, loaded.Kind())
	assert.Equal(t, ivf.Ntotal(), loaded.Ntotal())

	got := loaded.(*IVF)
	assert.True(t, got.Trained())
	assert.Equal(t, ivf.Nlist(), got.Nlist())
	assert.Equal(t, ivf.Nprobe(), got.Nprobe())
	assertSameSearch(t, ivf, loaded, randomVectors(5, 51))
}

func TestHNSWRoundTrip(t *testing.T) {
	// efSearch是检索期参数，不持久化，加载后回到默认值64
	vectors := randomVectors(200, 3)
	h := NewHNSW(testDim, 8, 60, 64)
	require.NoError(t, h.Add(vectors))

	loaded := roundTrip(t, h)
	require.Equal(t, KindHNSW, loaded.Kind())
	assert.Equal(t, h.Ntotal(), loaded.Ntotal())

	// 图结构完整保留，检索结果逐位一致
	assertSameSearch(t, h, loaded, randomVectors(5, 52))
}

func TestReadHeaderOnly(t *testing.T) {
	vectors := randomVectors(30, 4)
	ivf := NewIVF(testDim, 4, 2)
	require.NoError(t, ivf.Train(vectors))
	require.NoError(t, ivf.Add(vectors))

	path := filepath.Join(t.TempDir(), "index.vxi")
	require.NoError(t, WriteFile(ivf, path))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, KindIVF, h.Kind)
	assert.Equal(t, uint32(testDim), h.Dimension)
	assert.Equal(t, uint64(30), h.Ntotal)
	assert.Equal(t, uint32(ivf.Nlist()), h.ParamA)
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vxi")
	require.NoError(t, os.WriteFile(path, []byte("this is not an index file at all............"), 0o644))

	_, err := ReadHeader(path)
	assert.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.vxi")

	f := NewFlat(testDim)
	require.NoError(t, f.Add(randomVectors(10, 5)))
	require.NoError(t, WriteFile(f, path))

	// 覆盖写入后没有遗留临时文件
	require.NoError(t, f.Add(randomVectors(10, 6)))
	require.NoError(t, WriteFile(f, path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(20), loaded.Ntotal())
}
