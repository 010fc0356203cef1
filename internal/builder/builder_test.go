package builder

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/index"
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

func newTestBuilder(chunkSize int) *Builder {
	return NewBuilder(NewLocalTaskRunner(4), config.BuilderConfig{ChunkSize: chunkSize})
}

func TestBuildFlat(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(350, 1)

	idx, err := b.Build(context.Background(), vectors, testDim, index.KindFlat, index.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(350), idx.Ntotal())

	// 精确索引必须返回向量自身
	dists, ids, err := idx.Search(vectors[42], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ids[0])
	assert.InDelta(t, 0.0, dists[0], 1e-6)
}

func TestBuildIVFTrainsBeforeAdd(t *testing.T) {
	b := newTestBuilder(200)
	vectors := randomVectors(1000, 2)
	opts := index.DefaultOptions()
	opts.Nlist = 4
	opts.Nprobe = 4

	idx, err := b.Build(context.Background(), vectors, testDim, index.KindIVF, opts)
	require.NoError(t, err)
	require.Equal(t, int64(1000), idx.Ntotal())

	ivf := idx.(*index.IVF)
	assert.True(t, ivf.Trained())

	// 全量探测时等价于精确检索
	_, ids, err := idx.Search(vectors[7], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ids[0])
}

func TestBuildHNSWParallelMerge(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(400, 3)
	opts := index.DefaultOptions()
	opts.M = 8
	opts.EfConstruction = 40
	opts.EfSearch = 40

	idx, err := b.Build(context.Background(), vectors, testDim, index.KindHNSW, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(400), idx.Ntotal())

	// 近似索引不保证精确命中，验证返回的都是有效ID且距离有序
	dists, ids, err := idx.Search(vectors[0], 5)
	require.NoError(t, err)
	for i, id := range ids {
		assert.GreaterOrEqual(t, id, int64(0))
		assert.Less(t, id, int64(400))
		if i > 0 {
			assert.GreaterOrEqual(t, dists[i], dists[i-1])
		}
	}
}

func TestBuildRejectsDimensionMismatch(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(10, 4)
	vectors[5] = make([]float32, testDim+1)

	_, err := b.Build(context.Background(), vectors, testDim, index.KindFlat, index.DefaultOptions())
	assert.Error(t, err)
}

func TestBuildEmptyInput(t *testing.T) {
	b := newTestBuilder(100)
	_, err := b.Build(context.Background(), nil, testDim, index.KindFlat, index.DefaultOptions())
	assert.Error(t, err)
}

func TestBuildToFileAtomic(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(50, 5)
	path := filepath.Join(t.TempDir(), "out.vxi")

	err := b.BuildToFile(context.Background(), vectors, testDim, index.KindFlat, index.DefaultOptions(), path)
	require.NoError(t, err)

	// 没有残留的临时文件
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".temp")
	}

	loaded, err := index.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(50), loaded.Ntotal())
}

func TestIndexFromBatchesFlat(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(250, 6)

	batches := make(chan [][]float32, 3)
	for i := 0; i < 250; i += 100 {
		end := i + 100
		if end > 250 {
			end = 250
		}
		batches <- vectors[i:end]
	}
	close(batches)

	idx, err := b.IndexFromBatches(context.Background(), batches, testDim, index.KindFlat, index.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(250), idx.Ntotal())
}

func TestIndexFromBatchesIVFShortStream(t *testing.T) {
	b := newTestBuilder(100)
	vectors := randomVectors(300, 7)
	opts := index.DefaultOptions()
	opts.Nlist = 4
	opts.Nprobe = 4

	// 批次总量不足训练样本数，流结束时用缓冲数据训练
	batches := make(chan [][]float32, 3)
	batches <- vectors[:100]
	batches <- vectors[100:200]
	batches <- vectors[200:]
	close(batches)

	idx, err := b.IndexFromBatches(context.Background(), batches, testDim, index.KindIVF, opts)
	require.NoError(t, err)
	require.Equal(t, int64(300), idx.Ntotal())
	assert.True(t, idx.(*index.IVF).Trained())
}

func TestIndexFromBatchesEmpty(t *testing.T) {
	b := newTestBuilder(100)
	batches := make(chan [][]float32)
	close(batches)

	_, err := b.IndexFromBatches(context.Background(), batches, testDim, index.KindFlat, index.DefaultOptions())
	assert.Error(t, err)
}

func TestOptimizeForSearch(t *testing.T) {
	ivf := index.NewIVF(testDim, 100, 1)
	OptimizeForSearch(ivf)
	assert.Equal(t, 10, ivf.Nprobe())

	h := index.NewHNSW(testDim, 8, 40, 10)
	OptimizeForSearch(h)
	assert.Equal(t, 32, h.EfSearch())
}

func TestLocalTaskRunnerPropagatesError(t *testing.T) {
	r := NewLocalTaskRunner(2)
	tasks := []func(ctx context.Context) error{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return fmt.Errorf("分片失败") },
		func(ctx context.Context) error { return nil },
	}
	err := r.Run(context.Background(), tasks)
	assert.Error(t, err)
}
