package index

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "index.vxi"), testDim, KindFlat, DefaultOptions())
	require.NoError(t, err)
	return s
}

func TestStoreAddAndSearch(t *testing.T) {
	s := newTestStore(t)
	vectors := randomVectors(20, 1)

	for i, v := range vectors {
		require.NoError(t, s.Add(v, fmt.Sprintf("doc-%d", i)))
	}
	assert.Equal(t, int64(20), s.GetTotal())

	_, ids, err := s.Search(vectors[7], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ids[0])

	docID, ok := s.DocID(ids[0])
	require.True(t, ok)
	assert.Equal(t, "doc-7", docID)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.vxi")
	s, err := NewStore(path, testDim, KindFlat, DefaultOptions())
	require.NoError(t, err)

	vectors := randomVectors(15, 2)
	docIDs := make([]string, len(vectors))
	for i := range docIDs {
		docIDs[i] = fmt.Sprintf("doc-%d", i)
	}
	require.NoError(t, s.AddBatch(vectors, docIDs))

	// 重新打开后向量和doc映射都在
	s2, err := NewStore(path, testDim, KindFlat, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(15), s2.GetTotal())

	_, ids, err := s2.Search(vectors[3], 1)
	require.NoError(t, err)
	docID, ok := s2.DocID(ids[0])
	require.True(t, ok)
	assert.Equal(t, "doc-3", docID)
}

func TestStoreDimensionMismatchOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.vxi")
	s, err := NewStore(path, testDim, KindFlat, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Add(randomVectors(1, 3)[0], "doc"))

	_, err = NewStore(path, testDim+4, KindFlat, DefaultOptions())
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestStoreBatchLengthMismatch(t *testing.T) {
	s := newTestStore(t)
	err := s.AddBatch(randomVectors(3, 4), []string{"only-one"})
	assert.Error(t, err)
	assert.Equal(t, int64(0), s.GetTotal())
}

func TestStoreConcurrentReadWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(randomVectors(1, 5)[0], "seed"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				v := randomVectors(1, int64(n*100+j))[0]
				_ = s.Add(v, fmt.Sprintf("w%d-%d", n, j))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := randomVectors(1, 999)[0]
			for j := 0; j < 50; j++ {
				_, _, err := s.Search(q, 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(81), s.GetTotal())
}

func TestStoreFragmentationFlatIsZero(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(randomVectors(1, 6)[0], "doc"))
	assert.Equal(t, 0.0, s.Fragmentation())
}

func TestStoreVacuumFlat(t *testing.T) {
	s := newTestStore(t)
	vectors := randomVectors(30, 7)
	docIDs := make([]string, len(vectors))
	for i := range docIDs {
		docIDs[i] = fmt.Sprintf("doc-%d", i)
	}
	require.NoError(t, s.AddBatch(vectors, docIDs))

	before, after, err := s.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, int64(30), before)
	assert.Equal(t, int64(30), after)

	// vacuum后检索结果不变
	_, ids, err := s.Search(vectors[11], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), ids[0])
}
