package index

import "fmt"

// Flat 精确暴力检索索引。向量连续存储，检索时全量扫描。
type Flat struct {
	dim  int
	data []float32
}

// NewFlat 创建空的flat索引
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

func (f *Flat) Kind() Kind     { return KindFlat }
func (f *Flat) Dimension() int { return f.dim }
func (f *Flat) Ntotal() int64  { return int64(len(f.data) / f.dim) }

// Add 追加一批向量
func (f *Flat) Add(vectors [][]float32) error {
	if err := checkDims(vectors, f.dim); err != nil {
		return err
	}
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	return nil
}

// Search 全量扫描返回k个最近邻
func (f *Flat) Search(query []float32, k int) ([]float32, []int64, error) {
	if len(query) != f.dim {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), f.dim)
	}
	if k <= 0 {
		return nil, nil, fmt.Errorf("k必须大于0: %d", k)
	}

	heap := newNearestHeap(k)
	n := f.Ntotal()
	for i := int64(0); i < n; i++ {
		vec := f.data[i*int64(f.dim) : (i+1)*int64(f.dim)]
		heap.push(neighbor{id: i, dist: l2(query, vec)})
	}
	distances, ids := fillResults(heap.sorted(), k)
	return distances, ids, nil
}

// Reconstruct 取回指定位置的向量
func (f *Flat) Reconstruct(id int64) ([]float32, error) {
	if id < 0 || id >= f.Ntotal() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	out := make([]float32, f.dim)
	copy(out, f.data[id*int64(f.dim):(id+1)*int64(f.dim)])
	return out, nil
}
