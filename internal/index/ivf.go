package index

import (
	"fmt"
	"math/rand"
)

// IVF 倒排文件索引。训练阶段用k-means求出nlist个聚类中心，
// 向量按最近中心分配到倒排表；检索只扫描nprobe个最近的表。
// 训练必须在第一次Add之前完成。
type IVF struct {
	dim    int
	nlist  int
	nprobe int

	trained   bool
	centroids []float32 // nlist * dim
	listIDs   [][]int64
	listVecs  [][]float32
	ntotal    int64
}

// NewIVF 创建未训练的IVF索引
func NewIVF(dim, nlist, nprobe int) *IVF {
	if nlist <= 0 {
		nlist = 100
	}
	if nprobe <= 0 {
		nprobe = 10
	}
	if nprobe > nlist {
		nprobe = nlist
	}
	return &IVF{
		dim:      dim,
		nlist:    nlist,
		nprobe:   nprobe,
		listIDs:  make([][]int64, nlist),
		listVecs: make([][]float32, nlist),
	}
}

func (ivf *IVF) Kind() Kind     { return KindIVF }
func (ivf *IVF) Dimension() int { return ivf.dim }
func (ivf *IVF) Ntotal() int64  { return ivf.ntotal }
func (ivf *IVF) Nlist() int     { return ivf.nlist }
func (ivf *IVF) Nprobe() int    { return ivf.nprobe }
func (ivf *IVF) Trained() bool  { return ivf.trained }

// SetNprobe 调整检索探测的聚类数（检索调优参数）
func (ivf *IVF) SetNprobe(nprobe int) {
	if nprobe <= 0 {
		return
	}
	if nprobe > ivf.nlist {
		nprobe = ivf.nlist
	}
	ivf.nprobe = nprobe
}

// EmptyLists 返回空倒排表数量（碎片率计算用）
func (ivf *IVF) EmptyLists() int {
	if !ivf.trained {
		return 0
	}
	empty := 0
	for _, ids := range ivf.listIDs {
		if len(ids) == 0 {
			empty++
		}
	}
	return empty
}

// Train 用k-means训练聚类中心。训练样本数少于nlist时聚类数降级。
func (ivf *IVF) Train(vectors [][]float32) error {
	if ivf.trained {
		return nil
	}
	if len(vectors) == 0 {
		return fmt.Errorf("训练样本为空")
	}
	if err := checkDims(vectors, ivf.dim); err != nil {
		return err
	}

	nlist := ivf.nlist
	if len(vectors) < nlist {
		nlist = len(vectors)
		ivf.nlist = nlist
		ivf.listIDs = make([][]int64, nlist)
		ivf.listVecs = make([][]float32, nlist)
		if ivf.nprobe > nlist {
			ivf.nprobe = nlist
		}
	}

	ivf.centroids = kmeans(vectors, nlist, ivf.dim, 10)
	ivf.trained = true
	return nil
}

// kmeans Lloyd迭代求聚类中心
func kmeans(vectors [][]float32, k, dim, iterations int) []float32 {
	rng := rand.New(rand.NewSource(42))
	centroids := make([]float32, k*dim)

	// 随机采样初始化
	perm := rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i%len(perm)]])
	}

	assign := make([]int, len(vectors))
	for iter := 0; iter < iterations; iter++ {
		// 分配
		changed := false
		for vi, v := range vectors {
			best, bestDist := 0, float32(0)
			for ci := 0; ci < k; ci++ {
				d := l2(v, centroids[ci*dim:(ci+1)*dim])
				if ci == 0 || d < bestDist {
					best, bestDist = ci, d
				}
			}
			if assign[vi] != best {
				assign[vi] = best
				changed = true
			}
		}

		// 更新中心
		counts := make([]int, k)
		sums := make([]float32, k*dim)
		for vi, v := range vectors {
			ci := assign[vi]
			counts[ci]++
			for j, x := range v {
				sums[ci*dim+j] += x
			}
		}
		for ci := 0; ci < k; ci++ {
			if counts[ci] == 0 {
				// 空簇：重新采样一个点作为中心
				copy(centroids[ci*dim:(ci+1)*dim], vectors[rng.Intn(len(vectors))])
				continue
			}
			for j := 0; j < dim; j++ {
				centroids[ci*dim+j] = sums[ci*dim+j] / float32(counts[ci])
			}
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}

// nearestCentroids 返回距query最近的n个聚类编号
func (ivf *IVF) nearestCentroids(query []float32, n int) []int64 {
	heap := newNearestHeap(n)
	for ci := 0; ci < ivf.nlist; ci++ {
		d := l2(query, ivf.centroids[ci*ivf.dim:(ci+1)*ivf.dim])
		heap.push(neighbor{id: int64(ci), dist: d})
	}
	nearest := heap.sorted()
	out := make([]int64, 0, len(nearest))
	for _, nb := range nearest {
		out = append(out, nb.id)
	}
	return out
}

// Add 追加一批向量。索引未训练时报错。
func (ivf *IVF) Add(vectors [][]float32) error {
	if !ivf.trained {
		return ErrNotTrained
	}
	if err := checkDims(vectors, ivf.dim); err != nil {
		return err
	}
	for _, v := range vectors {
		ci := ivf.nearestCentroids(v, 1)[0]
		ivf.listIDs[ci] = append(ivf.listIDs[ci], ivf.ntotal)
		ivf.listVecs[ci] = append(ivf.listVecs[ci], v...)
		ivf.ntotal++
	}
	return nil
}

// Search 扫描nprobe个最近倒排表返回k个最近邻
func (ivf *IVF) Search(query []float32, k int) ([]float32, []int64, error) {
	if len(query) != ivf.dim {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), ivf.dim)
	}
	if k <= 0 {
		return nil, nil, fmt.Errorf("k必须大于0: %d", k)
	}
	if !ivf.trained {
		return nil, nil, ErrNotTrained
	}

	heap := newNearestHeap(k)
	for _, ci := range ivf.nearestCentroids(query, ivf.nprobe) {
		ids := ivf.listIDs[ci]
		vecs := ivf.listVecs[ci]
		for i, id := range ids {
			vec := vecs[i*ivf.dim : (i+1)*ivf.dim]
			heap.push(neighbor{id: id, dist: l2(query, vec)})
		}
	}
	distances, ids := fillResults(heap.sorted(), k)
	return distances, ids, nil
}

// Reconstruct 取回指定位置的向量（倒排表线性查找，仅维护路径使用）
func (ivf *IVF) Reconstruct(id int64) ([]float32, error) {
	if id < 0 || id >= ivf.ntotal {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	for ci := range ivf.listIDs {
		for i, vid := range ivf.listIDs[ci] {
			if vid == id {
				out := make([]float32, ivf.dim)
				copy(out, ivf.listVecs[ci][i*ivf.dim:(i+1)*ivf.dim])
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
}
