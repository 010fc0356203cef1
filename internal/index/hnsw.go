package index

import (
	"fmt"
	"math"
	"math/rand"
)

// HNSW 分层小世界图索引。上层图稀疏用于粗定位，
// 第0层包含全部节点用于精确邻域扩展。
type HNSW struct {
	dim            int
	m              int // 每节点每层的目标连接数
	maxM0          int // 第0层的连接上限
	efConstruction int
	efSearch       int

	vectors  []float32
	levels   []int32
	links    [][][]int32 // 节点 -> 层 -> 邻居
	entry    int32
	maxLevel int32

	levelMult float64
	rng       *rand.Rand
}

// NewHNSW 创建空的HNSW索引
func NewHNSW(dim, m, efConstruction, efSearch int) *HNSW {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 40
	}
	if efSearch <= 0 {
		efSearch = 64
	}
	return &HNSW{
		dim:            dim,
		m:              m,
		maxM0:          m * 2,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		entry:          -1,
		maxLevel:       -1,
		levelMult:      1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(42)),
	}
}

func (h *HNSW) Kind() Kind          { return KindHNSW }
func (h *HNSW) Dimension() int      { return h.dim }
func (h *HNSW) Ntotal() int64       { return int64(len(h.levels)) }
func (h *HNSW) M() int              { return h.m }
func (h *HNSW) EfConstruction() int { return h.efConstruction }
func (h *HNSW) EfSearch() int       { return h.efSearch }

// SetEfSearch 调整检索时的搜索深度（检索调优参数）
func (h *HNSW) SetEfSearch(ef int) {
	if ef > 0 {
		h.efSearch = ef
	}
}

func (h *HNSW) vector(id int32) []float32 {
	return h.vectors[int(id)*h.dim : (int(id)+1)*h.dim]
}

// randomLevel 按指数分布抽取节点层数
func (h *HNSW) randomLevel() int32 {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}
	return int32(-math.Log(r) * h.levelMult)
}

// Add 逐个插入一批向量
func (h *HNSW) Add(vectors [][]float32) error {
	if err := checkDims(vectors, h.dim); err != nil {
		return err
	}
	for _, v := range vectors {
		h.insert(v)
	}
	return nil
}

func (h *HNSW) insert(v []float32) {
	id := int32(len(h.levels))
	level := h.randomLevel()

	h.vectors = append(h.vectors, v...)
	h.levels = append(h.levels, level)
	nodeLinks := make([][]int32, level+1)
	h.links = append(h.links, nodeLinks)

	if h.entry < 0 {
		h.entry = id
		h.maxLevel = level
		return
	}

	cur := h.entry
	// 上层贪心下降到目标层
	for l := h.maxLevel; l > level; l-- {
		cur = h.greedyClosest(v, cur, l)
	}

	// 逐层建立连接
	for l := min32(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(v, cur, h.efConstruction, l)
		maxConn := h.m
		if l == 0 {
			maxConn = h.maxM0
		}

		selected := candidates
		if len(selected) > h.m {
			selected = selected[:h.m]
		}
		for _, nb := range selected {
			nid := int32(nb.id)
			nodeLinks[l] = append(nodeLinks[l], nid)
			h.links[nid][l] = append(h.links[nid][l], id)
			h.pruneLinks(nid, int(l), maxConn)
		}
		if len(candidates) > 0 {
			cur = int32(candidates[0].id)
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
}

// pruneLinks 邻居数超限时保留距离最近的maxConn个
func (h *HNSW) pruneLinks(id int32, level int, maxConn int) {
	nbrs := h.links[id][level]
	if len(nbrs) <= maxConn {
		return
	}
	base := h.vector(id)
	heap := newNearestHeap(maxConn)
	for _, nid := range nbrs {
		heap.push(neighbor{id: int64(nid), dist: l2(base, h.vector(nid))})
	}
	kept := heap.sorted()
	out := make([]int32, 0, len(kept))
	for _, nb := range kept {
		out = append(out, int32(nb.id))
	}
	h.links[id][level] = out
}

// greedyClosest 在指定层贪心走到距query最近的节点
func (h *HNSW) greedyClosest(query []float32, start int32, level int32) int32 {
	cur := start
	curDist := l2(query, h.vector(cur))
	for {
		improved := false
		if int(level) < len(h.links[cur]) {
			for _, nid := range h.links[cur][level] {
				if d := l2(query, h.vector(nid)); d < curDist {
					cur, curDist = nid, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer 在指定层做ef宽度的最佳优先搜索，返回按距离升序的候选
func (h *HNSW) searchLayer(query []float32, entry int32, ef int, level int32) []neighbor {
	visited := map[int32]bool{entry: true}
	entryDist := l2(query, h.vector(entry))

	results := newNearestHeap(ef)
	results.push(neighbor{id: int64(entry), dist: entryDist})

	// 候选最小堆（手写，复用neighbor）
	candidates := []neighbor{{id: int64(entry), dist: entryDist}}

	for len(candidates) > 0 {
		// 弹出最近候选
		best := 0
		for i := range candidates {
			if candidates[i].dist < candidates[best].dist {
				best = i
			}
		}
		cand := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)

		if cand.dist > results.worst() {
			break
		}

		node := int32(cand.id)
		if int(level) >= len(h.links[node]) {
			continue
		}
		for _, nid := range h.links[node][level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			d := l2(query, h.vector(nid))
			if d < results.worst() {
				results.push(neighbor{id: int64(nid), dist: d})
				candidates = append(candidates, neighbor{id: int64(nid), dist: d})
			}
		}
	}
	return results.sorted()
}

// Search 返回k个近似最近邻
func (h *HNSW) Search(query []float32, k int) ([]float32, []int64, error) {
	if len(query) != h.dim {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dim)
	}
	if k <= 0 {
		return nil, nil, fmt.Errorf("k必须大于0: %d", k)
	}
	if h.entry < 0 {
		distances, ids := fillResults(nil, k)
		return distances, ids, nil
	}

	cur := h.entry
	for l := h.maxLevel; l > 0; l-- {
		cur = h.greedyClosest(query, cur, l)
	}

	ef := h.efSearch
	if ef < k {
		ef = k
	}
	found := h.searchLayer(query, cur, ef, 0)
	if len(found) > k {
		found = found[:k]
	}
	distances, ids := fillResults(found, k)
	return distances, ids, nil
}

// Reconstruct 取回指定位置的向量
func (h *HNSW) Reconstruct(id int64) ([]float32, error) {
	if id < 0 || id >= h.Ntotal() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	out := make([]float32, h.dim)
	copy(out, h.vector(int32(id)))
	return out, nil
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
