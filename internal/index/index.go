package index

import (
	"errors"
	"fmt"
	"math"
)

// Kind 索引类型
type Kind uint32

const (
	KindFlat Kind = iota // 精确暴力检索
	KindIVF              // 倒排文件索引（需训练）
	KindHNSW             // 分层图索引
)

// String 返回索引类型名称
func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "flat"
	case KindIVF:
		return "ivf"
	case KindHNSW:
		return "hnsw"
	default:
		return "unknown"
	}
}

// ParseKind 解析索引类型名称
func ParseKind(s string) (Kind, error) {
	switch s {
	case "flat":
		return KindFlat, nil
	case "ivf":
		return KindIVF, nil
	case "hnsw":
		return KindHNSW, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, s)
	}
}

// 预定义错误
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnknownKind       = errors.New("unknown index kind")
	ErrNotTrained        = errors.New("index is not trained")
	ErrInvalidID         = errors.New("vector id out of range")
)

// VectorIndex 向量索引抽象。位置（id）由索引顺序分配，永不复用。
type VectorIndex interface {
	Kind() Kind
	Dimension() int
	Ntotal() int64
	// Add 追加一批向量，返回错误时索引保持原状
	Add(vectors [][]float32) error
	// Search 返回k个最近邻的(距离, 位置)。结果不足k个时用(+Inf, -1)填充。
	Search(query []float32, k int) ([]float32, []int64, error)
	// Reconstruct 取回指定位置的原始向量
	Reconstruct(id int64) ([]float32, error)
}

// Options 索引构造参数
type Options struct {
	Nlist          int // IVF聚类中心数
	Nprobe         int // IVF检索探测的聚类数
	M              int // HNSW每节点连接数
	EfConstruction int // HNSW构建时的搜索深度
	EfSearch       int // HNSW检索时的搜索深度
}

// DefaultOptions 默认构造参数
func DefaultOptions() Options {
	return Options{
		Nlist:          100,
		Nprobe:         10,
		M:              16,
		EfConstruction: 40,
		EfSearch:       64,
	}
}

// New 按类型创建空索引
func New(kind Kind, dim int, opts Options) (VectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("维度必须大于0: %d", dim)
	}
	switch kind {
	case KindFlat:
		return NewFlat(dim), nil
	case KindIVF:
		return NewIVF(dim, opts.Nlist, opts.Nprobe), nil
	case KindHNSW:
		return NewHNSW(dim, opts.M, opts.EfConstruction, opts.EfSearch), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// l2 平方欧氏距离（与FAISS的IndexFlatL2一致，返回平方距离）
func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// checkDims 校验一批向量的维度
func checkDims(vectors [][]float32, dim int) error {
	for _, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
		}
	}
	return nil
}

// neighbor 候选近邻
type neighbor struct {
	id   int64
	dist float32
}

// nearestHeap 按距离维护k个最小的候选（大顶堆）
type nearestHeap struct {
	k     int
	items []neighbor
}

func newNearestHeap(k int) *nearestHeap {
	return &nearestHeap{k: k, items: make([]neighbor, 0, k+1)}
}

func (h *nearestHeap) worst() float32 {
	if len(h.items) < h.k {
		return float32(math.Inf(1))
	}
	return h.items[0].dist
}

func (h *nearestHeap) push(n neighbor) {
	if len(h.items) == h.k {
		if n.dist >= h.items[0].dist {
			return
		}
		h.items[0] = n
		h.siftDown(0)
		return
	}
	h.items = append(h.items, n)
	// 上浮
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].dist >= h.items[i].dist {
			break
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *nearestHeap) siftDown(i int) {
	n := len(h.items)
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < n && h.items[left].dist > h.items[largest].dist {
			largest = left
		}
		if right < n && h.items[right].dist > h.items[largest].dist {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}

// sorted 弹出全部元素，按距离升序返回
func (h *nearestHeap) sorted() []neighbor {
	out := make([]neighbor, len(h.items))
	for i := len(h.items) - 1; i >= 0; i-- {
		out[i] = h.items[0]
		last := len(h.items) - 1
		h.items[0] = h.items[last]
		h.items = h.items[:last]
		h.siftDown(0)
	}
	return out
}

// fillResults 把近邻列表填充为定长k的(距离,位置)结果
func fillResults(neighbors []neighbor, k int) ([]float32, []int64) {
	distances := make([]float32, k)
	ids := make([]int64, k)
	for i := 0; i < k; i++ {
		if i < len(neighbors) {
			distances[i] = neighbors[i].dist
			ids[i] = neighbors[i].id
		} else {
			distances[i] = float32(math.Inf(1))
			ids[i] = -1
		}
	}
	return distances, ids
}
