package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Store 线程安全的索引存储。所有写入和持久化操作串行化在写锁下；
// 检索持读锁，可与其他检索并发，但不会观察到写到一半的索引。
// 磁盘重写期间额外持有跨进程文件锁（多进程可能共享同一索引目录）。
type Store struct {
	mu   sync.RWMutex
	path string
	idx  VectorIndex
	flk  *flock.Flock

	docIDs []string // 位置 -> doc_id，与索引文件同目录持久化
}

// NewStore 打开或创建索引存储。文件存在时加载并校验维度，
// 维度不匹配是致命的配置错误；不存在时创建指定类型的空索引。
func NewStore(path string, dim int, kind Kind, opts Options) (*Store, error) {
	s := &Store{
		path: path,
		flk:  flock.New(path + ".lock"),
	}

	if _, err := os.Stat(path); err == nil {
		idx, err := ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("加载索引文件失败: %w", err)
		}
		if idx.Dimension() != dim {
			return nil, fmt.Errorf("%w: 索引文件维度%d与配置维度%d不一致",
				ErrDimensionMismatch, idx.Dimension(), dim)
		}
		s.idx = idx
		s.docIDs = loadDocIDs(docMapPath(path))
		return s, nil
	}

	idx, err := New(kind, dim, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建索引目录失败: %w", err)
	}
	s.idx = idx
	return s, nil
}

// Path 返回索引文件路径
func (s *Store) Path() string {
	return s.path
}

// FileLock 返回该索引路径的跨进程文件锁（builder、monitor共用）
func (s *Store) FileLock() *flock.Flock {
	return s.flk
}

// Add 追加单个向量并持久化
func (s *Store) Add(vector []float32, docID string) error {
	return s.AddBatch([][]float32{vector}, []string{docID})
}

// AddBatch 追加一批向量并持久化。全部成功或全部失败。
func (s *Store) AddBatch(vectors [][]float32, docIDs []string) error {
	if len(vectors) == 0 {
		return nil
	}
	if len(docIDs) != len(vectors) {
		return fmt.Errorf("向量数%d与doc_id数%d不一致", len(vectors), len(docIDs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.idx.Add(vectors); err != nil {
		return err
	}
	s.docIDs = append(s.docIDs, docIDs...)
	return s.saveLocked()
}

// Search k近邻检索。与其他检索并发，与写入互斥。
func (s *Store) Search(query []float32, k int) ([]float32, []int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Search(query, k)
}

// GetTotal 返回索引中的向量总数
func (s *Store) GetTotal() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Ntotal()
}

// Dimension 返回索引维度
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Dimension()
}

// Kind 返回索引类型
func (s *Store) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Kind()
}

// DocID 返回指定位置对应的doc_id
func (s *Store) DocID(pos int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos < 0 || pos >= int64(len(s.docIDs)) {
		return "", false
	}
	return s.docIDs[pos], true
}

// Save 持久化当前索引到磁盘
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("获取索引文件锁失败: %w", err)
	}
	defer s.flk.Unlock()

	if err := WriteFile(s.idx, s.path); err != nil {
		return err
	}
	return saveDocIDs(docMapPath(s.path), s.docIDs)
}

// Load 从磁盘重新加载索引（rollback、外部rebuild之后调用）
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("重新加载索引失败: %w", err)
	}
	if idx.Dimension() != s.idx.Dimension() {
		return fmt.Errorf("%w: 重新加载后维度%d与原维度%d不一致",
			ErrDimensionMismatch, idx.Dimension(), s.idx.Dimension())
	}
	s.idx = idx
	s.docIDs = loadDocIDs(docMapPath(s.path))
	return nil
}

// Fragmentation 返回索引碎片率（百分比）。
// IVF按空倒排列表占比计算；flat和HNSW没有可回收的结构，恒为0。
func (s *Store) Fragmentation() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ivf, ok := s.idx.(*IVF)
	if !ok || ivf.Nlist() == 0 {
		return 0
	}
	return 100 * float64(ivf.EmptyLists()) / float64(ivf.Nlist())
}

// Vacuum 重建索引以回收碎片。重建前把当前索引文件备份为.bak，
// 重建后的向量总数不允许小于重建前，否则放弃重建保留原索引。
// 返回重建前后的向量数。
func (s *Store) Vacuum() (before, after int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before = s.idx.Ntotal()

	if _, serr := os.Stat(s.path); serr == nil {
		if berr := copyFile(s.path, s.path+".bak"); berr != nil {
			return before, before, fmt.Errorf("备份索引文件失败: %w", berr)
		}
	}

	rebuilt, err := rebuildIndex(s.idx)
	if err != nil {
		return before, before, fmt.Errorf("重建索引失败: %w", err)
	}
	if rebuilt.Ntotal() < before {
		return before, before, fmt.Errorf("重建后向量数减少: %d -> %d", before, rebuilt.Ntotal())
	}

	s.idx = rebuilt
	if err := s.saveLocked(); err != nil {
		return before, rebuilt.Ntotal(), err
	}
	return before, rebuilt.Ntotal(), nil
}

// rebuildIndex 重建同类型的新索引：重建全部向量后按原参数重新插入，
// IVF会在全量向量上重新训练聚类中心
func rebuildIndex(old VectorIndex) (VectorIndex, error) {
	total := old.Ntotal()
	vectors := make([][]float32, 0, total)
	for id := int64(0); id < total; id++ {
		v, err := old.Reconstruct(id)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}

	switch prev := old.(type) {
	case *Flat:
		fresh := NewFlat(old.Dimension())
		if len(vectors) > 0 {
			if err := fresh.Add(vectors); err != nil {
				return nil, err
			}
		}
		return fresh, nil
	case *IVF:
		fresh := NewIVF(old.Dimension(), prev.Nlist(), prev.Nprobe())
		if len(vectors) == 0 {
			return fresh, nil
		}
		if err := fresh.Train(vectors); err != nil {
			return nil, err
		}
		if err := fresh.Add(vectors); err != nil {
			return nil, err
		}
		return fresh, nil
	case *HNSW:
		fresh := NewHNSW(old.Dimension(), prev.M(), prev.EfConstruction(), prev.EfSearch())
		if len(vectors) > 0 {
			if err := fresh.Add(vectors); err != nil {
				return nil, err
			}
		}
		return fresh, nil
	default:
		return nil, ErrUnknownKind
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func docMapPath(indexPath string) string {
	return indexPath + ".docmap.json"
}

func saveDocIDs(path string, docIDs []string) error {
	data, err := json.Marshal(docIDs)
	if err != nil {
		return err
	}
	tmp := path + ".temp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadDocIDs(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
