package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// 索引文件格式：
//   header（定长48字节，可独立读取用于快速损坏检测）
//   kind相关的数据段
const (
	fileMagic   = "VXI1"
	fileVersion = uint32(1)
	headerSize  = 48
)

// Header 索引文件头
type Header struct {
	Version   uint32
	Kind      Kind
	Dimension uint32
	Ntotal    uint64
	// kind相关参数：IVF为(nlist, nprobe)，HNSW为(m, efConstruction)，flat为0
	ParamA uint32
	ParamB uint32
}

func writeHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Kind))
	binary.LittleEndian.PutUint32(buf[12:16], h.Dimension)
	binary.LittleEndian.PutUint64(buf[16:24], h.Ntotal)
	binary.LittleEndian.PutUint32(buf[24:28], h.ParamA)
	binary.LittleEndian.PutUint32(buf[28:32], h.ParamB)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("读取文件头失败: %w", err)
	}
	if string(buf[0:4]) != fileMagic {
		return Header{}, fmt.Errorf("无效的索引文件magic: %q", buf[0:4])
	}
	h := Header{
		Version:   binary.LittleEndian.Uint32(buf[4:8]),
		Kind:      Kind(binary.LittleEndian.Uint32(buf[8:12])),
		Dimension: binary.LittleEndian.Uint32(buf[12:16]),
		Ntotal:    binary.LittleEndian.Uint64(buf[16:24]),
		ParamA:    binary.LittleEndian.Uint32(buf[24:28]),
		ParamB:    binary.LittleEndian.Uint32(buf[28:32]),
	}
	if h.Version != fileVersion {
		return Header{}, fmt.Errorf("不支持的索引文件版本: %d", h.Version)
	}
	if h.Kind > KindHNSW {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}
	if h.Dimension == 0 {
		return Header{}, fmt.Errorf("文件头维度为0")
	}
	return h, nil
}

// ReadHeader 只读取文件头（损坏检测的第一阶段，不加载数据段）
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return readHeader(f)
}

// WriteFile 原子写入索引文件：写临时文件，成功后rename覆盖。
// 失败时原文件保持不变。
func WriteFile(idx VectorIndex, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建索引目录失败: %w", err)
	}

	tmp := path + ".temp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建临时索引文件失败: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := writeIndex(w, idx); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换索引文件失败: %w", err)
	}
	return nil
}

// ReadFile 从文件加载索引
func ReadFile(path string) (VectorIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	switch h.Kind {
	case KindFlat:
		return readFlat(r, h)
	case KindIVF:
		return readIVF(r, h)
	case KindHNSW:
		return readHNSW(r, h)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}
}

func writeIndex(w io.Writer, idx VectorIndex) error {
	switch v := idx.(type) {
	case *Flat:
		return writeFlat(w, v)
	case *IVF:
		return writeIVF(w, v)
	case *HNSW:
		return writeHNSW(w, v)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, idx)
	}
}

func writeFloat32s(w io.Writer, data []float32) error {
	buf := make([]byte, 4*len(data))
	for i, x := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	_, err := w.Write(buf)
	return err
}

func readFloat32s(r io.Reader, n int) ([]float32, error) {
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func writeFlat(w io.Writer, f *Flat) error {
	h := Header{
		Version:   fileVersion,
		Kind:      KindFlat,
		Dimension: uint32(f.dim),
		Ntotal:    uint64(f.Ntotal()),
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	return writeFloat32s(w, f.data)
}

func readFlat(r io.Reader, h Header) (*Flat, error) {
	f := NewFlat(int(h.Dimension))
	data, err := readFloat32s(r, int(h.Ntotal)*f.dim)
	if err != nil {
		return nil, fmt.Errorf("读取flat数据段失败: %w", err)
	}
	f.data = data
	return f, nil
}

func writeIVF(w io.Writer, ivf *IVF) error {
	h := Header{
		Version:   fileVersion,
		Kind:      KindIVF,
		Dimension: uint32(ivf.dim),
		Ntotal:    uint64(ivf.ntotal),
		ParamA:    uint32(ivf.nlist),
		ParamB:    uint32(ivf.nprobe),
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	var trained uint32
	if ivf.trained {
		trained = 1
	}
	if err := binary.Write(w, binary.LittleEndian, trained); err != nil {
		return err
	}
	if !ivf.trained {
		return nil
	}
	if err := writeFloat32s(w, ivf.centroids); err != nil {
		return err
	}
	for ci := 0; ci < ivf.nlist; ci++ {
		ids := ivf.listIDs[ci]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ids); err != nil {
			return err
		}
		if err := writeFloat32s(w, ivf.listVecs[ci]); err != nil {
			return err
		}
	}
	return nil
}

func readIVF(r io.Reader, h Header) (*IVF, error) {
	ivf := NewIVF(int(h.Dimension), int(h.ParamA), int(h.ParamB))
	var trained uint32
	if err := binary.Read(r, binary.LittleEndian, &trained); err != nil {
		return nil, fmt.Errorf("读取IVF训练标记失败: %w", err)
	}
	if trained == 0 {
		return ivf, nil
	}
	centroids, err := readFloat32s(r, ivf.nlist*ivf.dim)
	if err != nil {
		return nil, fmt.Errorf("读取IVF聚类中心失败: %w", err)
	}
	ivf.centroids = centroids
	ivf.trained = true

	for ci := 0; ci < ivf.nlist; ci++ {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("读取倒排表%d长度失败: %w", ci, err)
		}
		ids := make([]int64, count)
		if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
			return nil, fmt.Errorf("读取倒排表%d的id失败: %w", ci, err)
		}
		vecs, err := readFloat32s(r, int(count)*ivf.dim)
		if err != nil {
			return nil, fmt.Errorf("读取倒排表%d的向量失败: %w", ci, err)
		}
		ivf.listIDs[ci] = ids
		ivf.listVecs[ci] = vecs
	}
	ivf.ntotal = int64(h.Ntotal)
	return ivf, nil
}

func writeHNSW(w io.Writer, g *HNSW) error {
	h := Header{
		Version:   fileVersion,
		Kind:      KindHNSW,
		Dimension: uint32(g.dim),
		Ntotal:    uint64(g.Ntotal()),
		ParamA:    uint32(g.m),
		ParamB:    uint32(g.efConstruction),
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.entry); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.maxLevel); err != nil {
		return err
	}
	if err := writeFloat32s(w, g.vectors); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.levels); err != nil {
		return err
	}
	for _, nodeLinks := range g.links {
		for _, nbrs := range nodeLinks {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(nbrs))); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, nbrs); err != nil {
				return err
			}
		}
	}
	return nil
}

func readHNSW(r io.Reader, h Header) (*HNSW, error) {
	g := NewHNSW(int(h.Dimension), int(h.ParamA), int(h.ParamB), 0)
	n := int(h.Ntotal)

	if err := binary.Read(r, binary.LittleEndian, &g.entry); err != nil {
		return nil, fmt.Errorf("读取HNSW入口节点失败: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &g.maxLevel); err != nil {
		return nil, fmt.Errorf("读取HNSW层数失败: %w", err)
	}

	vectors, err := readFloat32s(r, n*g.dim)
	if err != nil {
		return nil, fmt.Errorf("读取HNSW向量失败: %w", err)
	}
	g.vectors = vectors

	g.levels = make([]int32, n)
	if err := binary.Read(r, binary.LittleEndian, g.levels); err != nil {
		return nil, fmt.Errorf("读取HNSW节点层级失败: %w", err)
	}

	g.links = make([][][]int32, n)
	for i := 0; i < n; i++ {
		nodeLinks := make([][]int32, g.levels[i]+1)
		for l := range nodeLinks {
			var count uint32
			if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
				return nil, fmt.Errorf("读取HNSW邻接表失败: %w", err)
			}
			nbrs := make([]int32, count)
			if err := binary.Read(r, binary.LittleEndian, nbrs); err != nil {
				return nil, fmt.Errorf("读取HNSW邻接表失败: %w", err)
			}
			nodeLinks[l] = nbrs
		}
		g.links[i] = nodeLinks
	}
	return g, nil
}
