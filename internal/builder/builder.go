package builder

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/index"
	"github.com/aihub/vector-go/internal/logger"
)

// IVF训练采样上限：每个聚类中心最多采样的向量数
const trainSamplesPerList = 256

// Builder 批量索引构建器。大数据集按分片处理，
// HNSW的分片图并行构建后合并，IVF先训练聚类中心再写入。
type Builder struct {
	runner    TaskRunner
	chunkSize int
	log       *zap.Logger
}

// NewBuilder 创建构建器
func NewBuilder(runner TaskRunner, cfg config.BuilderConfig) *Builder {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	return &Builder{
		runner:    runner,
		chunkSize: chunkSize,
		log:       logger.Named("builder"),
	}
}

// Build 从全量向量构建索引
func (b *Builder) Build(ctx context.Context, vectors [][]float32, dim int, kind index.Kind, opts index.Options) (index.VectorIndex, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("向量集为空，无法构建索引")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("第%d个向量维度不匹配: 期望%d实际%d", i, dim, len(v))
		}
	}

	start := time.Now()
	var (
		idx index.VectorIndex
		err error
	)
	switch kind {
	case index.KindFlat:
		idx, err = b.buildChunked(ctx, vectors, dim, kind, opts)
	case index.KindIVF:
		idx, err = b.buildIVF(ctx, vectors, dim, opts)
	case index.KindHNSW:
		idx, err = b.buildHNSW(ctx, vectors, dim, opts)
	default:
		return nil, index.ErrUnknownKind
	}
	if err != nil {
		return nil, err
	}

	b.log.Info("索引构建完成",
		zap.String("kind", kind.String()),
		zap.Int("vectors", len(vectors)),
		zap.Duration("elapsed", time.Since(start)))
	return idx, nil
}

// buildChunked 分片顺序写入（flat索引的追加是纯拷贝，无需并行）
func (b *Builder) buildChunked(ctx context.Context, vectors [][]float32, dim int, kind index.Kind, opts index.Options) (index.VectorIndex, error) {
	idx, err := index.New(kind, dim, opts)
	if err != nil {
		return nil, err
	}
	for offset := 0; offset < len(vectors); offset += b.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + b.chunkSize
		if end > len(vectors) {
			end = len(vectors)
		}
		if err := idx.Add(vectors[offset:end]); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// buildIVF 先在采样上训练聚类中心，再分片写入全部向量
func (b *Builder) buildIVF(ctx context.Context, vectors [][]float32, dim int, opts index.Options) (index.VectorIndex, error) {
	ivf := index.NewIVF(dim, opts.Nlist, opts.Nprobe)

	samples := sampleVectors(vectors, trainSamplesPerList*opts.Nlist)
	b.log.Info("训练IVF聚类中心",
		zap.Int("nlist", opts.Nlist),
		zap.Int("samples", len(samples)))
	if err := ivf.Train(samples); err != nil {
		return nil, fmt.Errorf("训练IVF失败: %w", err)
	}

	for offset := 0; offset < len(vectors); offset += b.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + b.chunkSize
		if end > len(vectors) {
			end = len(vectors)
		}
		if err := ivf.Add(vectors[offset:end]); err != nil {
			return nil, err
		}
	}
	return ivf, nil
}

// buildHNSW 并行构建分片图再顺序合并。图结构的插入有全局依赖，
// 合并通过重建向量逐个插入目标图完成。
func (b *Builder) buildHNSW(ctx context.Context, vectors [][]float32, dim int, opts index.Options) (index.VectorIndex, error) {
	nChunks := (len(vectors) + b.chunkSize - 1) / b.chunkSize
	if nChunks <= 1 {
		h := index.NewHNSW(dim, opts.M, opts.EfConstruction, opts.EfSearch)
		if err := h.Add(vectors); err != nil {
			return nil, err
		}
		return h, nil
	}

	tmpDir, err := os.MkdirTemp("", "hnsw-build-")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	paths := make([]string, nChunks)
	tasks := make([]func(ctx context.Context) error, nChunks)
	for i := 0; i < nChunks; i++ {
		i := i
		start := i * b.chunkSize
		end := start + b.chunkSize
		if end > len(vectors) {
			end = len(vectors)
		}
		chunk := vectors[start:end]
		paths[i] = filepath.Join(tmpDir, fmt.Sprintf("part-%04d.vxi", i))
		tasks[i] = func(ctx context.Context) error {
			partial := index.NewHNSW(dim, opts.M, opts.EfConstruction, opts.EfSearch)
			if err := partial.Add(chunk); err != nil {
				return err
			}
			return index.WriteFile(partial, paths[i])
		}
	}

	b.log.Info("并行构建HNSW分片", zap.Int("chunks", nChunks))
	if err := b.runner.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("构建HNSW分片失败: %w", err)
	}

	// 第一个分片作为合并基底，其余分片重建后插入
	merged, err := index.ReadFile(paths[0])
	if err != nil {
		return nil, fmt.Errorf("读取HNSW分片失败: %w", err)
	}
	target := merged.(*index.HNSW)
	for _, p := range paths[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, err := index.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("读取HNSW分片失败: %w", err)
		}
		if err := mergeInto(target, part); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// mergeInto 将src的全部向量重建后插入dst
func mergeInto(dst *index.HNSW, src index.VectorIndex) error {
	total := src.Ntotal()
	batch := make([][]float32, 0, 1024)
	for id := int64(0); id < total; id++ {
		v, err := src.Reconstruct(id)
		if err != nil {
			return fmt.Errorf("重建向量%d失败: %w", id, err)
		}
		batch = append(batch, v)
		if len(batch) == cap(batch) {
			if err := dst.Add(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return dst.Add(batch)
	}
	return nil
}

// sampleVectors 无放回随机采样，n大于总量时返回全部
func sampleVectors(vectors [][]float32, n int) [][]float32 {
	if n >= len(vectors) {
		return vectors
	}
	rng := rand.New(rand.NewSource(42))
	perm := rng.Perm(len(vectors))
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		out[i] = vectors[perm[i]]
	}
	return out
}

// BuildToFile 构建索引并原子写入目标路径。
// 通过跨进程文件锁防止并发构建写坏同一个索引文件。
func (b *Builder) BuildToFile(ctx context.Context, vectors [][]float32, dim int, kind index.Kind, opts index.Options, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建索引目录失败: %w", err)
	}

	flk := flock.New(path + ".lock")
	locked, err := flk.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("获取索引文件锁失败: %w", err)
	}
	if !locked {
		return fmt.Errorf("索引文件被其他进程锁定: %s", path)
	}
	defer flk.Unlock()

	idx, err := b.Build(ctx, vectors, dim, kind, opts)
	if err != nil {
		return err
	}
	OptimizeForSearch(idx)
	return index.WriteFile(idx, path)
}

// IndexFromBatches 从批次流构建索引。IVF会先缓冲到足够的训练样本量，
// 训练后开始写入并继续消费后续批次。
func (b *Builder) IndexFromBatches(ctx context.Context, batches <-chan [][]float32, dim int, kind index.Kind, opts index.Options) (index.VectorIndex, error) {
	if kind != index.KindIVF {
		idx, err := index.New(kind, dim, opts)
		if err != nil {
			return nil, err
		}
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case batch, ok := <-batches:
				if !ok {
					if idx.Ntotal() == 0 {
						return nil, fmt.Errorf("批次流为空，无法构建索引")
					}
					return idx, nil
				}
				if err := idx.Add(batch); err != nil {
					return nil, err
				}
			}
		}
	}

	ivf := index.NewIVF(dim, opts.Nlist, opts.Nprobe)
	need := trainSamplesPerList * opts.Nlist
	var buffered [][]float32
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				if len(buffered) == 0 && !ivf.Trained() {
					return nil, fmt.Errorf("批次流为空，无法构建索引")
				}
				if !ivf.Trained() {
					if err := ivf.Train(buffered); err != nil {
						return nil, fmt.Errorf("训练IVF失败: %w", err)
					}
				}
				if len(buffered) > 0 {
					if err := ivf.Add(buffered); err != nil {
						return nil, err
					}
				}
				return ivf, nil
			}
			if ivf.Trained() {
				if err := ivf.Add(batch); err != nil {
					return nil, err
				}
				continue
			}
			buffered = append(buffered, batch...)
			if len(buffered) >= need {
				if err := ivf.Train(sampleVectors(buffered, need)); err != nil {
					return nil, fmt.Errorf("训练IVF失败: %w", err)
				}
				if err := ivf.Add(buffered); err != nil {
					return nil, err
				}
				buffered = nil
			}
		}
	}
}

// OptimizeForSearch 按索引规模调整检索参数
func OptimizeForSearch(idx index.VectorIndex) {
	switch v := idx.(type) {
	case *index.IVF:
		// nprobe约为nlist的十分之一，小索引至少探测1个
		nprobe := v.Nlist() / 10
		if nprobe < 1 {
			nprobe = 1
		}
		v.SetNprobe(nprobe)
	case *index.HNSW:
		ef := v.EfSearch()
		if v.Ntotal() > 100000 && ef < 64 {
			v.SetEfSearch(64)
		} else if ef < 32 {
			v.SetEfSearch(32)
		}
	}
}
