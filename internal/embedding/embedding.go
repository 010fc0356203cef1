package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Service 向量化服务接口
type Service interface {
	// Embed 将单段文本转换为向量
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch 批量将文本转换为向量，结果与输入一一对应
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension 返回输出向量维度
	Dimension() int
}

// HashEmbedder 基于内容哈希的确定性向量化实现，用于本地运行和测试。
// 相同文本永远产生相同向量，无需外部服务。
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder 创建确定性向量化器
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("文本为空，无法向量化")
	}
	vec := make([]float32, h.dim)
	sum := sha256.Sum256([]byte(text))
	seed := sum[:]
	var norm float64
	for i := 0; i < h.dim; i++ {
		// 每条哈希链提供7个互不重叠的4字节片段，用完后扩展种子
		if i%7 == 0 && i > 0 {
			next := sha256.Sum256(seed)
			seed = next[:]
		}
		off := (i % 7) * 4
		u := binary.LittleEndian.Uint32(seed[off : off+4])
		v := float32(u%2000)/1000.0 - 1.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
