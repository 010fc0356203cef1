package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/aihub/vector-go/internal/config"
	"github.com/aihub/vector-go/internal/logger"
)

// OpenAIEmbedder 调用OpenAI兼容接口的向量化实现
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
	log    *zap.Logger
}

// NewOpenAIEmbedder 根据配置创建向量化客户端，支持自定义BaseURL兼容接口
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("缺少embedding API key")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		dim:    cfg.Dimension,
		log:    logger.Named("embedding"),
	}, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("文本列表为空")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		e.log.Error("调用embedding接口失败", zap.Error(err), zap.Int("count", len(texts)))
		return nil, fmt.Errorf("向量化失败: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding返回数量不匹配: 期望%d实际%d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding返回索引越界: %d", d.Index)
		}
		if e.dim > 0 && len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("embedding维度不匹配: 期望%d实际%d", e.dim, len(d.Embedding))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// NewFromConfig 按provider选择向量化实现
func NewFromConfig(cfg config.EmbeddingConfig) (Service, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "none", "hash", "":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("不支持的embedding provider: %s", cfg.Provider)
	}
}
