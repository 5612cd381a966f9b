package ai

import (
	"context"
	"errors"
)

// 能力缺失错误：调用了未注入的能力提供方
var (
	ErrEmbedderUnavailable  = errors.New("embedder unavailable")
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrEncryptorUnavailable = errors.New("encryptor unavailable")
)

// Embedder 文本向量化能力。实现可阻塞，模型身份对核心不可见。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ImageEmbedder 图像向量化能力（可选）
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// LLM 文本生成能力。可能瞬时失败，调用方以有界重试包裹。
type LLM interface {
	Generate(ctx context.Context, prompt string, maxLength int) (string, error)
}

// Encryptor 对称加解密能力，密钥生命周期在核心之外
type Encryptor interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}

// EmbedderFunc 便捷适配器
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// LLMFunc 便捷适配器
type LLMFunc func(ctx context.Context, prompt string, maxLength int) (string, error)

func (f LLMFunc) Generate(ctx context.Context, prompt string, maxLength int) (string, error) {
	return f(ctx, prompt, maxLength)
}
