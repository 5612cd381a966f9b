// Package mock 提供离线环境下可用的确定性能力提供方，
// 供 cmd 演示和单元测试使用。
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder 基于文本哈希生成确定性向量
type Embedder struct {
	dim int
}

// NewEmbedder 创建指定维度的 mock 向量化器
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = 8
	}
	return &Embedder{dim: dim}
}

// Embed 同一文本总是得到同一单位向量
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dim)
	for i := 0; i < m.dim; i++ {
		// LCG 伪随机，结果映射到 [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimension 返回向量维度
func (m *Embedder) Dimension() int { return m.dim }

// LLM 返回固定回复的 mock 生成器
type LLM struct {
	Reply string
}

// Generate 忽略 prompt，返回固定文本
func (m *LLM) Generate(ctx context.Context, prompt string, maxLength int) (string, error) {
	reply := m.Reply
	if reply == "" {
		reply = "5"
	}
	if maxLength > 0 && len(reply) > maxLength {
		reply = reply[:maxLength]
	}
	return reply, nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
