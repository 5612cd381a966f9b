package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"agentcore/internal/ai"

	"go.uber.org/zap"
)

// hybridOversample 加权重排前的过采样倍数
const hybridOversample = 3

// HybridWeights 混合打分权重
type HybridWeights struct {
	Vector  float64
	Keyword float64
	Recency float64
	LLM     float64
}

// DefaultHybridWeights 默认权重
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Vector: 0.5, Keyword: 0.2, Recency: 0.2, LLM: 0.1}
}

// decimalLiteral 回复中的第一个最长十进制字面量
var decimalLiteral = regexp.MustCompile(`[0-9]+(\.[0-9]+)?`)

// HybridRecall 混合召回：向量相似度 + 关键词命中 + 时效 + 可选 LLM 相关性。
// 最终得分 = Σ weight_i · component_i，取过采样候选集加权重排后的前 k 个。
func (m *Memory) HybridRecall(ctx context.Context, query, keyword string, k int, weights *HybridWeights) ([]MemoryResult, error) {
	if m.embedder == nil {
		return nil, ai.ErrEmbedderUnavailable
	}
	w := DefaultHybridWeights()
	if weights != nil {
		w = *weights
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("生成查询向量失败: %w", err)
	}

	// 过采样候选集，仍然剔除过期记录
	pred := m.recallPredicate(&recallParams{})
	found, err := m.store.SearchWithFilter(vec, k*hybridOversample, pred)
	if err != nil {
		return nil, err
	}
	candidates, err := m.toResults(found)
	if err != nil {
		return nil, err
	}

	nowUnix := float64(m.now().Unix())
	keywordLower := strings.ToLower(keyword)
	for i := range candidates {
		c := &candidates[i]

		vectorScore := 1 / (1 + c.Distance)

		keywordScore := 0.0
		if keywordLower != "" && strings.Contains(strings.ToLower(c.Text), keywordLower) {
			keywordScore = 1.0
		}

		recencyScore := 0.0
		if ts, ok := numericValue(c.Metadata[MetaTimestamp]); ok {
			age := nowUnix - ts
			if age < 0 {
				age = 0
			}
			recencyScore = 1 / (1 + age)
		}

		llmScore := 0.0
		if w.LLM > 0 {
			llmScore, err = m.llmRelevance(ctx, query, c.Text)
			if err != nil {
				return nil, err
			}
		}

		c.Score = w.Vector*vectorScore + w.Keyword*keywordScore +
			w.Recency*recencyScore + w.LLM*llmScore
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// llmRelevance 让 LLM 给候选打分。
// 解释规则：取回复中第一个最长十进制字面量除以 10，收缩到 [0, 1]；
// 无 LLM 或解析失败记 0 分。瞬时失败在重试预算内退避重试，
// 预算耗尽后同样降级为 0 分并告警，不中断整次召回。
func (m *Memory) llmRelevance(ctx context.Context, query, text string) (float64, error) {
	if m.llm == nil {
		return 0, nil
	}

	prompt := fmt.Sprintf(
		"请评估以下内容与查询的相关性，只回复 0 到 10 的一个数字。\n查询: %s\n内容: %s",
		query, text,
	)

	var reply string
	err := ai.Retry(ctx, m.maxRetries, m.retryBase, func() error {
		var genErr error
		reply, genErr = m.llm.Generate(ctx, prompt, 16)
		return genErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		m.logger.Warn("LLM 相关性打分失败，按 0 分处理", zap.Error(err))
		return 0, nil
	}

	return parseRelevance(reply), nil
}

// parseRelevance 解析 LLM 回复中的相关性得分
func parseRelevance(reply string) float64 {
	match := decimalLiteral.FindString(reply)
	if match == "" {
		return 0
	}
	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	score := value / 10
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
