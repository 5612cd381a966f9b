package runtime

import (
	"context"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// contextEncoding BuildContext 估算 token 用的编码
const contextEncoding = "cl100k_base"

// ContextOption 上下文拼装选项
type ContextOption func(*contextParams)

type contextParams struct {
	maxTokens  int
	recallOpts []RecallOption
}

// WithMaxTokens 在字符预算之外叠加 token 预算（tiktoken 计数）。
// 编码器初始化失败时退化为只按字符截断。
func WithMaxTokens(tokens int) ContextOption {
	return func(p *contextParams) { p.maxTokens = tokens }
}

// WithRecallOptions 透传召回过滤选项
func WithRecallOptions(opts ...RecallOption) ContextOption {
	return func(p *contextParams) { p.recallOpts = opts }
}

// BuildContext 召回后把记忆文本按得分序拼成提示词上下文。
// 预算按整条截断，不从条目中间折断，总长不超过 maxChars。
func (m *Memory) BuildContext(ctx context.Context, query string, k, maxChars int, opts ...ContextOption) (string, error) {
	var p contextParams
	for _, opt := range opts {
		opt(&p)
	}

	results, err := m.Recall(ctx, query, k, p.recallOpts...)
	if err != nil {
		return "", err
	}

	var encoder *tiktoken.Tiktoken
	if p.maxTokens > 0 {
		encoder, err = tiktoken.GetEncoding(contextEncoding)
		if err != nil {
			m.logger.Warn("初始化 token 编码器失败，仅按字符预算截断", zap.Error(err))
			encoder = nil
		}
	}

	var builder strings.Builder
	usedChars := 0
	usedTokens := 0
	for _, r := range results {
		entryChars := len(r.Text)
		if builder.Len() > 0 {
			entryChars++ // 换行符
		}
		if maxChars > 0 && usedChars+entryChars > maxChars {
			break
		}
		if encoder != nil {
			entryTokens := len(encoder.Encode(r.Text, nil, nil))
			if usedTokens+entryTokens > p.maxTokens {
				break
			}
			usedTokens += entryTokens
		}
		if builder.Len() > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(r.Text)
		usedChars += entryChars
	}
	return builder.String(), nil
}
