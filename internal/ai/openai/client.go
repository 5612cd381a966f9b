package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config 客户端配置
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string // 默认 gpt-4o-mini
	EmbeddingModel string // 默认 text-embedding-3-small
	MaxRetries     int    // 默认 3
}

// Client OpenAI 能力适配器，同时实现 ai.Embedder 和 ai.LLM
type Client struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	maxRetries     int
}

// NewClient 创建 OpenAI 客户端
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API Key 不能为空")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		maxRetries:     maxRetries,
	}, nil
}

// Embed 将文本转换为向量
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("文本不能为空")
	}

	var resp openai.EmbeddingResponse
	err := c.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("调用 OpenAI Embeddings API 失败: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("OpenAI API 返回空向量")
	}
	return resp.Data[0].Embedding, nil
}

// Generate 文本生成（非流式）
func (c *Client) Generate(ctx context.Context, prompt string, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = 256
	}

	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxTokens: maxLength,
		})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("调用 OpenAI Chat API 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API 返回空回复")
	}
	return resp.Choices[0].Message.Content, nil
}

// withRetry 带指数退避的重试，只对可重试错误重试
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryableError(err) || i == c.maxRetries {
			break
		}
		backoff := time.Duration(1<<uint(i)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// isRetryableError 限流和服务端错误可重试，参数/鉴权错误不重试
func isRetryableError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// 网络层错误一律重试
	return true
}
