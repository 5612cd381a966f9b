package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"agentcore/internal/ai"
	"agentcore/internal/logger"
	"agentcore/internal/vecstore"

	"go.uber.org/zap"
)

// 保留元数据键
const (
	MetaText      = "text"
	MetaType      = "type"
	MetaAgent     = "agent"
	MetaUserID    = "user_id"
	MetaSource    = "source"
	MetaTimestamp = "timestamp"
	MetaExpiry    = "expiry"
	MetaPriority  = "priority"
	metaEncrypted = "encrypted"
)

// MemoryResult 记忆检索结果
type MemoryResult struct {
	ID       string
	Text     string
	Distance float64
	Score    float64
	Metadata vecstore.Metadata
}

// Memory 面向 Agent 的记忆服务：在向量存储之上叠加
// 类型/归属/来源/过期/优先级策略、混合打分和上下文拼装。
type Memory struct {
	store      *vecstore.Store
	embedder   ai.Embedder
	llm        ai.LLM
	encryptor  ai.Encryptor
	agentName  string
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// MemoryOption Memory 构造选项
type MemoryOption func(*Memory)

// WithLLM 注入 LLM 生成能力（混合打分的 llm 分量需要）
func WithLLM(llm ai.LLM) MemoryOption {
	return func(m *Memory) { m.llm = llm }
}

// WithEncryptor 注入加密能力，开启后 text 落盘前加密
func WithEncryptor(enc ai.Encryptor) MemoryOption {
	return func(m *Memory) { m.encryptor = enc }
}

// WithAgentName 写入记忆时标记的 agent 名称
func WithAgentName(name string) MemoryOption {
	return func(m *Memory) { m.agentName = name }
}

// WithMaxRetries 瞬时能力失败的重试预算
func WithMaxRetries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithClock 注入时钟，单测用
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory 创建记忆服务
func NewMemory(store *vecstore.Store, embedder ai.Embedder, opts ...MemoryOption) *Memory {
	m := &Memory{
		store:      store,
		embedder:   embedder,
		agentName:  "agent",
		maxRetries: ai.DefaultMaxAttempts,
		retryBase:  200 * time.Millisecond,
		now:        time.Now,
		logger:     logger.Named("memory"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RememberOption 单条记忆的写入选项
type RememberOption func(*rememberParams)

type rememberParams struct {
	id            string
	extras        vecstore.Metadata
	userID        string
	source        string
	priority      float64
	hasPriority   bool
	expirySeconds float64
	hasExpiry     bool
}

// WithID 指定记录 id；同 id 再次写入即为更新
func WithID(id string) RememberOption {
	return func(p *rememberParams) { p.id = id }
}

// WithExtras 附加任意元数据（保留键会被策略字段覆盖）
func WithExtras(extras vecstore.Metadata) RememberOption {
	return func(p *rememberParams) { p.extras = extras }
}

// WithUserID 按用户隔离记忆
func WithUserID(userID string) RememberOption {
	return func(p *rememberParams) { p.userID = userID }
}

// WithSource 记录出处
func WithSource(source string) RememberOption {
	return func(p *rememberParams) { p.source = source }
}

// WithPriority 非负优先级，缺省为 1
func WithPriority(priority float64) RememberOption {
	return func(p *rememberParams) {
		p.priority = priority
		p.hasPriority = true
	}
}

// WithExpiry 从写入时刻起的存活秒数
func WithExpiry(seconds float64) RememberOption {
	return func(p *rememberParams) {
		p.expirySeconds = seconds
		p.hasExpiry = true
	}
}

// Remember 向量化并写入一条记忆，返回记录 id
func (m *Memory) Remember(ctx context.Context, text, memType string, opts ...RememberOption) (string, error) {
	if m.embedder == nil {
		return "", ai.ErrEmbedderUnavailable
	}
	var p rememberParams
	for _, opt := range opts {
		opt(&p)
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("生成记忆向量失败: %w", err)
	}

	meta, err := m.buildMetadata(text, memType, &p)
	if err != nil {
		return "", err
	}
	id, err := m.store.Insert(vec, meta, p.id)
	if err != nil {
		return "", err
	}
	m.logger.Debug("记忆已写入",
		zap.String("id", id),
		zap.String("type", memType),
		zap.String("agent", m.agentName),
	)
	return id, nil
}

// RememberBatch 批量写入，逐条应用同一策略
func (m *Memory) RememberBatch(ctx context.Context, texts []string, memType string, opts ...RememberOption) ([]string, error) {
	ids := make([]string, 0, len(texts))
	for _, text := range texts {
		id, err := m.Remember(ctx, text, memType, opts...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) buildMetadata(text, memType string, p *rememberParams) (vecstore.Metadata, error) {
	meta := make(vecstore.Metadata, len(p.extras)+8)
	for k, v := range p.extras {
		meta[k] = v
	}

	storedText := text
	if m.encryptor != nil {
		cipher, err := m.encryptor.Encrypt([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("加密记忆内容失败: %w", err)
		}
		storedText = base64.StdEncoding.EncodeToString(cipher)
		meta[metaEncrypted] = true
	}

	now := m.now()
	meta[MetaText] = storedText
	meta[MetaType] = memType
	meta[MetaAgent] = m.agentName
	meta[MetaTimestamp] = float64(now.Unix())
	if p.userID != "" {
		meta[MetaUserID] = p.userID
	}
	if p.source != "" {
		meta[MetaSource] = p.source
	}
	priority := 1.0
	if p.hasPriority {
		if p.priority < 0 {
			return nil, fmt.Errorf("优先级不能为负: %v", p.priority)
		}
		priority = p.priority
	}
	meta[MetaPriority] = priority
	if p.hasExpiry {
		meta[MetaExpiry] = float64(now.Unix()) + p.expirySeconds
	}
	return meta, nil
}

// RecallOption 检索过滤选项
type RecallOption func(*recallParams)

type recallParams struct {
	memType   string
	userID    string
	source    string
	predicate vecstore.Predicate
}

// OfType 只召回指定类型
func OfType(memType string) RecallOption {
	return func(p *recallParams) { p.memType = memType }
}

// ForUser 只召回指定用户的记忆
func ForUser(userID string) RecallOption {
	return func(p *recallParams) { p.userID = userID }
}

// FromSource 只召回指定来源
func FromSource(source string) RecallOption {
	return func(p *recallParams) { p.source = source }
}

// Where 附加自定义谓词
func Where(pred vecstore.Predicate) RecallOption {
	return func(p *recallParams) { p.predicate = pred }
}

// Recall 语义检索：类型/用户/来源过滤与过期剔除的合取
func (m *Memory) Recall(ctx context.Context, query string, k int, opts ...RecallOption) ([]MemoryResult, error) {
	if m.embedder == nil {
		return nil, ai.ErrEmbedderUnavailable
	}
	var p recallParams
	for _, opt := range opts {
		opt(&p)
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("生成查询向量失败: %w", err)
	}

	pred := m.recallPredicate(&p)
	found, err := m.store.SearchWithFilter(vec, k, pred)
	if err != nil {
		return nil, err
	}
	return m.toResults(found)
}

// recallPredicate 组装有效谓词
func (m *Memory) recallPredicate(p *recallParams) vecstore.Predicate {
	nowUnix := float64(m.now().Unix())
	return func(meta vecstore.Metadata) bool {
		if meta == nil {
			return false
		}
		if p.memType != "" {
			if t, _ := meta[MetaType].(string); t != p.memType {
				return false
			}
		}
		if p.userID != "" {
			if u, _ := meta[MetaUserID].(string); u != p.userID {
				return false
			}
		}
		if p.source != "" {
			if src, _ := meta[MetaSource].(string); src != p.source {
				return false
			}
		}
		if expiry, ok := numericValue(meta[MetaExpiry]); ok && expiry <= nowUnix {
			return false
		}
		if p.predicate != nil && !p.predicate(meta) {
			return false
		}
		return true
	}
}

// toResults 把存储结果转为记忆结果，必要时解密 text
func (m *Memory) toResults(found []vecstore.Result) ([]MemoryResult, error) {
	results := make([]MemoryResult, 0, len(found))
	for _, r := range found {
		text, err := m.plainText(r.Metadata)
		if err != nil {
			return nil, err
		}
		r.Metadata[MetaText] = text
		delete(r.Metadata, metaEncrypted)
		results = append(results, MemoryResult{
			ID:       r.ID,
			Text:     text,
			Distance: r.Distance,
			Score:    1 / (1 + r.Distance),
			Metadata: r.Metadata,
		})
	}
	return results, nil
}

// plainText 取出明文 text；密文记录先解密
func (m *Memory) plainText(meta vecstore.Metadata) (string, error) {
	text, _ := meta[MetaText].(string)
	encrypted, _ := meta[metaEncrypted].(bool)
	if !encrypted {
		return text, nil
	}
	if m.encryptor == nil {
		return "", ai.ErrEncryptorUnavailable
	}
	cipher, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", fmt.Errorf("解码密文失败: %w", err)
	}
	plain, err := m.encryptor.Decrypt(cipher)
	if err != nil {
		return "", fmt.Errorf("解密记忆内容失败: %w", err)
	}
	return string(plain), nil
}

// Forget 逻辑删除一条记忆
func (m *Memory) Forget(id string) {
	m.store.MarkDeleted(id)
}

// SaveProfile 按前缀派生文件名持久化到磁盘
func (m *Memory) SaveProfile(prefix string) error {
	return m.store.Save(prefix+".index", prefix+".meta")
}

// LoadProfile 从 SaveProfile 的产物恢复
func (m *Memory) LoadProfile(prefix string) error {
	return m.store.Load(prefix+".index", prefix+".meta")
}

// numericValue 元数据数值可能经过 JSON/gob 往返，统一成 float64
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
