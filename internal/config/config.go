package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Audit    AuditConfig    `mapstructure:"audit"`
	AI       AIConfig       `mapstructure:"ai"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// StoreConfig 向量存储配置
type StoreConfig struct {
	Dimension   int    `mapstructure:"dimension"`    // 向量维度 D
	Backend     string `mapstructure:"backend"`      // exact, ivf, hnsw
	NList       int    `mapstructure:"nlist"`        // ivf 聚类中心数，默认 100
	NProbe      int    `mapstructure:"nprobe"`       // ivf 查询探测桶数，默认 min(8, nlist)
	GraphDegree int    `mapstructure:"graph_degree"` // hnsw 出边数，默认 32
	IndexPath   string `mapstructure:"index_path"`   // 索引文件路径
	MetaPath    string `mapstructure:"meta_path"`    // 元数据 sidecar 路径
}

// MemoryConfig 记忆服务配置
type MemoryConfig struct {
	AgentName       string  `mapstructure:"agent_name"`       // 写入记忆时标记的 agent 名称
	DefaultPriority float64 `mapstructure:"default_priority"` // 默认优先级，默认 1
	MaxRetries      int     `mapstructure:"max_retries"`      // 能力调用重试次数，默认 3
	EncryptionSeed  string  `mapstructure:"encryption_seed"`  // 非空时启用记忆文本加密
}

// DispatchConfig 调度核心配置
type DispatchConfig struct {
	InboxSize          int    `mapstructure:"inbox_size"`          // 收件箱容量，默认 64
	HeartbeatInterval  string `mapstructure:"heartbeat_interval"`  // 心跳间隔，如 "1s"
	SupervisorPeriod   string `mapstructure:"supervisor_period"`   // 巡检周期，默认 "5s"
	QueueMode          string `mapstructure:"queue_mode"`          // priority, fifo
	WorkerPollInterval string `mapstructure:"worker_poll_interval"` // worker 拉取超时
}

// AuditConfig 审计存储配置
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"` // sqlite 文件路径
}

// AIConfig 能力提供方配置
type AIConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig OpenAI 配置
type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	ChatModel      string `mapstructure:"chat_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：AGENTCORE_STORE_DIMENSION 等
	v.SetEnvPrefix("AGENTCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// 配置文件可缺省，全部走默认值 + 环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stderr")

	v.SetDefault("store.dimension", 1536)
	v.SetDefault("store.backend", "exact")
	v.SetDefault("store.nlist", 100)
	v.SetDefault("store.graph_degree", 32)

	v.SetDefault("memory.agent_name", "agent")
	v.SetDefault("memory.default_priority", 1)
	v.SetDefault("memory.max_retries", 3)

	v.SetDefault("dispatch.inbox_size", 64)
	v.SetDefault("dispatch.heartbeat_interval", "1s")
	v.SetDefault("dispatch.supervisor_period", "5s")
	v.SetDefault("dispatch.queue_mode", "priority")
	v.SetDefault("dispatch.worker_poll_interval", "200ms")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.db_path", "./agentcore_audit.db")

	v.SetDefault("ai.openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("ai.openai.chat_model", "gpt-4o-mini")
	v.SetDefault("ai.openai.max_retries", 3)
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}
