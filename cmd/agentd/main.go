package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"agentcore/internal/agent/runtime"
	"agentcore/internal/ai"
	"agentcore/internal/ai/mock"
	"agentcore/internal/ai/openai"
	"agentcore/internal/audit"
	"agentcore/internal/bus"
	"agentcore/internal/config"
	"agentcore/internal/infra/queue"
	"agentcore/internal/logger"
	"agentcore/internal/security"
	"agentcore/internal/vecstore"
	"agentcore/internal/worker"
	"agentcore/internal/workflow"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 AGENTCORE_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("agentd 启动中...",
		zap.String("env", env),
		zap.String("backend", cfg.Store.Backend),
	)

	// 3. 创建向量存储，索引文件存在则恢复
	store, err := buildStore(&cfg.Store)
	if err != nil {
		logger.Fatal("初始化向量存储失败", zap.Error(err))
	}

	// 4. 组装能力提供方：未配置 API Key 时回退到离线 mock
	embedder, llm := buildCapabilities(cfg)

	// 5. 记忆服务
	memOpts := []runtime.MemoryOption{
		runtime.WithAgentName(cfg.Memory.AgentName),
		runtime.WithMaxRetries(cfg.Memory.MaxRetries),
		runtime.WithLLM(llm),
	}
	if cfg.Memory.EncryptionSeed != "" {
		enc, err := security.NewAESEncryptor(cfg.Memory.EncryptionSeed)
		if err != nil {
			logger.Fatal("初始化加密器失败", zap.Error(err))
		}
		memOpts = append(memOpts, runtime.WithEncryptor(enc))
	}
	memory := runtime.NewMemory(store, embedder, memOpts...)

	// 6. 消息总线与任务队列
	msgBus := bus.New(cfg.Dispatch.InboxSize)
	var queueOpts []queue.Option
	if cfg.Dispatch.QueueMode == "fifo" {
		queueOpts = append(queueOpts, queue.WithFIFO())
	}
	taskQueue := queue.New(queueOpts...)

	// 7. 工作流引擎，按配置挂接审计落盘
	var engineOpts []workflow.EngineOption
	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			logger.Fatal("初始化审计存储失败", zap.Error(err))
		}
		engineOpts = append(engineOpts, workflow.WithHistorySink(auditStore))
	}
	engine := workflow.NewEngine(engineOpts...)

	// 8. 启动 supervisor，挂一个处理记忆与工作流指令的常驻 agent
	supervisor := worker.NewSupervisor(msgBus,
		worker.WithHeartbeatInterval(parseDuration(cfg.Dispatch.HeartbeatInterval, worker.DefaultHeartbeatInterval)),
		worker.WithSupervisorPeriod(parseDuration(cfg.Dispatch.SupervisorPeriod, worker.DefaultSupervisorPeriod)),
		worker.WithTaskQueue(taskQueue),
	)
	if _, err := supervisor.RegisterAgent(cfg.Memory.AgentName, newCoreHandler(memory, engine)); err != nil {
		logger.Fatal("注册核心 agent 失败", zap.Error(err))
	}
	supervisor.Start()

	logger.Info("agentd 已就绪")

	// 9. 等待退出信号后逆序收尾
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("agentd 关闭中...")
	supervisor.Stop()
	if auditStore != nil {
		if err := auditStore.Close(); err != nil {
			logger.Warn("关闭审计存储失败", zap.Error(err))
		}
	}
	if cfg.Store.IndexPath != "" {
		if err := store.Save(cfg.Store.IndexPath, cfg.Store.MetaPath); err != nil {
			logger.Error("落盘索引失败", zap.Error(err))
		}
	}
	logger.Info("agentd 已退出")
}

// buildStore 按配置创建或恢复向量存储
func buildStore(cfg *config.StoreConfig) (*vecstore.Store, error) {
	params := vecstore.Params{
		NList:       cfg.NList,
		NProbe:      cfg.NProbe,
		GraphDegree: cfg.GraphDegree,
	}
	store, err := vecstore.New(cfg.Dimension, cfg.Backend, params)
	if err != nil {
		return nil, err
	}
	if cfg.IndexPath != "" {
		if _, statErr := os.Stat(cfg.IndexPath); statErr == nil {
			if err := store.Load(cfg.IndexPath, cfg.MetaPath); err != nil {
				return nil, err
			}
			logger.Info("已恢复索引",
				zap.String("path", cfg.IndexPath),
				zap.Int("count", store.Count()),
			)
		}
	}
	return store, nil
}

// buildCapabilities 组装 Embedder 与 LLM，缺 Key 时退化到 mock
func buildCapabilities(cfg *config.Config) (ai.Embedder, ai.LLM) {
	if cfg.AI.OpenAI.APIKey != "" {
		client, err := openai.NewClient(openai.Config{
			APIKey:         cfg.AI.OpenAI.APIKey,
			BaseURL:        cfg.AI.OpenAI.BaseURL,
			ChatModel:      cfg.AI.OpenAI.ChatModel,
			EmbeddingModel: cfg.AI.OpenAI.EmbeddingModel,
			MaxRetries:     cfg.AI.OpenAI.MaxRetries,
		})
		if err == nil {
			return client, client
		}
		logger.Warn("初始化 OpenAI 客户端失败，回退到 mock", zap.Error(err))
	} else {
		logger.Info("未配置 OpenAI API Key，使用离线 mock 能力")
	}
	return mock.NewEmbedder(cfg.Store.Dimension), &mock.LLM{}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("时长配置无效，使用默认值", zap.String("raw", raw))
		return fallback
	}
	return d
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		}
	}
}

// resolveEnvPath 从当前工作目录和可执行文件目录向上查找 .env
func resolveEnvPath() string {
	var roots []string
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd)
	}
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	seen := make(map[string]struct{})
	for _, start := range roots {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			candidate := filepath.Join(dir, ".env")
			if _, ok := seen[candidate]; !ok {
				seen[candidate] = struct{}{}
				if _, err := os.Stat(candidate); err == nil {
					return candidate
				}
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return ""
}
