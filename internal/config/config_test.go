package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadDefaults 无配置文件时全部走默认值
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent-env", "")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("日志默认值 = %+v", cfg.Log)
	}
	if cfg.Store.Dimension != 1536 || cfg.Store.Backend != "exact" {
		t.Errorf("存储默认值 = %+v", cfg.Store)
	}
	if cfg.Dispatch.InboxSize != 64 || cfg.Dispatch.HeartbeatInterval != "1s" {
		t.Errorf("调度默认值 = %+v", cfg.Dispatch)
	}
	if cfg.Audit.Enabled {
		t.Error("审计默认应当关闭")
	}
}

// TestLoadConfigFile 配置文件覆盖默认值
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := []byte(`
store:
  dimension: 64
  backend: hnsw
dispatch:
  queue_mode: fifo
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}

	cfg, err := Load("test", path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Store.Dimension != 64 || cfg.Store.Backend != "hnsw" {
		t.Errorf("存储配置 = %+v", cfg.Store)
	}
	if cfg.Dispatch.QueueMode != "fifo" {
		t.Errorf("队列模式 = %q", cfg.Dispatch.QueueMode)
	}
	// 未覆盖的键保持默认
	if cfg.Store.NList != 100 {
		t.Errorf("nlist = %d, 期望默认 100", cfg.Store.NList)
	}
}

// TestEnvOverride 环境变量优先于默认值
func TestEnvOverride(t *testing.T) {
	t.Setenv("AGENTCORE_STORE_BACKEND", "ivf")
	cfg, err := Load("nonexistent-env", "")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Store.Backend != "ivf" {
		t.Errorf("backend = %q, 期望环境变量覆盖为 ivf", cfg.Store.Backend)
	}
}
