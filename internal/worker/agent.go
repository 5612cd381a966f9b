package worker

import (
	"context"
	"sync"
	"time"

	"agentcore/internal/bus"
)

// State Agent 状态
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Handler 每个 agent 的消息处理器。返回的 result 用于回填任务结果。
type Handler interface {
	Handle(ctx context.Context, msg bus.Message) (result any, err error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, msg bus.Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg bus.Message) (any, error) {
	return f(ctx, msg)
}

// Agent 注册在 supervisor 下的协作式工作者。
// 心跳只在 worker 循环边界更新，处理器内部挂起会被巡检发现。
type Agent struct {
	name    string
	handler Handler

	mu         sync.Mutex
	state      State
	heartbeat  time.Time
	generation int // 当前 worker 代数，重启递增使旧循环退出
	restarts   int
}

func newAgent(name string, handler Handler) *Agent {
	return &Agent{
		name:      name,
		handler:   handler,
		state:     StateIdle,
		heartbeat: time.Now(),
	}
}

// Name agent 名称
func (a *Agent) Name() string { return a.name }

// State 当前状态
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Restarts 被 supervisor 重启的次数
func (a *Agent) Restarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

// Heartbeat 最近一次心跳时间
func (a *Agent) Heartbeat() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeat
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.heartbeat = time.Now()
	a.mu.Unlock()
}

func (a *Agent) currentGeneration() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// beginRestart 递增代数并重置心跳，返回新代数
func (a *Agent) beginRestart() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.restarts++
	a.heartbeat = time.Now()
	a.state = StateRestarting
	return a.generation
}
