package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agentcore/internal/bus"
	"agentcore/internal/infra/queue"
	"agentcore/internal/logger"
)

const (
	// DefaultHeartbeatInterval 默认心跳间隔
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultSupervisorPeriod 默认巡检周期
	DefaultSupervisorPeriod = 5 * time.Second

	// staleFactor 心跳超过该倍数的间隔视为僵死
	staleFactor = 2
)

// Supervisor 管理一组 agent worker：注册、心跳监控、僵死重启。
// worker 从消息总线拉取消息交给各自的 Handler，可选从任务队列泵入任务。
type Supervisor struct {
	bus   *bus.Bus
	queue *queue.Queue

	heartbeatInterval time.Duration
	period            time.Duration
	pollTimeout       time.Duration

	mu     sync.Mutex
	agents map[string]*Agent

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *zap.Logger
}

// Option Supervisor 可选配置
type Option func(*Supervisor)

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithSupervisorPeriod 设置巡检周期
func WithSupervisorPeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithTaskQueue 挂载任务队列，空闲 agent 会被泵入队列任务
func WithTaskQueue(q *queue.Queue) Option {
	return func(s *Supervisor) { s.queue = q }
}

// NewSupervisor 创建 supervisor
func NewSupervisor(b *bus.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		bus:               b,
		heartbeatInterval: DefaultHeartbeatInterval,
		period:            DefaultSupervisorPeriod,
		agents:            make(map[string]*Agent),
		logger:            logger.Named("worker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pollTimeout = s.heartbeatInterval / 2
	if s.pollTimeout <= 0 {
		s.pollTimeout = time.Second
	}
	return s
}

// RegisterAgent 注册 agent 并在总线上开通收件箱。
// supervisor 已启动时立即拉起 worker 循环。
func (s *Supervisor) RegisterAgent(name string, handler Handler) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent 名称不能为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("agent %s 缺少处理器", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[name]; ok {
		return nil, fmt.Errorf("agent %s 已注册", name)
	}

	s.bus.Register(name)
	agent := newAgent(name, handler)
	s.agents[name] = agent

	if s.running.Load() {
		s.startWorkerLocked(agent)
	}
	return agent, nil
}

// Agent 按名称查找已注册的 agent
func (s *Supervisor) Agent(name string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[name]
	return a, ok
}

// Start 启动所有 worker 循环与巡检循环
func (s *Supervisor) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	for _, agent := range s.agents {
		s.startWorkerLocked(agent)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(ctx)

	if s.queue != nil {
		s.wg.Add(1)
		go s.pump(ctx)
	}
	s.logger.Info("supervisor 已启动",
		zap.Duration("heartbeat_interval", s.heartbeatInterval),
		zap.Duration("period", s.period))
}

// Stop 停止巡检与所有 worker，等待循环退出
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for _, agent := range s.agents {
		agent.setState(StateStopped)
	}
	s.mu.Unlock()
	s.logger.Info("supervisor 已停止")
}

// startWorkerLocked 以 agent 当前代数拉起 worker 循环，调用方持有 s.mu
func (s *Supervisor) startWorkerLocked(agent *Agent) {
	gen := agent.currentGeneration()
	agent.setState(StateIdle)
	agent.touch()
	s.wg.Add(1)
	go s.runWorker(agent, gen)
}

// runWorker worker 主循环。代数不匹配说明 agent 已被重启，旧循环静默退出。
func (s *Supervisor) runWorker(agent *Agent, gen int) {
	defer s.wg.Done()

	for s.running.Load() && agent.currentGeneration() == gen {
		// 心跳只在循环边界更新，处理器内部挂起会被巡检判定为僵死
		agent.touch()

		msg, ok := s.bus.Poll(agent.name, s.pollTimeout)
		if !ok {
			continue
		}
		if agent.currentGeneration() != gen {
			return
		}

		agent.setState(StateProcessing)
		result, err := s.dispatch(agent, msg)
		agent.setState(StateIdle)

		s.finishTask(msg, result, err)
	}
}

// dispatch 调用处理器并吸收 panic，保证单条消息不杀死 worker
func (s *Supervisor) dispatch(agent *Agent, msg bus.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s 处理消息 panic: %v", agent.name, r)
			s.logger.Error("处理器 panic",
				zap.String("agent", agent.name),
				zap.String("message_id", msg.ID),
				zap.String("message_type", msg.Type),
				zap.Any("panic", r))
		}
	}()

	ctx := context.Background()
	result, err = agent.handler.Handle(ctx, msg)
	if err != nil {
		s.logger.Warn("消息处理失败",
			zap.String("agent", agent.name),
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.Type),
			zap.Error(err))
	}
	return result, err
}

// finishTask 回填队列任务状态。非队列消息直接忽略。
func (s *Supervisor) finishTask(msg bus.Message, result any, err error) {
	if s.queue == nil {
		return
	}
	taskID, ok := msg.Payload[taskIDKey].(int64)
	if !ok {
		return
	}
	if err != nil {
		if ferr := s.queue.Fail(taskID, err.Error()); ferr != nil {
			s.logger.Warn("标记任务失败出错", zap.Int64("task_id", taskID), zap.Error(ferr))
		}
		return
	}
	if cerr := s.queue.Complete(taskID, result); cerr != nil {
		s.logger.Warn("标记任务完成出错", zap.Int64("task_id", taskID), zap.Error(cerr))
	}
}

// supervise 巡检循环：每周期检查一次全部 agent 的心跳
func (s *Supervisor) supervise(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAgents()
		}
	}
}

// checkAgents 重启心跳过期的 agent，每次巡检对同一 agent 至多重启一次
func (s *Supervisor) checkAgents() {
	stale := staleFactor * s.heartbeatInterval
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.agents {
		if agent.State() == StateStopped {
			continue
		}
		age := now.Sub(agent.Heartbeat())
		if age <= stale {
			continue
		}
		s.logger.Warn("agent 心跳超时，执行重启",
			zap.String("agent", agent.name),
			zap.Duration("age", age),
			zap.Int("restarts", agent.Restarts()+1))
		// 递增代数让旧循环退出，再以新代数拉起
		agent.beginRestart()
		s.startWorkerLocked(agent)
	}
}

// taskIDKey 队列任务在总线消息 payload 中携带任务 id 的键
const taskIDKey = "__task_id"

// pump 任务泵：从队列取任务投递给空闲 agent。
// 先找到空闲 agent 再出队，全员忙碌时任务留在队列里缓冲。
func (s *Supervisor) pump(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target := s.pickIdleAgent()
		if target == "" {
			s.sleep(ctx, s.pollTimeout)
			continue
		}

		task, ok := s.queue.Dequeue(s.pollTimeout)
		if !ok {
			continue
		}

		msg := bus.NewMessage("task", "supervisor", map[string]any{
			taskIDKey: task.ID,
			"payload": task.Payload,
		})
		s.bus.Publish(msg, target)
	}
}

// pickIdleAgent 选一个空闲且收件箱为空的 agent
func (s *Supervisor) pickIdleAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, agent := range s.agents {
		if agent.State() == StateIdle && s.bus.InboxLen(name) == 0 {
			return name
		}
	}
	return ""
}

// sleep 可被 ctx 打断的等待
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
