package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentcore/internal/bus"
	"agentcore/internal/infra/queue"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestWorkerHandlesMessages worker 从收件箱取消息交给处理器
func TestWorkerHandlesMessages(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(time.Hour), // 本用例不测巡检
	)

	var handled atomic.Int32
	_, err := s.RegisterAgent("echo", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		handled.Add(1)
		return msg.Payload["text"], nil
	}))
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	s.Start()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		b.Publish(bus.NewMessage("chat", "tester", map[string]any{"text": "hi"}), "echo")
	}
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 3 },
		"处理器未消费完全部消息")
}

// TestRegisterValidation 空名称与空处理器拒绝注册，重名拒绝
func TestRegisterValidation(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b)

	if _, err := s.RegisterAgent("", HandlerFunc(nil)); err == nil {
		t.Error("空名称应当拒绝")
	}
	if _, err := s.RegisterAgent("a", nil); err == nil {
		t.Error("空处理器应当拒绝")
	}
	if _, err := s.RegisterAgent("a", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) { return nil, nil })); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := s.RegisterAgent("a", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) { return nil, nil })); err == nil {
		t.Error("重名应当拒绝")
	}
}

// TestPanicRecovery 处理器 panic 不杀死 worker
func TestPanicRecovery(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(time.Hour),
	)

	var handled atomic.Int32
	s.RegisterAgent("fragile", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		if msg.Payload["boom"] == true {
			panic("炸了")
		}
		handled.Add(1)
		return nil, nil
	}))
	s.Start()
	defer s.Stop()

	b.Publish(bus.NewMessage("x", "tester", map[string]any{"boom": true}), "fragile")
	b.Publish(bus.NewMessage("x", "tester", map[string]any{"boom": false}), "fragile")

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 },
		"panic 之后的消息未被处理")

	agent, _ := s.Agent("fragile")
	if agent.Restarts() != 0 {
		t.Errorf("panic 恢复不应触发重启, Restarts = %d", agent.Restarts())
	}
}

// TestHeartbeatRestart 处理器挂起超过 2 倍心跳间隔后被巡检重启，
// 重启后的 worker 能继续消费消息
func TestHeartbeatRestart(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(30*time.Millisecond),
	)

	release := make(chan struct{})
	var handled atomic.Int32
	s.RegisterAgent("sleepy", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		if msg.Payload["hang"] == true {
			<-release // 模拟挂死的处理器
			return nil, nil
		}
		handled.Add(1)
		return nil, nil
	}))
	s.Start()
	defer func() {
		close(release)
		s.Stop()
	}()

	b.Publish(bus.NewMessage("x", "tester", map[string]any{"hang": true}), "sleepy")

	agent, _ := s.Agent("sleepy")
	waitFor(t, 2*time.Second, func() bool { return agent.Restarts() >= 1 },
		"巡检未重启心跳超时的 agent")

	// 新代 worker 接管收件箱
	b.Publish(bus.NewMessage("x", "tester", map[string]any{"hang": false}), "sleepy")
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 },
		"重启后的 worker 未消费消息")
}

// TestHealthyAgentNotRestarted 正常轮询的 agent 不被重启
func TestHealthyAgentNotRestarted(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(30*time.Millisecond),
	)
	s.RegisterAgent("healthy", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		return nil, nil
	}))
	s.Start()
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)
	agent, _ := s.Agent("healthy")
	if agent.Restarts() != 0 {
		t.Errorf("健康 agent 被重启了 %d 次", agent.Restarts())
	}
}

// TestQueuePump 队列任务被泵入空闲 agent，结果回填任务登记表
func TestQueuePump(t *testing.T) {
	b := bus.New(8)
	q := queue.New()
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(time.Hour),
		WithTaskQueue(q),
	)
	s.RegisterAgent("runner", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		payload, _ := msg.Payload["payload"].(map[string]any)
		if payload["fail"] == true {
			return nil, errors.New("任务执行失败")
		}
		return "完成", nil
	}))
	s.Start()
	defer s.Stop()

	okID := q.Enqueue(queue.PriorityNormal, map[string]any{"fail": false})
	waitFor(t, 2*time.Second, func() bool {
		task, ok := q.GetTask(okID)
		return ok && task.Status == queue.StatusDone
	}, "任务未被执行完成")
	task, _ := q.GetTask(okID)
	if task.Result != "完成" {
		t.Errorf("任务结果 = %v", task.Result)
	}

	failID := q.Enqueue(queue.PriorityNormal, map[string]any{"fail": true})
	waitFor(t, 2*time.Second, func() bool {
		task, ok := q.GetTask(failID)
		return ok && task.Status == queue.StatusFailed
	}, "失败任务未被标记")
	task, _ = q.GetTask(failID)
	if task.Error == "" {
		t.Error("失败任务缺少错误信息")
	}
}

// TestStopIdempotent Stop 幂等且停止后 agent 进入 stopped
func TestStopIdempotent(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b, WithHeartbeatInterval(20*time.Millisecond))
	s.RegisterAgent("a", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) { return nil, nil }))

	s.Start()
	s.Stop()
	s.Stop()

	agent, _ := s.Agent("a")
	if agent.State() != StateStopped {
		t.Errorf("停止后状态 = %v", agent.State())
	}
}

// TestQueuePumpBurst 突发任务在 agent 忙碌时留在队列缓冲，最终全部完成而不是被误判失败
func TestQueuePumpBurst(t *testing.T) {
	b := bus.New(8)
	q := queue.New()
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(time.Hour),
		WithTaskQueue(q),
	)
	s.RegisterAgent("busy", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return "完成", nil
	}))
	s.Start()
	defer s.Stop()

	ids := []int64{
		q.Enqueue(queue.PriorityNormal, map[string]any{"n": 1}),
		q.Enqueue(queue.PriorityNormal, map[string]any{"n": 2}),
		q.Enqueue(queue.PriorityNormal, map[string]any{"n": 3}),
	}
	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			task, ok := q.GetTask(id)
			if !ok || task.Status != queue.StatusDone {
				return false
			}
		}
		return true
	}, "突发任务未全部完成")
	for _, id := range ids {
		if task, _ := q.GetTask(id); task.Status == queue.StatusFailed {
			t.Errorf("任务 %d 被误判失败: %s", id, task.Error)
		}
	}
}

// TestAgentReturnsToIdle 处理完消息后 agent 回到空闲态，出错也一样
func TestAgentReturnsToIdle(t *testing.T) {
	b := bus.New(8)
	s := NewSupervisor(b,
		WithHeartbeatInterval(20*time.Millisecond),
		WithSupervisorPeriod(time.Hour),
	)
	var handled atomic.Int32
	s.RegisterAgent("calm", HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		handled.Add(1)
		return nil, errors.New("处理失败")
	}))
	s.Start()
	defer s.Stop()

	b.Publish(bus.NewMessage("x", "tester", map[string]any{}), "calm")
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 },
		"消息未被处理")

	agent, _ := s.Agent("calm")
	waitFor(t, time.Second, func() bool { return agent.State() == StateIdle },
		"处理结束后 agent 未回到空闲态")
}
