// Package queue 进程内优先级任务队列：
// (priority, 入队序号) 小顶堆，数值小的优先级先出队，同优先级按 FIFO。
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Priority 任务优先级，数值越小越先出队
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 5
	PriorityLow      Priority = 10
)

// Status 任务状态，只沿 pending→processing→{done,failed,rejected} 单调推进
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Task 队列任务。入队时分配 id（即入队序号）与 pending 状态。
type Task struct {
	ID         int64
	Priority   Priority
	Payload    map[string]any
	Status     Status
	Result     any
	Error      string
	EnqueuedAt time.Time
}

// item 堆元素
type item struct {
	task *Task
	seq  int64
}

type taskHeap struct {
	items []*item
	fifo  bool
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !h.fifo && a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	return a.seq < b.seq
}

func (h *taskHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *taskHeap) Push(x interface{}) { h.items = append(h.items, x.(*item)) }

func (h *taskHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// Queue 优先级任务队列。任务完成后保留在登记表中直到显式 Purge。
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	seq     int64
	pending int
	tasks   map[int64]*Task
}

// Option 队列配置
type Option func(*Queue)

// WithFIFO 未配置调度器时的回退模式：忽略优先级，纯 FIFO
func WithFIFO() Option {
	return func(q *Queue) { q.heap.fifo = true }
}

// New 创建队列
func New(opts ...Option) *Queue {
	q := &Queue{tasks: make(map[int64]*Task)}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue 入队任务，返回分配的任务 id
func (q *Queue) Enqueue(priority Priority, payload map[string]any) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	task := &Task{
		ID:         q.seq,
		Priority:   priority,
		Payload:    payload,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
	}
	q.tasks[task.ID] = task
	heap.Push(&q.heap, &item{task: task, seq: q.seq})
	q.pending++
	q.cond.Signal()
	return task.ID
}

// Dequeue 取出优先级最高的任务并置为 processing，最多阻塞 timeout。
// timeout <= 0 表示只做一次非阻塞尝试。
func (q *Queue) Dequeue(timeout time.Duration) (Task, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for q.heap.Len() == 0 {
			if timeout <= 0 {
				return Task{}, false
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Task{}, false
			}
			q.waitLocked(remaining)
		}

		it := heap.Pop(&q.heap).(*item)
		// 入队后被拒绝的任务还留在堆里，弹出时直接跳过
		if it.task.Status != StatusPending {
			continue
		}
		it.task.Status = StatusProcessing
		q.pending--
		return *it.task, true
	}
}

// waitLocked 带超时的 cond.Wait。AfterFunc 到点广播唤醒，
// 其余等待者被虚假唤醒后会重新检查条件。
func (q *Queue) waitLocked(d time.Duration) {
	timer := time.AfterFunc(d, q.cond.Broadcast)
	defer timer.Stop()
	q.cond.Wait()
}

// Complete 标记任务完成并记录结果
func (q *Queue) Complete(id int64, result any) error {
	return q.transition(id, StatusDone, func(t *Task) { t.Result = result })
}

// Fail 标记任务失败
func (q *Queue) Fail(id int64, reason string) error {
	return q.transition(id, StatusFailed, func(t *Task) { t.Error = reason })
}

// Reject 拒绝任务
func (q *Queue) Reject(id int64, reason string) error {
	return q.transition(id, StatusRejected, func(t *Task) { t.Error = reason })
}

// transition 校验状态机单调性后应用变更
func (q *Queue) transition(id int64, next Status, apply func(*Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("任务不存在: %d", id)
	}
	switch next {
	case StatusDone, StatusFailed:
		if task.Status != StatusProcessing {
			return fmt.Errorf("非法状态迁移: %s -> %s (任务 %d)", task.Status, next, id)
		}
	case StatusRejected:
		if task.Status != StatusPending && task.Status != StatusProcessing {
			return fmt.Errorf("非法状态迁移: %s -> %s (任务 %d)", task.Status, next, id)
		}
	default:
		return fmt.Errorf("不支持的目标状态: %s", next)
	}
	if next == StatusRejected && task.Status == StatusPending {
		// 堆里的残留项由 Dequeue 惰性跳过，计数在这里扣减
		q.pending--
	}
	task.Status = next
	apply(task)
	return nil
}

// GetTask 查询任务快照
func (q *Queue) GetTask(id int64) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Purge 清除终态任务的登记记录
func (q *Queue) Purge(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return
	}
	switch task.Status {
	case StatusDone, StatusFailed, StatusRejected:
		delete(q.tasks, id)
	}
}

// Len 当前待处理任务数，不含已被拒绝但尚未从堆中弹出的残留项
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Stats 按状态统计登记表中的任务数
func (q *Queue) Stats() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[Status]int)
	for _, t := range q.tasks {
		stats[t.Status]++
	}
	return stats
}
