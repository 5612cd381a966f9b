package workflow

import (
	"fmt"
	"sync"
	"time"

	"agentcore/internal/logger"

	"go.uber.org/zap"
)

// run 单个工作流的运行时状态
type run struct {
	def       *Definition
	steps     map[string]*Step
	completed map[string]bool
	failed    map[string]bool
	memory    map[string]any // 步骤 id -> 记录的输出
	status    map[string]string
	approvals map[string]bool // HITL 审批集合
	history   []HistoryEntry
	feedback  []FeedbackEntry
}

// Engine 工作流引擎：按依赖、条件和审批推进 DAG。
// 全部状态由引擎锁保护；求值不回调用户代码。
type Engine struct {
	mu     sync.Mutex
	runs   map[string]*run
	sink   HistorySink
	logger *zap.Logger
}

// EngineOption 引擎配置
type EngineOption func(*Engine)

// WithHistorySink 注入运行历史落盘
func WithHistorySink(sink HistorySink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// NewEngine 创建引擎
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		runs:   make(map[string]*run),
		logger: logger.Named("workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register 注册工作流并校验定义：步骤 id 唯一、依赖已知、无环
func (e *Engine) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: 缺少工作流 id", ErrInvalidWorkflow)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: 工作流 %s 没有步骤", ErrInvalidWorkflow, def.ID)
	}

	steps := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("%w: 工作流 %s 含空步骤 id", ErrInvalidWorkflow, def.ID)
		}
		if _, dup := steps[step.ID]; dup {
			return fmt.Errorf("%w: 步骤 id 重复: %s", ErrInvalidWorkflow, step.ID)
		}
		steps[step.ID] = step
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("%w: 步骤 %s 依赖未知步骤 %s", ErrInvalidWorkflow, step.ID, dep)
			}
		}
		if step.OnFailure != "" {
			if _, ok := steps[step.OnFailure]; !ok {
				return fmt.Errorf("%w: 步骤 %s 的回退步骤未知: %s", ErrInvalidWorkflow, step.ID, step.OnFailure)
			}
		}
	}
	if err := checkAcyclic(def.Steps); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[def.ID] = &run{
		def:       &def,
		steps:     steps,
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		memory:    make(map[string]any),
		status:    make(map[string]string),
		approvals: make(map[string]bool),
	}
	return nil
}

// checkAcyclic Kahn 拓扑排序检测依赖环
func checkAcyclic(steps []Step) error {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, s := range steps {
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(steps) {
		return fmt.Errorf("%w: 依赖成环", ErrInvalidWorkflow)
	}
	return nil
}

// NextSteps 返回当前可执行的步骤，按定义顺序：
//  1. 依赖全部完成且自身未完成；
//  2. HITL 步骤需已审批；
//  3. 条件对 run 内存求值为真；
//  4. 已失败步骤的回退步骤视同依赖满足被纳入。
func (e *Engine) NextSteps(workflowID string) ([]Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	// 失败回退步骤集合
	fallback := make(map[string]bool)
	for stepID := range r.failed {
		if step := r.steps[stepID]; step.OnFailure != "" {
			fallback[step.OnFailure] = true
		}
	}

	var out []Step
	for _, step := range r.def.Steps {
		if r.completed[step.ID] || r.failed[step.ID] {
			continue
		}
		if !fallback[step.ID] && !e.depsSatisfied(r, &step) {
			continue
		}
		if step.HITL && !r.approvals[step.ID] {
			continue
		}
		ok, err := evalCondition(step.Condition, r.memory)
		if err != nil {
			return nil, fmt.Errorf("步骤 %s 条件求值失败: %w", step.ID, err)
		}
		if !ok {
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

func (e *Engine) depsSatisfied(r *run, step *Step) bool {
	for _, dep := range step.DependsOn {
		if !r.completed[dep] {
			return false
		}
	}
	return true
}

// RecordStepOutput 记录步骤输出与状态，追加运行历史。
// success 使步骤进入完成集，failed 使其回退步骤变为可执行。
func (e *Engine) RecordStepOutput(workflowID, stepID string, output any, status string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	if _, ok := r.steps[stepID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}

	r.memory[stepID] = output
	r.status[stepID] = status
	switch status {
	case StepStatusSuccess:
		r.completed[stepID] = true
		delete(r.failed, stepID)
	case StepStatusFailed:
		r.failed[stepID] = true
	}
	r.history = append(r.history, HistoryEntry{
		StepID:    stepID,
		Status:    status,
		Output:    output,
		Timestamp: time.Now(),
	})

	if e.sink != nil {
		if err := e.sink.RecordStep(workflowID, stepID, status, output); err != nil {
			e.logger.Warn("运行历史落盘失败",
				zap.String("workflow_id", workflowID),
				zap.String("step_id", stepID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ApproveHITLStep 将步骤加入审批集合
func (e *Engine) ApproveHITLStep(workflowID, stepID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	step, ok := r.steps[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if !step.HITL {
		return fmt.Errorf("步骤 %s 不需要人工审批", stepID)
	}
	r.approvals[stepID] = true
	return nil
}

// AddFeedback 追加反馈，只增不删
func (e *Engine) AddFeedback(workflowID, stepID, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	r.feedback = append(r.feedback, FeedbackEntry{
		StepID:    stepID,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

// Completed 已完成步骤集合的副本
func (e *Engine) Completed(workflowID string) (map[string]bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	out := make(map[string]bool, len(r.completed))
	for k, v := range r.completed {
		out[k] = v
	}
	return out, nil
}

// StepStatus 查询单步状态
func (e *Engine) StepStatus(workflowID, stepID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return r.status[stepID], nil
}

// History 运行历史副本
func (e *Engine) History(workflowID string) ([]HistoryEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out, nil
}

// Feedback 反馈副本
func (e *Engine) Feedback(workflowID string) ([]FeedbackEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	out := make([]FeedbackEntry, len(r.feedback))
	copy(out, r.feedback)
	return out, nil
}

// Memory run 内存副本（步骤 id -> 输出）
func (e *Engine) Memory(workflowID string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	out := make(map[string]any, len(r.memory))
	for k, v := range r.memory {
		out[k] = v
	}
	return out, nil
}
