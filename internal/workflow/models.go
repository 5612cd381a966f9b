package workflow

import (
	"errors"
	"time"
)

var (
	// ErrInvalidWorkflow 定义不合法：步骤重复、依赖未知或成环
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrUnknownWorkflow 工作流未注册
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownStep 步骤不存在
	ErrUnknownStep = errors.New("unknown step")
)

// 步骤状态
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
)

// Condition 步骤执行条件。
// 叶子形式 {Step, Equals}：run 内存中 Step 的输出等于 Equals 时为真；
// And/Or/Not 递归组合；Expr 为 govaluate 表达式，变量为步骤 id。
type Condition struct {
	Step   string       `json:"step,omitempty"`
	Equals any          `json:"equals,omitempty"`
	And    []*Condition `json:"and,omitempty"`
	Or     []*Condition `json:"or,omitempty"`
	Not    *Condition   `json:"not,omitempty"`
	Expr   string       `json:"expr,omitempty"`
}

// Step 工作流步骤定义
type Step struct {
	ID        string         `json:"id"`
	DependsOn []string       `json:"depends_on,omitempty"`
	HITL      bool           `json:"hitl,omitempty"` // 需要人工审批后才可执行
	Condition *Condition     `json:"condition,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"` // 失败回退步骤
	Params    map[string]any `json:"params,omitempty"`
}

// Definition 工作流定义：步骤集合 + 依赖关系构成的 DAG
type Definition struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps"`
}

// Chain 便捷构造顺序链：每一步依赖前一步
func Chain(id string, steps ...Step) Definition {
	for i := range steps {
		if i > 0 && len(steps[i].DependsOn) == 0 {
			steps[i].DependsOn = []string{steps[i-1].ID}
		}
	}
	return Definition{ID: id, Steps: steps}
}

// HistoryEntry 运行历史条目，只追加
type HistoryEntry struct {
	StepID    string
	Status    string
	Output    any
	Timestamp time.Time
}

// FeedbackEntry 反馈条目，累积后不删除
type FeedbackEntry struct {
	StepID    string
	Content   string
	Timestamp time.Time
}

// HistorySink 运行历史的外部落盘接口（如 audit 存储），可选注入
type HistorySink interface {
	RecordStep(workflowID, stepID, status string, output any) error
}
