package workflow

import (
	"errors"
	"testing"
)

func stepIDs(steps []Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func mustNext(t *testing.T, e *Engine, workflowID string) []string {
	t.Helper()
	steps, err := e.NextSteps(workflowID)
	if err != nil {
		t.Fatalf("NextSteps 失败: %v", err)
	}
	return stepIDs(steps)
}

// TestDAGAdvance 菱形 DAG：a -> {b, c} -> d 按依赖推进
func TestDAGAdvance(t *testing.T) {
	e := NewEngine()
	def := Definition{
		ID: "diamond",
		Steps: []Step{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	if got := mustNext(t, e, "diamond"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("初始可执行 = %v, 期望 [a]", got)
	}

	e.RecordStepOutput("diamond", "a", "ok", StepStatusSuccess)
	got := mustNext(t, e, "diamond")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("a 完成后可执行 = %v, 期望 [b c]", got)
	}

	e.RecordStepOutput("diamond", "b", "ok", StepStatusSuccess)
	if got := mustNext(t, e, "diamond"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("b 完成后可执行 = %v, 期望 [c]", got)
	}

	e.RecordStepOutput("diamond", "c", "ok", StepStatusSuccess)
	if got := mustNext(t, e, "diamond"); len(got) != 1 || got[0] != "d" {
		t.Fatalf("c 完成后可执行 = %v, 期望 [d]", got)
	}

	e.RecordStepOutput("diamond", "d", "ok", StepStatusSuccess)
	if got := mustNext(t, e, "diamond"); len(got) != 0 {
		t.Fatalf("全部完成后可执行 = %v, 期望为空", got)
	}
}

// TestRegisterRejectsCycle 依赖成环拒绝注册
func TestRegisterRejectsCycle(t *testing.T) {
	e := NewEngine()
	def := Definition{
		ID: "cyclic",
		Steps: []Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	if err := e.Register(def); !errors.Is(err, ErrInvalidWorkflow) {
		t.Errorf("err = %v, 期望 ErrInvalidWorkflow", err)
	}
}

// TestRegisterValidation 重复步骤与未知依赖拒绝注册
func TestRegisterValidation(t *testing.T) {
	e := NewEngine()

	dup := Definition{ID: "dup", Steps: []Step{{ID: "a"}, {ID: "a"}}}
	if err := e.Register(dup); !errors.Is(err, ErrInvalidWorkflow) {
		t.Errorf("重复步骤 err = %v", err)
	}

	ghost := Definition{ID: "ghost", Steps: []Step{{ID: "a", DependsOn: []string{"missing"}}}}
	if err := e.Register(ghost); !errors.Is(err, ErrInvalidWorkflow) {
		t.Errorf("未知依赖 err = %v", err)
	}

	if _, err := e.NextSteps("never-registered"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("未注册工作流 err = %v", err)
	}
}

// TestHITLGate HITL 步骤在审批前不可执行
func TestHITLGate(t *testing.T) {
	e := NewEngine()
	def := Chain("review",
		Step{ID: "draft"},
		Step{ID: "publish", HITL: true},
	)
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	e.RecordStepOutput("review", "draft", "草稿", StepStatusSuccess)
	if got := mustNext(t, e, "review"); len(got) != 0 {
		t.Fatalf("审批前可执行 = %v, 期望为空", got)
	}

	if err := e.ApproveHITLStep("review", "publish"); err != nil {
		t.Fatalf("审批失败: %v", err)
	}
	if got := mustNext(t, e, "review"); len(got) != 1 || got[0] != "publish" {
		t.Fatalf("审批后可执行 = %v, 期望 [publish]", got)
	}

	// 非 HITL 步骤不接受审批
	if err := e.ApproveHITLStep("review", "draft"); err == nil {
		t.Error("非 HITL 步骤审批应当失败")
	}
}

// TestConditionGate 叶子条件按 run 内存求值
func TestConditionGate(t *testing.T) {
	e := NewEngine()
	def := Definition{
		ID: "cond",
		Steps: []Step{
			{ID: "check"},
			{ID: "ship", DependsOn: []string{"check"},
				Condition: &Condition{Step: "check", Equals: "pass"}},
			{ID: "rework", DependsOn: []string{"check"},
				Condition: &Condition{Not: &Condition{Step: "check", Equals: "pass"}}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	e.RecordStepOutput("cond", "check", "pass", StepStatusSuccess)
	if got := mustNext(t, e, "cond"); len(got) != 1 || got[0] != "ship" {
		t.Fatalf("check=pass 可执行 = %v, 期望 [ship]", got)
	}
}

// TestExprCondition govaluate 表达式条件
func TestExprCondition(t *testing.T) {
	e := NewEngine()
	def := Definition{
		ID: "expr",
		Steps: []Step{
			{ID: "score"},
			{ID: "accept", DependsOn: []string{"score"},
				Condition: &Condition{Expr: "score >= 60"}},
			{ID: "reject", DependsOn: []string{"score"},
				Condition: &Condition{Expr: "score < 60"}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	e.RecordStepOutput("expr", "score", 85, StepStatusSuccess)
	if got := mustNext(t, e, "expr"); len(got) != 1 || got[0] != "accept" {
		t.Fatalf("score=85 可执行 = %v, 期望 [accept]", got)
	}
}

// TestOnFailureFallback 步骤失败后其回退步骤可执行
func TestOnFailureFallback(t *testing.T) {
	e := NewEngine()
	def := Definition{
		ID: "retryable",
		Steps: []Step{
			{ID: "deploy", OnFailure: "rollback"},
			{ID: "rollback", DependsOn: []string{"deploy"}},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	e.RecordStepOutput("retryable", "deploy", "超时", StepStatusFailed)

	// rollback 依赖 deploy 完成，但作为失败回退被放行
	if got := mustNext(t, e, "retryable"); len(got) != 1 || got[0] != "rollback" {
		t.Fatalf("失败后可执行 = %v, 期望 [rollback]", got)
	}

	status, _ := e.StepStatus("retryable", "deploy")
	if status != StepStatusFailed {
		t.Errorf("deploy 状态 = %q", status)
	}
}

// TestHistoryAppendOnly 历史按时间追加，反馈只增不删
func TestHistoryAppendOnly(t *testing.T) {
	e := NewEngine()
	def := Chain("logged", Step{ID: "one"}, Step{ID: "two"})
	if err := e.Register(def); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	e.RecordStepOutput("logged", "one", 1, StepStatusSuccess)
	e.RecordStepOutput("logged", "two", 2, StepStatusFailed)
	e.RecordStepOutput("logged", "two", 3, StepStatusSuccess)

	history, err := e.History("logged")
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("历史条数 = %d, 期望 3", len(history))
	}
	if history[1].StepID != "two" || history[1].Status != StepStatusFailed {
		t.Errorf("历史[1] = %+v", history[1])
	}

	e.AddFeedback("logged", "two", "第二次才成功")
	feedback, _ := e.Feedback("logged")
	if len(feedback) != 1 || feedback[0].Content != "第二次才成功" {
		t.Errorf("反馈 = %+v", feedback)
	}

	// 失败后重试成功，步骤进入完成集
	completed, _ := e.Completed("logged")
	if !completed["two"] {
		t.Error("重试成功的步骤未进入完成集")
	}
}

// TestRunMemory run 内存保留最新输出
func TestRunMemory(t *testing.T) {
	e := NewEngine()
	def := Chain("mem", Step{ID: "s"})
	e.Register(def)

	e.RecordStepOutput("mem", "s", "v1", StepStatusFailed)
	e.RecordStepOutput("mem", "s", "v2", StepStatusSuccess)

	memory, err := e.Memory("mem")
	if err != nil {
		t.Fatalf("查询内存失败: %v", err)
	}
	if memory["s"] != "v2" {
		t.Errorf("内存 = %v, 期望最新输出 v2", memory)
	}

	if err := e.RecordStepOutput("mem", "ghost", nil, StepStatusSuccess); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("未知步骤 err = %v", err)
	}
}

// recordingSink 记录落盘调用
type recordingSink struct {
	calls []string
}

func (s *recordingSink) RecordStep(workflowID, stepID, status string, output any) error {
	s.calls = append(s.calls, workflowID+"/"+stepID+"/"+status)
	return nil
}

// TestHistorySink 注入的落盘器收到每次步骤记录
func TestHistorySink(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(WithHistorySink(sink))
	e.Register(Chain("sinked", Step{ID: "s"}))

	e.RecordStepOutput("sinked", "s", "输出", StepStatusSuccess)

	if len(sink.calls) != 1 || sink.calls[0] != "sinked/s/success" {
		t.Errorf("落盘调用 = %v", sink.calls)
	}
}
