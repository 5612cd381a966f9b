package main

import (
	"context"
	"fmt"

	"agentcore/internal/agent/runtime"
	"agentcore/internal/bus"
	"agentcore/internal/worker"
	"agentcore/internal/workflow"
)

// newCoreHandler 返回常驻 agent 的消息处理器。
// 队列任务经 supervisor 泵入后以 payload.op 区分操作。
func newCoreHandler(memory *runtime.Memory, engine *workflow.Engine) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, msg bus.Message) (any, error) {
		payload, _ := msg.Payload["payload"].(map[string]any)
		if payload == nil {
			payload = msg.Payload
		}
		op, _ := payload["op"].(string)

		switch op {
		case "remember":
			text, _ := payload["text"].(string)
			memType, _ := payload["type"].(string)
			if memType == "" {
				memType = "note"
			}
			return memory.Remember(ctx, text, memType)

		case "recall":
			query, _ := payload["query"].(string)
			k := intField(payload, "k", 5)
			return memory.Recall(ctx, query, k)

		case "build_context":
			query, _ := payload["query"].(string)
			k := intField(payload, "k", 5)
			maxChars := intField(payload, "max_chars", 2000)
			return memory.BuildContext(ctx, query, k, maxChars)

		case "workflow_next":
			workflowID, _ := payload["workflow_id"].(string)
			return engine.NextSteps(workflowID)

		case "workflow_record":
			workflowID, _ := payload["workflow_id"].(string)
			stepID, _ := payload["step_id"].(string)
			status, _ := payload["status"].(string)
			if status == "" {
				status = workflow.StepStatusSuccess
			}
			err := engine.RecordStepOutput(workflowID, stepID, payload["output"], status)
			return nil, err

		default:
			return nil, fmt.Errorf("未知操作: %q", op)
		}
	})
}

func intField(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
