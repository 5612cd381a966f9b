package workflow

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

var identSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// evalCondition 对照 run 内存求值。nil 条件恒真。
func evalCondition(cond *Condition, memory map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch {
	case len(cond.And) > 0:
		for _, sub := range cond.And {
			ok, err := evalCondition(sub, memory)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(cond.Or) > 0:
		for _, sub := range cond.Or {
			ok, err := evalCondition(sub, memory)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Not != nil:
		ok, err := evalCondition(cond.Not, memory)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case cond.Expr != "":
		return evalExpression(cond.Expr, memory)

	case cond.Step != "":
		// 叶子: memory[Step] == Equals
		recorded, ok := memory[cond.Step]
		if !ok {
			return false, nil
		}
		return looseEqual(recorded, cond.Equals), nil

	default:
		return false, fmt.Errorf("%w: 空条件节点", ErrInvalidWorkflow)
	}
}

// evalExpression govaluate 表达式求值，变量为净化后的步骤 id
func evalExpression(expr string, memory map[string]any) (bool, error) {
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, fmt.Errorf("解析条件表达式失败: %w", err)
	}

	parameters := make(map[string]interface{}, len(memory))
	for stepID, value := range memory {
		parameters[sanitizeIdent(stepID)] = value
	}
	// 未记录的变量填 nil，表达式自行处理
	for _, v := range expression.Vars() {
		if _, exists := parameters[v]; !exists {
			parameters[v] = nil
		}
	}

	result, err := expression.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("评估条件表达式失败: %w", err)
	}
	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("条件表达式结果不是布尔值: %v", result)
	}
	return boolResult, nil
}

func sanitizeIdent(id string) string {
	return identSanitizer.ReplaceAllString(strings.TrimSpace(id), "_")
}

// looseEqual 先做数值宽松比较，再退回 DeepEqual
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
