package runtime

import (
	"context"
	"strings"
	"testing"
)

// TestBuildContextWholeEntries 预算按整条截断，不折断条目
func TestBuildContextWholeEntries(t *testing.T) {
	table := map[string][]float32{
		"aaaa": {1, 0, 0},
		"bbbb": {0.9, 0, 0},
		"cccc": {0.8, 0, 0},
		"查询":   {1, 0, 0},
	}
	m := newTestMemory(t, table)
	ctx := context.Background()

	m.Remember(ctx, "aaaa", "fact")
	m.Remember(ctx, "bbbb", "fact")
	m.Remember(ctx, "cccc", "fact")

	// 预算 9 字符：aaaa(4) + 换行(1) + bbbb(4) = 9，第三条放不下
	got, err := m.BuildContext(ctx, "查询", 3, 9)
	if err != nil {
		t.Fatalf("拼装失败: %v", err)
	}
	if got != "aaaa\nbbbb" {
		t.Errorf("上下文 = %q, 期望 %q", got, "aaaa\nbbbb")
	}
}

// TestBuildContextScoreOrder 条目按相似度序出现
func TestBuildContextScoreOrder(t *testing.T) {
	table := map[string][]float32{
		"最相关": {1, 0, 0},
		"次相关": {0.5, 0.5, 0},
		"查询":  {1, 0, 0},
	}
	m := newTestMemory(t, table)
	ctx := context.Background()

	m.Remember(ctx, "次相关", "fact")
	m.Remember(ctx, "最相关", "fact")

	got, err := m.BuildContext(ctx, "查询", 2, 100)
	if err != nil {
		t.Fatalf("拼装失败: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 || lines[0] != "最相关" || lines[1] != "次相关" {
		t.Errorf("上下文 = %q", got)
	}
}

// TestBuildContextEmpty 没有记忆时返回空串
func TestBuildContextEmpty(t *testing.T) {
	m := newTestMemory(t, nil)
	got, err := m.BuildContext(context.Background(), "查询", 5, 100)
	if err != nil {
		t.Fatalf("拼装失败: %v", err)
	}
	if got != "" {
		t.Errorf("上下文 = %q, 期望空串", got)
	}
}

// TestBuildContextRecallFilter 透传召回过滤
func TestBuildContextRecallFilter(t *testing.T) {
	table := map[string][]float32{
		"私有":  {1, 0, 0},
		"公共":  {0.9, 0, 0},
		"查询": {1, 0, 0},
	}
	m := newTestMemory(t, table)
	ctx := context.Background()

	m.Remember(ctx, "私有", "fact", WithUserID("alice"))
	m.Remember(ctx, "公共", "fact")

	got, err := m.BuildContext(ctx, "查询", 5, 100,
		WithRecallOptions(ForUser("alice")))
	if err != nil {
		t.Fatalf("拼装失败: %v", err)
	}
	if got != "私有" {
		t.Errorf("上下文 = %q, 期望只含 alice 的记忆", got)
	}
}
