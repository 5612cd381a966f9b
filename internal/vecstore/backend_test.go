package vecstore

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
)

// TestIVFRequiresTraining 未训练的 ivf 拒绝插入
func TestIVFRequiresTraining(t *testing.T) {
	s, err := New(2, BackendIVF, Params{NList: 4})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	if _, err := s.Insert([]float32{1, 0}, nil, ""); !errors.Is(err, ErrUntrained) {
		t.Fatalf("未训练插入 err = %v, 期望 ErrUntrained", err)
	}

	samples := [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0, -1}, {0.9, 0.1}, {0.1, 0.9}}
	if err := s.Train(samples); err != nil {
		t.Fatalf("训练失败: %v", err)
	}
	if _, err := s.Insert([]float32{1, 0}, nil, "a"); err != nil {
		t.Fatalf("训练后插入失败: %v", err)
	}
}

// TestExactTrainNotTrainable exact 后端不接受训练
func TestExactTrainNotTrainable(t *testing.T) {
	s, _ := New(2, BackendExact, Params{})
	if err := s.Train([][]float32{{1, 0}}); !errors.Is(err, ErrNotTrainable) {
		t.Errorf("err = %v, 期望 ErrNotTrainable", err)
	}
}

// TestIVFSearchFindsNeighbors ivf 在簇划分良好时能召回近邻
func TestIVFSearchFindsNeighbors(t *testing.T) {
	s, err := New(2, BackendIVF, Params{NList: 2, NProbe: 2})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	// 两个相距很远的簇
	var samples [][]float32
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		samples = append(samples, []float32{float32(rng.NormFloat64() * 0.1), 0})
		samples = append(samples, []float32{10 + float32(rng.NormFloat64()*0.1), 0})
	}
	if err := s.Train(samples); err != nil {
		t.Fatalf("训练失败: %v", err)
	}

	s.Insert([]float32{0.1, 0}, nil, "near-origin")
	s.Insert([]float32{10.1, 0}, nil, "near-ten")

	results, err := s.Search([]float32{0, 0}, 1)
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	if len(results) != 1 || results[0].ID != "near-origin" {
		t.Errorf("结果 = %+v, 期望 near-origin", results)
	}
}

// TestIVFNListShrinksToSamples 样本少于 nlist 时聚类中心数收缩
func TestIVFNListShrinksToSamples(t *testing.T) {
	s, err := New(2, BackendIVF, Params{NList: 100})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	if err := s.Train([][]float32{{1, 0}, {0, 1}, {1, 1}}); err != nil {
		t.Fatalf("训练失败: %v", err)
	}
	if _, err := s.Insert([]float32{1, 0}, nil, "a"); err != nil {
		t.Fatalf("插入失败: %v", err)
	}
}

// TestHNSWRecall hnsw 在小数据集上对最近邻有可用召回
func TestHNSWRecall(t *testing.T) {
	s, err := New(8, BackendHNSW, Params{GraphDegree: 16})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	const n = 200
	vectors := make([][]float32, n)
	for i := range vectors {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32(rng.NormFloat64())
		}
		vectors[i] = vec
	}
	exact, _ := New(8, BackendExact, Params{})
	for i, vec := range vectors {
		id := string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
		s.Insert(vec, nil, id)
		exact.Insert(vec, nil, id)
	}

	// 对若干查询比较 hnsw 与精确检索的 top-1
	hits := 0
	const trials = 20
	for i := 0; i < trials; i++ {
		query := vectors[rng.Intn(n)]
		want, _ := exact.Search(query, 1)
		got, err := s.Search(query, 1)
		if err != nil {
			t.Fatalf("检索失败: %v", err)
		}
		if len(got) == 1 && len(want) == 1 && got[0].ID == want[0].ID {
			hits++
		}
	}
	// 自查询的最近邻是其本身，图构建正确时召回接近满分
	if hits < trials*8/10 {
		t.Errorf("top-1 召回 %d/%d, 期望至少 %d", hits, trials, trials*8/10)
	}
}

// TestIVFSaveLoad ivf 训练状态随索引文件持久化
func TestIVFSaveLoad(t *testing.T) {
	s, err := New(2, BackendIVF, Params{NList: 2, NProbe: 2})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	samples := [][]float32{{1, 0}, {0, 1}, {5, 5}, {6, 6}}
	if err := s.Train(samples); err != nil {
		t.Fatalf("训练失败: %v", err)
	}
	s.Insert([]float32{1, 0}, nil, "a")
	s.Insert([]float32{5, 5}, nil, "b")

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "ivf.index")
	metaPath := filepath.Join(dir, "ivf.meta")
	if err := s.Save(indexPath, metaPath); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	restored, err := New(2, BackendIVF, Params{NList: 2, NProbe: 2})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	if err := restored.Load(indexPath, metaPath); err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if !restored.GetStats().Trained {
		t.Error("恢复后训练状态丢失")
	}
	// 无需重新训练即可继续插入
	if _, err := restored.Insert([]float32{0.5, 0}, nil, "c"); err != nil {
		t.Errorf("恢复后插入失败: %v", err)
	}

	results, err := restored.Search([]float32{5, 5}, 1)
	if err != nil {
		t.Fatalf("恢复后检索失败: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Errorf("恢复后结果 = %+v, 期望 b", results)
	}
}

// TestIVFRetrainKeepsRecords 重训会重建倒排桶，已插入的记录必须被重新分桶后仍可检索
func TestIVFRetrainKeepsRecords(t *testing.T) {
	s, err := New(2, BackendIVF, Params{NList: 2, NProbe: 2})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	if err := s.Train([][]float32{{0, 0}, {10, 10}}); err != nil {
		t.Fatalf("训练失败: %v", err)
	}
	if _, err := s.Insert([]float32{1, 0}, nil, "a"); err != nil {
		t.Fatalf("插入失败: %v", err)
	}

	// 数据分布变化后重新训练
	if err := s.Train([][]float32{{0, 10}, {10, 0}}); err != nil {
		t.Fatalf("重训失败: %v", err)
	}

	results, err := s.Search([]float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("重训后结果 = %+v, 期望 a", results)
	}
}
