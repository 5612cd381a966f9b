package vecstore

import (
	"fmt"
	"io"
)

// 后端类型常量
const (
	BackendExact = "exact"
	BackendIVF   = "ivf"
	BackendHNSW  = "hnsw"
)

// Params 后端参数
type Params struct {
	NList       int // ivf: 聚类中心数，默认 100
	NProbe      int // ivf: 查询时探测的桶数，默认 min(8, NList)
	GraphDegree int // hnsw: 每个节点的出边数 M，默认 32
}

// withDefaults 填充缺省参数并做下限约束
func (p Params) withDefaults() Params {
	if p.NList < 1 {
		p.NList = 100
	}
	if p.NProbe < 1 {
		p.NProbe = 8
	}
	if p.NProbe > p.NList {
		p.NProbe = p.NList
	}
	if p.GraphDegree < 4 {
		p.GraphDegree = 32
	}
	return p
}

// Candidate 后端检索候选：槽位号 + 平方 L2 距离
type Candidate struct {
	Slot     int
	Distance float64
}

// Backend 底层向量索引后端。实现不保证线程安全，由 Store 持锁串行访问。
// 槽位号按 Add 调用顺序从 0 递增，与 Store 的元数据数组对齐。
type Backend interface {
	Kind() string
	Dimension() int
	RequiresTraining() bool
	Trained() bool
	// Train 训练粗量化器；不需要训练的后端返回 ErrNotTrainable
	Train(samples [][]float32) error
	// Add 追加一个向量，返回其槽位号
	Add(vec []float32) (int, error)
	Count() int
	// Vector 取回某槽位的向量，供压缩重建使用
	Vector(slot int) ([]float32, bool)
	// Search 返回至多 k 个候选，按距离升序，距离相同按槽位升序
	Search(query []float32, k int) []Candidate
	WriteTo(w io.Writer) error
	ReadFrom(r io.Reader) error
}

// newBackend 按类型构造空后端
func newBackend(kind string, dim int, params Params) (Backend, error) {
	switch kind {
	case BackendExact:
		return newExactBackend(dim), nil
	case BackendIVF:
		return newIVFBackend(dim, params.NList, params.NProbe), nil
	case BackendHNSW:
		return newHNSWBackend(dim, params.GraphDegree), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

// l2Squared 平方 L2 距离
func l2Squared(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
