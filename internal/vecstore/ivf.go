package vecstore

import (
	"encoding/gob"
	"fmt"
	"io"
	"sort"
)

// ivfBackend 倒排文件后端：粗量化器把向量分配到 nlist 个桶，
// 查询时只在最近的 nprobe 个桶内做精确计算。
type ivfBackend struct {
	dim       int
	nlist     int
	nprobe    int
	trained   bool
	centroids [][]float32
	cells     [][]int // 桶 -> 槽位列表
	vectors   [][]float32
}

func newIVFBackend(dim, nlist, nprobe int) *ivfBackend {
	return &ivfBackend{dim: dim, nlist: nlist, nprobe: nprobe}
}

func (b *ivfBackend) Kind() string           { return BackendIVF }
func (b *ivfBackend) Dimension() int         { return b.dim }
func (b *ivfBackend) RequiresTraining() bool { return true }
func (b *ivfBackend) Trained() bool          { return b.trained }

// Train 用样本向量跑 k-means 得到聚类中心。
// 样本数少于 nlist 时以样本数为准收缩桶数。
func (b *ivfBackend) Train(samples [][]float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("训练样本不能为空")
	}
	for _, s := range samples {
		if len(s) != b.dim {
			return &DimensionError{Want: b.dim, Got: len(s)}
		}
	}

	nlist := b.nlist
	if len(samples) < nlist {
		nlist = len(samples)
	}

	centroids := kMeans(samples, nlist, 10)
	b.centroids = centroids
	b.cells = make([][]int, len(centroids))
	b.trained = true
	if b.nprobe > len(centroids) {
		b.nprobe = len(centroids)
	}

	// 重训时把已有向量重新分桶，否则旧记录会从检索结果中消失
	for slot, vec := range b.vectors {
		cell := b.nearestCentroid(vec)
		b.cells[cell] = append(b.cells[cell], slot)
	}
	return nil
}

func (b *ivfBackend) Add(vec []float32) (int, error) {
	if !b.trained {
		return 0, ErrUntrained
	}
	if len(vec) != b.dim {
		return 0, &DimensionError{Want: b.dim, Got: len(vec)}
	}
	stored := make([]float32, b.dim)
	copy(stored, vec)
	slot := len(b.vectors)
	b.vectors = append(b.vectors, stored)

	cell := b.nearestCentroid(stored)
	b.cells[cell] = append(b.cells[cell], slot)
	return slot, nil
}

func (b *ivfBackend) Count() int { return len(b.vectors) }

func (b *ivfBackend) Vector(slot int) ([]float32, bool) {
	if slot < 0 || slot >= len(b.vectors) {
		return nil, false
	}
	return b.vectors[slot], true
}

func (b *ivfBackend) Search(query []float32, k int) []Candidate {
	if k <= 0 || !b.trained || len(b.vectors) == 0 {
		return nil
	}

	// 1. 按与查询的距离排序桶
	type cellDist struct {
		cell int
		dist float64
	}
	order := make([]cellDist, len(b.centroids))
	for i, c := range b.centroids {
		order[i] = cellDist{cell: i, dist: l2Squared(query, c)}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].dist < order[j].dist })

	// 2. 探测 nprobe 个桶，桶内精确计算
	nprobe := b.nprobe
	if nprobe > len(order) {
		nprobe = len(order)
	}
	var candidates []Candidate
	for _, cd := range order[:nprobe] {
		for _, slot := range b.cells[cd.cell] {
			candidates = append(candidates, Candidate{
				Slot:     slot,
				Distance: l2Squared(query, b.vectors[slot]),
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].Slot < candidates[j].Slot
	})
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

func (b *ivfBackend) nearestCentroid(vec []float32) int {
	best := 0
	bestDist := l2Squared(vec, b.centroids[0])
	for i := 1; i < len(b.centroids); i++ {
		if d := l2Squared(vec, b.centroids[i]); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// kMeans 朴素 Lloyd 迭代。初始中心取等距采样的样本点，空桶回退到原中心。
func kMeans(samples [][]float32, k, iterations int) [][]float32 {
	dim := len(samples[0])
	centroids := make([][]float32, k)
	step := len(samples) / k
	if step < 1 {
		step = 1
	}
	for i := 0; i < k; i++ {
		src := samples[(i*step)%len(samples)]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assign := make([]int, len(samples))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for si, s := range samples {
			best := 0
			bestDist := l2Squared(s, centroids[0])
			for ci := 1; ci < k; ci++ {
				if d := l2Squared(s, centroids[ci]); d < bestDist {
					best = ci
					bestDist = d
				}
			}
			if assign[si] != best {
				assign[si] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for si, s := range samples {
			ci := assign[si]
			counts[ci]++
			for d := 0; d < dim; d++ {
				sums[ci][d] += float64(s[d])
			}
		}
		for ci := 0; ci < k; ci++ {
			if counts[ci] == 0 {
				continue // 空桶保留原中心
			}
			for d := 0; d < dim; d++ {
				centroids[ci][d] = float32(sums[ci][d] / float64(counts[ci]))
			}
		}
	}
	return centroids
}

// ivfState gob 序列化结构
type ivfState struct {
	Dim       int
	NList     int
	NProbe    int
	Trained   bool
	Centroids [][]float32
	Cells     [][]int
	Vectors   [][]float32
}

func (b *ivfBackend) WriteTo(w io.Writer) error {
	return gob.NewEncoder(w).Encode(ivfState{
		Dim:       b.dim,
		NList:     b.nlist,
		NProbe:    b.nprobe,
		Trained:   b.trained,
		Centroids: b.centroids,
		Cells:     b.cells,
		Vectors:   b.vectors,
	})
}

func (b *ivfBackend) ReadFrom(r io.Reader) error {
	var state ivfState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("解码 ivf 索引失败: %w", err)
	}
	if state.Dim != b.dim {
		return &DimensionError{Want: b.dim, Got: state.Dim}
	}
	b.nlist = state.NList
	b.nprobe = state.NProbe
	b.trained = state.Trained
	b.centroids = state.Centroids
	b.cells = state.Cells
	b.vectors = state.Vectors
	return nil
}
