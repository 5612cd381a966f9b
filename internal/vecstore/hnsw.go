package vecstore

import (
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
)

const (
	hnswEfConstruction = 200
	hnswEfSearch       = 64
	hnswSeed           = 20240601
)

// hnswBackend 分层可导航小世界图后端。
// 上层做贪心下降定位，第 0 层做 beam search。
type hnswBackend struct {
	dim            int
	m              int // 每节点出边数
	maxM0          int // 第 0 层出边上限
	efConstruction int
	efSearch       int
	ml             float64
	entry          int // 入口节点槽位，-1 表示空图
	maxLevel       int
	levels         []int
	neighbors      [][][]int // 槽位 -> 层 -> 邻居槽位
	vectors        [][]float32
	rng            *rand.Rand
}

func newHNSWBackend(dim, graphDegree int) *hnswBackend {
	return &hnswBackend{
		dim:            dim,
		m:              graphDegree,
		maxM0:          graphDegree * 2,
		efConstruction: hnswEfConstruction,
		efSearch:       hnswEfSearch,
		ml:             1.0 / math.Log(float64(graphDegree)),
		entry:          -1,
		rng:            rand.New(rand.NewSource(hnswSeed)),
	}
}

func (b *hnswBackend) Kind() string           { return BackendHNSW }
func (b *hnswBackend) Dimension() int         { return b.dim }
func (b *hnswBackend) RequiresTraining() bool { return false }
func (b *hnswBackend) Trained() bool          { return true }

func (b *hnswBackend) Train(samples [][]float32) error {
	return ErrNotTrainable
}

func (b *hnswBackend) Count() int { return len(b.vectors) }

func (b *hnswBackend) Vector(slot int) ([]float32, bool) {
	if slot < 0 || slot >= len(b.vectors) {
		return nil, false
	}
	return b.vectors[slot], true
}

func (b *hnswBackend) Add(vec []float32) (int, error) {
	if len(vec) != b.dim {
		return 0, &DimensionError{Want: b.dim, Got: len(vec)}
	}
	stored := make([]float32, b.dim)
	copy(stored, vec)

	slot := len(b.vectors)
	level := b.randomLevel()
	b.vectors = append(b.vectors, stored)
	b.levels = append(b.levels, level)
	layerLinks := make([][]int, level+1)
	b.neighbors = append(b.neighbors, layerLinks)

	if b.entry < 0 {
		b.entry = slot
		b.maxLevel = level
		return slot, nil
	}

	// 1. 上层贪心下降到 level+1
	cur := b.entry
	for l := b.maxLevel; l > level; l-- {
		cur = b.greedyStep(stored, cur, l)
	}

	// 2. 逐层 beam search 建边
	topLayer := level
	if topLayer > b.maxLevel {
		topLayer = b.maxLevel
	}
	for l := topLayer; l >= 0; l-- {
		found := b.searchLayer(stored, cur, b.efConstruction, l)
		maxLinks := b.m
		if l == 0 {
			maxLinks = b.maxM0
		}
		selected := found
		if len(selected) > b.m {
			selected = selected[:b.m]
		}
		for _, cand := range selected {
			b.neighbors[slot][l] = append(b.neighbors[slot][l], cand.Slot)
			b.neighbors[cand.Slot][l] = append(b.neighbors[cand.Slot][l], slot)
			b.pruneNeighbors(cand.Slot, l, maxLinks)
		}
		if len(found) > 0 {
			cur = found[0].Slot
		}
	}

	if level > b.maxLevel {
		b.entry = slot
		b.maxLevel = level
	}
	return slot, nil
}

func (b *hnswBackend) Search(query []float32, k int) []Candidate {
	if k <= 0 || b.entry < 0 {
		return nil
	}
	cur := b.entry
	for l := b.maxLevel; l > 0; l-- {
		cur = b.greedyStep(query, cur, l)
	}
	ef := b.efSearch
	if ef < k {
		ef = k
	}
	found := b.searchLayer(query, cur, ef, 0)
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Distance != found[j].Distance {
			return found[i].Distance < found[j].Distance
		}
		return found[i].Slot < found[j].Slot
	})
	if k < len(found) {
		found = found[:k]
	}
	return found
}

// randomLevel 指数分布抽层
func (b *hnswBackend) randomLevel() int {
	u := b.rng.Float64()
	for u == 0 {
		u = b.rng.Float64()
	}
	return int(-math.Log(u) * b.ml)
}

// greedyStep 在某层贪心走到离 query 最近的邻居
func (b *hnswBackend) greedyStep(query []float32, start, layer int) int {
	cur := start
	curDist := l2Squared(query, b.vectors[cur])
	for {
		improved := false
		for _, nb := range b.layerNeighbors(cur, layer) {
			if d := l2Squared(query, b.vectors[nb]); d < curDist {
				cur = nb
				curDist = d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer 某层的 beam search，返回按距离升序的至多 ef 个候选
func (b *hnswBackend) searchLayer(query []float32, entry, ef, layer int) []Candidate {
	entryDist := l2Squared(query, b.vectors[entry])
	visited := map[int]bool{entry: true}

	candidates := &candMinHeap{{Slot: entry, Distance: entryDist}}
	results := &candMaxHeap{{Slot: entry, Distance: entryDist}}
	heap.Init(candidates)
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(Candidate)
		if results.Len() >= ef && c.Distance > (*results)[0].Distance {
			break
		}
		for _, nb := range b.layerNeighbors(c.Slot, layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := l2Squared(query, b.vectors[nb])
			if results.Len() < ef || d < (*results)[0].Distance {
				heap.Push(candidates, Candidate{Slot: nb, Distance: d})
				heap.Push(results, Candidate{Slot: nb, Distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(Candidate)
	}
	return out
}

func (b *hnswBackend) layerNeighbors(slot, layer int) []int {
	links := b.neighbors[slot]
	if layer >= len(links) {
		return nil
	}
	return links[layer]
}

// pruneNeighbors 超出上限时保留距离最近的 maxLinks 个邻居
func (b *hnswBackend) pruneNeighbors(slot, layer, maxLinks int) {
	links := b.neighbors[slot][layer]
	if len(links) <= maxLinks {
		return
	}
	base := b.vectors[slot]
	sort.SliceStable(links, func(i, j int) bool {
		return l2Squared(base, b.vectors[links[i]]) < l2Squared(base, b.vectors[links[j]])
	})
	b.neighbors[slot][layer] = links[:maxLinks]
}

// candMinHeap 距离小顶堆
type candMinHeap []Candidate

func (h candMinHeap) Len() int            { return len(h) }
func (h candMinHeap) Less(i, j int) bool  { return h[i].Distance < h[j].Distance }
func (h candMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candMinHeap) Push(x interface{}) { *h = append(*h, x.(Candidate)) }
func (h *candMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// candMaxHeap 距离大顶堆
type candMaxHeap []Candidate

func (h candMaxHeap) Len() int            { return len(h) }
func (h candMaxHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h candMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candMaxHeap) Push(x interface{}) { *h = append(*h, x.(Candidate)) }
func (h *candMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// hnswState gob 序列化结构
type hnswState struct {
	Dim       int
	M         int
	MaxM0     int
	Entry     int
	MaxLevel  int
	Levels    []int
	Neighbors [][][]int
	Vectors   [][]float32
}

func (b *hnswBackend) WriteTo(w io.Writer) error {
	return gob.NewEncoder(w).Encode(hnswState{
		Dim:       b.dim,
		M:         b.m,
		MaxM0:     b.maxM0,
		Entry:     b.entry,
		MaxLevel:  b.maxLevel,
		Levels:    b.levels,
		Neighbors: b.neighbors,
		Vectors:   b.vectors,
	})
}

func (b *hnswBackend) ReadFrom(r io.Reader) error {
	var state hnswState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("解码 hnsw 索引失败: %w", err)
	}
	if state.Dim != b.dim {
		return &DimensionError{Want: b.dim, Got: state.Dim}
	}
	b.m = state.M
	b.maxM0 = state.MaxM0
	b.entry = state.Entry
	b.maxLevel = state.MaxLevel
	b.levels = state.Levels
	b.neighbors = state.Neighbors
	b.vectors = state.Vectors
	b.ml = 1.0 / math.Log(float64(b.m))
	// 重建抽层随机源，保证加载后继续插入行为可复现
	b.rng = rand.New(rand.NewSource(hnswSeed + int64(len(b.vectors))))
	return nil
}
