package vecstore

import (
	"encoding/gob"
	"fmt"
	"io"
	"sort"
)

// exactBackend 精确暴力检索后端，保证 top-k 正确
type exactBackend struct {
	dim     int
	vectors [][]float32
}

func newExactBackend(dim int) *exactBackend {
	return &exactBackend{dim: dim}
}

func (b *exactBackend) Kind() string           { return BackendExact }
func (b *exactBackend) Dimension() int         { return b.dim }
func (b *exactBackend) RequiresTraining() bool { return false }
func (b *exactBackend) Trained() bool          { return true }

func (b *exactBackend) Train(samples [][]float32) error {
	return ErrNotTrainable
}

func (b *exactBackend) Add(vec []float32) (int, error) {
	if len(vec) != b.dim {
		return 0, &DimensionError{Want: b.dim, Got: len(vec)}
	}
	stored := make([]float32, b.dim)
	copy(stored, vec)
	b.vectors = append(b.vectors, stored)
	return len(b.vectors) - 1, nil
}

func (b *exactBackend) Count() int { return len(b.vectors) }

func (b *exactBackend) Vector(slot int) ([]float32, bool) {
	if slot < 0 || slot >= len(b.vectors) {
		return nil, false
	}
	return b.vectors[slot], true
}

func (b *exactBackend) Search(query []float32, k int) []Candidate {
	if k <= 0 || len(b.vectors) == 0 {
		return nil
	}
	candidates := make([]Candidate, len(b.vectors))
	for slot, vec := range b.vectors {
		candidates[slot] = Candidate{Slot: slot, Distance: l2Squared(query, vec)}
	}
	// 距离升序，距离相同按插入顺序
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// exactState gob 序列化结构
type exactState struct {
	Dim     int
	Vectors [][]float32
}

func (b *exactBackend) WriteTo(w io.Writer) error {
	return gob.NewEncoder(w).Encode(exactState{Dim: b.dim, Vectors: b.vectors})
}

func (b *exactBackend) ReadFrom(r io.Reader) error {
	var state exactState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("解码 exact 索引失败: %w", err)
	}
	if state.Dim != b.dim {
		return &DimensionError{Want: b.dim, Got: state.Dim}
	}
	b.vectors = state.Vectors
	return nil
}
