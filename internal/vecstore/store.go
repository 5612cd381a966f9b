package vecstore

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

func init() {
	// 元数据 map 中可能嵌套的复合类型
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// Metadata 记录的自由属性表。保留键：
// text / type / agent / user_id / source / timestamp / expiry / priority
type Metadata = map[string]any

// Result 一次相似度检索的返回项
type Result struct {
	ID       string
	Distance float64
	Metadata Metadata
}

// Predicate 元数据过滤谓词，作用于候选记录的元数据副本
type Predicate func(Metadata) bool

// filterOversample 过滤检索的过采样倍数
const filterOversample = 4

// Store 嵌入式向量存储：ANN 后端 + 槽位对齐的元数据。
// 单把互斥锁串行化全部公开操作；公开方法之间不互相调用，
// 内部以不加锁的小写方法复用逻辑。
type Store struct {
	mu      sync.Mutex
	dim     int
	kind    string
	params  Params
	backend Backend

	metas    []Metadata // 槽位对齐，追加式
	deleted  []bool     // 逻辑删除标记
	idToSlot map[string]int
	slotToID []string
	tombs    int // 逻辑删除计数
}

// Stats 存储统计
type Stats struct {
	Live    int
	Deleted int
	Total   int
	Trained bool
}

// New 创建空存储
func New(dim int, kind string, params Params) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("维度必须为正: %d", dim)
	}
	params = params.withDefaults()
	backend, err := newBackend(kind, dim, params)
	if err != nil {
		return nil, err
	}
	return &Store{
		dim:      dim,
		kind:     kind,
		params:   params,
		backend:  backend,
		idToSlot: make(map[string]int),
	}, nil
}

// Dimension 返回声明维度 D
func (s *Store) Dimension() int { return s.dim }

// Kind 返回后端类型
func (s *Store) Kind() string { return s.kind }

// Train 训练需要训练的后端（目前仅 ivf）
func (s *Store) Train(samples [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range samples {
		if len(v) != s.dim {
			return &DimensionError{Want: s.dim, Got: len(v)}
		}
	}
	return s.backend.Train(samples)
}

// Insert 插入一条记录。id 为空时自动生成；id 已存在时视为更新。
func (s *Store) Insert(vec []float32, meta Metadata, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(vec, meta, id)
}

// InsertBatch 批量插入。metas/ids 可为 nil；
// 非 nil 但长度与 vectors 不一致时返回 ErrShape。
func (s *Store) InsertBatch(vectors [][]float32, metas []Metadata, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if metas != nil && len(metas) != len(vectors) {
		return nil, fmt.Errorf("%w: vectors=%d metadatas=%d", ErrShape, len(vectors), len(metas))
	}
	if ids != nil && len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: vectors=%d ids=%d", ErrShape, len(vectors), len(ids))
	}
	// 先整体校验维度，避免半途失败留下部分写入
	for _, v := range vectors {
		if len(v) != s.dim {
			return nil, &DimensionError{Want: s.dim, Got: len(v)}
		}
	}

	out := make([]string, 0, len(vectors))
	for i, v := range vectors {
		var meta Metadata
		if metas != nil {
			meta = metas[i]
		}
		var id string
		if ids != nil {
			id = ids[i]
		}
		assigned, err := s.insertLocked(v, meta, id)
		if err != nil {
			return out, err
		}
		out = append(out, assigned)
	}
	return out, nil
}

func (s *Store) insertLocked(vec []float32, meta Metadata, id string) (string, error) {
	if len(vec) != s.dim {
		return "", &DimensionError{Want: s.dim, Got: len(vec)}
	}
	if s.backend.RequiresTraining() && !s.backend.Trained() {
		return "", ErrUntrained
	}
	if id == "" {
		id = uuid.New().String()
	}

	// 同 id 记录存在即为更新：旧槽位打墓碑，id 绑定到新槽位
	if old, ok := s.idToSlot[id]; ok && !s.deleted[old] {
		s.deleted[old] = true
		s.tombs++
	}

	slot, err := s.backend.Add(vec)
	if err != nil {
		return "", err
	}
	s.metas = append(s.metas, cloneMetadata(meta))
	s.deleted = append(s.deleted, false)
	s.slotToID = append(s.slotToID, id)
	s.idToSlot[id] = slot
	return id, nil
}

// Search 相似度检索：升序平方 L2 距离，同距按插入顺序；
// 排除逻辑删除记录；k 收缩到存活记录数。
func (s *Store) Search(query []float32, k int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchLocked(query, k, nil)
}

// SearchWithFilter 带谓词的检索：先取至少 4k 的过采样候选集，
// 再对每个候选的元数据应用谓词，按得分序返回前 k 个幸存者。
// 幸存者不足 k 时返回现有结果，不再补采。
func (s *Store) SearchWithFilter(query []float32, k int, pred Predicate) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pred == nil {
		return s.searchLocked(query, k, nil)
	}
	return s.searchLocked(query, k, pred)
}

// SearchBatch 逐查询检索，每个查询一个结果列表
func (s *Store) SearchBatch(queries [][]float32, k int) ([][]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Result, len(queries))
	for i, q := range queries {
		results, err := s.searchLocked(q, k, nil)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

func (s *Store) searchLocked(query []float32, k int, pred Predicate) ([]Result, error) {
	if len(query) != s.dim {
		return nil, &DimensionError{Want: s.dim, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	live := len(s.metas) - s.tombs
	if k > live {
		k = live
	}
	if k == 0 {
		return nil, nil
	}

	// 候选量：墓碑要补偿；带谓词时按过采样倍数放大
	fetch := k + s.tombs
	if pred != nil {
		fetch = k*filterOversample + s.tombs
	}
	if fetch > s.backend.Count() {
		fetch = s.backend.Count()
	}

	candidates := s.backend.Search(query, fetch)
	results := make([]Result, 0, k)
	for _, c := range candidates {
		if s.deleted[c.Slot] {
			continue
		}
		meta := cloneMetadata(s.metas[c.Slot])
		if pred != nil && !pred(meta) {
			continue
		}
		results = append(results, Result{
			ID:       s.slotToID[c.Slot],
			Distance: c.Distance,
			Metadata: meta,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// GetByID 返回记录元数据的副本；不存在或已删除返回 nil
func (s *Store) GetByID(id string) Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.idToSlot[id]
	if !ok || s.deleted[slot] {
		return nil
	}
	return cloneMetadata(s.metas[slot])
}

// Update 逻辑删除旧记录并在同一 id 下插入新记录
func (s *Store) Update(id string, vec []float32, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertLocked(vec, meta, id)
	return err
}

// MarkDeleted 幂等逻辑删除
func (s *Store) MarkDeleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.idToSlot[id]
	if !ok || s.deleted[slot] {
		return
	}
	s.deleted[slot] = true
	s.tombs++
}

// Compact 把存活记录重建进新后端，回收全部墓碑槽位
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := newBackend(s.kind, s.dim, s.params)
	if err != nil {
		return err
	}

	var liveVecs [][]float32
	var liveMetas []Metadata
	var liveIDs []string
	for slot := range s.metas {
		if s.deleted[slot] {
			continue
		}
		vec, ok := s.backend.Vector(slot)
		if !ok {
			return fmt.Errorf("压缩失败: 槽位 %d 缺少向量", slot)
		}
		liveVecs = append(liveVecs, vec)
		liveMetas = append(liveMetas, s.metas[slot])
		liveIDs = append(liveIDs, s.slotToID[slot])
	}

	if fresh.RequiresTraining() && len(liveVecs) > 0 {
		if err := fresh.Train(liveVecs); err != nil {
			return fmt.Errorf("压缩重训练失败: %w", err)
		}
	}

	idToSlot := make(map[string]int, len(liveIDs))
	for i, vec := range liveVecs {
		slot, err := fresh.Add(vec)
		if err != nil {
			return fmt.Errorf("压缩重建失败: %w", err)
		}
		idToSlot[liveIDs[i]] = slot
	}

	s.backend = fresh
	s.metas = liveMetas
	s.deleted = make([]bool, len(liveMetas))
	s.idToSlot = idToSlot
	s.slotToID = liveIDs
	s.tombs = 0
	return nil
}

// Count 存活记录数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metas) - s.tombs
}

// GetStats 返回存储统计
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Live:    len(s.metas) - s.tombs,
		Deleted: s.tombs,
		Total:   len(s.metas),
		Trained: s.backend.Trained(),
	}
}

// cloneMetadata 深拷贝元数据，保证返回值可被调用方修改
func cloneMetadata(meta Metadata) Metadata {
	if meta == nil {
		return nil
	}
	out := make(Metadata, len(meta))
	for k, v := range meta {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// sidecarState 元数据 sidecar 的 gob 结构。
// sidecar 对 id 映射有最终话语权，索引文件只负责几何。
type sidecarState struct {
	Dimension int
	Kind      string
	Params    Params
	Metas     []Metadata
	Deleted   []bool
	IDToSlot  map[string]int
	SlotToID  []string
}

// Save 持久化：索引文件写后端字节，sidecar 写元数据与映射
func (s *Store) Save(indexPath, metaPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexFile, err := os.Create(indexPath)
	if err != nil {
		return &PersistenceError{Op: "save", Path: indexPath, Err: err}
	}
	defer indexFile.Close()
	if err := s.backend.WriteTo(indexFile); err != nil {
		return &PersistenceError{Op: "save", Path: indexPath, Err: err}
	}

	metaFile, err := os.Create(metaPath)
	if err != nil {
		return &PersistenceError{Op: "save", Path: metaPath, Err: err}
	}
	defer metaFile.Close()
	state := sidecarState{
		Dimension: s.dim,
		Kind:      s.kind,
		Params:    s.params,
		Metas:     s.metas,
		Deleted:   s.deleted,
		IDToSlot:  s.idToSlot,
		SlotToID:  s.slotToID,
	}
	if err := gob.NewEncoder(metaFile).Encode(state); err != nil {
		return &PersistenceError{Op: "save", Path: metaPath, Err: err}
	}
	return nil
}

// Load 在新建的空存储上恢复持久化状态。
// sidecar 的维度或后端类型与本存储不一致视为致命错误。
func (s *Store) Load(indexPath, metaPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaFile, err := os.Open(metaPath)
	if err != nil {
		return &PersistenceError{Op: "load", Path: metaPath, Err: err}
	}
	defer metaFile.Close()
	var state sidecarState
	if err := gob.NewDecoder(metaFile).Decode(&state); err != nil {
		return &PersistenceError{Op: "load", Path: metaPath, Err: err}
	}
	if state.Dimension != s.dim {
		return fmt.Errorf("加载失败: sidecar 维度 %d 与存储维度 %d 不一致", state.Dimension, s.dim)
	}
	if state.Kind != s.kind {
		return fmt.Errorf("加载失败: sidecar 后端 %q 与存储后端 %q 不一致", state.Kind, s.kind)
	}

	backend, err := newBackend(state.Kind, state.Dimension, state.Params)
	if err != nil {
		return err
	}
	indexFile, err := os.Open(indexPath)
	if err != nil {
		return &PersistenceError{Op: "load", Path: indexPath, Err: err}
	}
	defer indexFile.Close()
	if err := backend.ReadFrom(indexFile); err != nil {
		return &PersistenceError{Op: "load", Path: indexPath, Err: err}
	}

	s.params = state.Params
	s.backend = backend
	s.metas = state.Metas
	s.deleted = state.Deleted
	s.idToSlot = state.IDToSlot
	s.slotToID = state.SlotToID
	s.tombs = 0
	for _, d := range s.deleted {
		if d {
			s.tombs++
		}
	}
	if s.idToSlot == nil {
		s.idToSlot = make(map[string]int)
	}
	return nil
}
