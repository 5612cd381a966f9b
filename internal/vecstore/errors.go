package vecstore

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBackend 后端类型不在 exact/ivf/hnsw 之内
	ErrUnknownBackend = errors.New("unknown index backend")
	// ErrUntrained 后端需要训练但尚未训练
	ErrUntrained = errors.New("index backend not trained")
	// ErrNotTrainable 后端不需要训练
	ErrNotTrainable = errors.New("index backend does not require training")
	// ErrShape 批量插入时 vectors/metadatas/ids 长度不一致
	ErrShape = errors.New("batch shape mismatch")
)

// DimensionError 向量维度与存储声明的维度 D 不一致
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("向量维度不匹配: 期望 %d, 实际 %d", e.Want, e.Got)
}

// IsDimensionError 判断是否为维度错误
func IsDimensionError(err error) bool {
	var de *DimensionError
	return errors.As(err, &de)
}

// PersistenceError 持久化读写失败
type PersistenceError struct {
	Op   string // save / load
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("持久化失败(%s %s): %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
