package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentcore/internal/infra/queue"
	"agentcore/internal/workflow"
)

// StepRecord 工作流步骤执行记录
type StepRecord struct {
	ID         uint   `gorm:"primaryKey"`
	WorkflowID string `gorm:"index;size:128"`
	StepID     string `gorm:"size:128"`
	Status     string `gorm:"size:32"`
	Output     string `gorm:"type:text"`
	CreatedAt  time.Time
}

// TaskRecord 队列任务的终态记录
type TaskRecord struct {
	ID        uint  `gorm:"primaryKey"`
	TaskID    int64 `gorm:"index"`
	Priority  int
	Status    string `gorm:"size:32"`
	Result    string `gorm:"type:text"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
}

// Store 基于 sqlite 的审计存储，落盘工作流历史与任务终态。
// 实现 workflow.HistorySink。
type Store struct {
	db *gorm.DB
}

var _ workflow.HistorySink = (*Store)(nil)

// Open 打开（必要时创建）审计库并迁移表结构
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开审计库失败: %w", err)
	}
	if err := db.AutoMigrate(&StepRecord{}, &TaskRecord{}); err != nil {
		return nil, fmt.Errorf("迁移审计表失败: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordStep 落盘一条步骤历史
func (s *Store) RecordStep(workflowID, stepID, status string, output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", output))
	}
	rec := StepRecord{
		WorkflowID: workflowID,
		StepID:     stepID,
		Status:     status,
		Output:     string(encoded),
		CreatedAt:  time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("写入步骤记录失败: %w", err)
	}
	return nil
}

// RecordTask 落盘一条任务终态
func (s *Store) RecordTask(task queue.Task) error {
	result, err := json.Marshal(task.Result)
	if err != nil {
		result = []byte(fmt.Sprintf("%v", task.Result))
	}
	rec := TaskRecord{
		TaskID:    task.ID,
		Priority:  int(task.Priority),
		Status:    string(task.Status),
		Result:    string(result),
		Error:     task.Error,
		CreatedAt: task.EnqueuedAt,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("写入任务记录失败: %w", err)
	}
	return nil
}

// StepHistory 按工作流查询步骤记录，按写入顺序返回
func (s *Store) StepHistory(workflowID string) ([]StepRecord, error) {
	var records []StepRecord
	err := s.db.Where("workflow_id = ?", workflowID).Order("id asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %w", err)
	}
	return records, nil
}

// TaskHistory 查询最近 limit 条任务记录，limit <= 0 表示不限
func (s *Store) TaskHistory(limit int) ([]TaskRecord, error) {
	var records []TaskRecord
	q := s.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("查询任务记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
