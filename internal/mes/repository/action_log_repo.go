package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// ActionLogRepository 操作日志仓库
type ActionLogRepository struct {
	db *gorm.DB
}

func NewActionLogRepository(db *gorm.DB) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

// Create 写入操作日志
func (r *ActionLogRepository) Create(tx *gorm.DB, log *entity.StepActionLog) error {
	return tx.Create(log).Error
}

// ListByTicket 获取工单的操作历史
func (r *ActionLogRepository) ListByTicket(ctx context.Context, ticketID string) ([]entity.StepActionLog, error) {
	var logs []entity.StepActionLog
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, err
}
