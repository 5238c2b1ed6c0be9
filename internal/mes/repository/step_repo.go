package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// StepRepository 工序仓库
type StepRepository struct {
	db *gorm.DB
}

func NewStepRepository(db *gorm.DB) *StepRepository {
	return &StepRepository{db: db}
}

// ListByTicket 按顺序获取工单的全部工序
func (r *StepRepository) ListByTicket(ctx context.Context, ticketID string) ([]entity.StationFlowStep, error) {
	var steps []entity.StationFlowStep
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// ListByTicketTx 事务内按顺序获取工序（锁由调用方持有的工单行保证）
func (r *StepRepository) ListByTicketTx(tx *gorm.DB, ticketID string) ([]entity.StationFlowStep, error) {
	var steps []entity.StationFlowStep
	err := tx.Where("ticket_id = ?", ticketID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// BatchCreate 批量创建工序
func (r *StepRepository) BatchCreate(ctx context.Context, steps []entity.StationFlowStep) error {
	if len(steps) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&steps).Error
}

// Save 保存工序
func (r *StepRepository) Save(tx *gorm.DB, step *entity.StationFlowStep) error {
	return tx.Save(step).Error
}
