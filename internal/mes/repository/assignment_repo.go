package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssignmentRepository 工序指派仓库
type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// UpsertTx 事务内保存指派，(工单, 工序, 技师) 冲突时更新指派人信息
func (r *AssignmentRepository) UpsertTx(tx *gorm.DB, a *entity.StepAssignment) error {
	return tx.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "ticket_id"}, {Name: "step_order"}, {Name: "technician_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"technician_name", "assigned_by", "assigned_at"}),
		}).
		Create(a).Error
}

// ListByTicket 获取工单的全部指派
func (r *AssignmentRepository) ListByTicket(ctx context.Context, ticketID string) ([]entity.StepAssignment, error) {
	var items []entity.StepAssignment
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("step_order ASC, assigned_at ASC").
		Find(&items).Error
	return items, err
}

// CountByTicketTx 事务内统计工单的指派数量
func (r *AssignmentRepository) CountByTicketTx(tx *gorm.DB, ticketID string) (int64, error) {
	var count int64
	err := tx.Model(&entity.StepAssignment{}).
		Where("ticket_id = ?", ticketID).
		Count(&count).Error
	return count, err
}

// ExistsForActorTx 事务内检查某人是否被指派到指定工序
func (r *AssignmentRepository) ExistsForActorTx(tx *gorm.DB, ticketID string, stepOrder int, technicianID string) (bool, error) {
	var count int64
	err := tx.Model(&entity.StepAssignment{}).
		Where("ticket_id = ? AND step_order = ? AND technician_id = ?", ticketID, stepOrder, technicianID).
		Count(&count).Error
	return count > 0, err
}

// ExistsForActorStationTx 事务内检查某人是否在该工单的某工位有指派（返工路线图用）
func (r *AssignmentRepository) ExistsForActorStationTx(tx *gorm.DB, ticketID, stationID, technicianID string) (bool, error) {
	var count int64
	err := tx.Model(&entity.StepAssignment{}).
		Where("ticket_id = ? AND station_id = ? AND technician_id = ?", ticketID, stationID, technicianID).
		Count(&count).Error
	return count > 0, err
}
