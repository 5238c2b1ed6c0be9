package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReworkRepository 返工单仓库
type ReworkRepository struct {
	db *gorm.DB
}

func NewReworkRepository(db *gorm.DB) *ReworkRepository {
	return &ReworkRepository{db: db}
}

// FindAll 查询返工单列表
func (r *ReworkRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.ReworkOrder, int64, error) {
	var items []entity.ReworkOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ReworkOrder{})

	if ticketID := filters["ticket_id"]; ticketID != "" {
		query = query.Where("ticket_id = ?", ticketID)
	}
	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if approval := filters["approval_status"]; approval != "" {
		query = query.Where("approval_status = ?", approval)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}

// FindByID 根据ID查找返工单
func (r *ReworkRepository) FindByID(ctx context.Context, id string) (*entity.ReworkOrder, error) {
	var order entity.ReworkOrder
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindByIDForUpdate 事务内按行锁加载返工单
func (r *ReworkRepository) FindByIDForUpdate(tx *gorm.DB, id string) (*entity.ReworkOrder, error) {
	var order entity.ReworkOrder
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Create 事务内创建返工单
func (r *ReworkRepository) Create(tx *gorm.DB, order *entity.ReworkOrder) error {
	return tx.Create(order).Error
}

// Save 保存返工单
func (r *ReworkRepository) Save(tx *gorm.DB, order *entity.ReworkOrder) error {
	return tx.Save(order).Error
}

// ListSteps 按顺序获取返工路线图
func (r *ReworkRepository) ListSteps(ctx context.Context, reworkOrderID string) ([]entity.ReworkStep, error) {
	var steps []entity.ReworkStep
	err := r.db.WithContext(ctx).
		Where("rework_order_id = ?", reworkOrderID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// ListStepsTx 事务内按顺序获取返工路线图
func (r *ReworkRepository) ListStepsTx(tx *gorm.DB, reworkOrderID string) ([]entity.ReworkStep, error) {
	var steps []entity.ReworkStep
	err := tx.Where("rework_order_id = ?", reworkOrderID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// BatchCreateSteps 事务内批量创建返工工序
func (r *ReworkRepository) BatchCreateSteps(tx *gorm.DB, steps []entity.ReworkStep) error {
	if len(steps) == 0 {
		return nil
	}
	return tx.Create(&steps).Error
}

// SaveStep 保存返工工序
func (r *ReworkRepository) SaveStep(tx *gorm.DB, step *entity.ReworkStep) error {
	return tx.Save(step).Error
}

// CountOpenByTicket 统计工单下未终结的返工单
// 母工单只有在该数量为0且路线图走完时才算真正完结。
func (r *ReworkRepository) CountOpenByTicket(ctx context.Context, ticketID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.ReworkOrder{}).
		Where("ticket_id = ? AND status NOT IN ?", ticketID, []string{entity.ReworkStatusMerged, entity.ReworkStatusCancelled}).
		Count(&count).Error
	return count, err
}

// FindBySessionTx 事务内按QC会话查返工单（告警重试去重用）
func (r *ReworkRepository) FindBySessionTx(tx *gorm.DB, sessionID string) (*entity.ReworkOrder, error) {
	var order entity.ReworkOrder
	err := tx.Where("session_id = ?", sessionID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GenerateCode 生成返工单编码 RW-{year}-{4位}
func (r *ReworkRepository) GenerateCode(tx *gorm.DB) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("RW-%s-", year)

	var maxCode string
	err := tx.Model(&entity.ReworkOrder{}).
		Select("COALESCE(MAX(code), '')").
		Where("code LIKE ?", prefix+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, "RW-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("RW-%s-%04d", year, seq), nil
}
