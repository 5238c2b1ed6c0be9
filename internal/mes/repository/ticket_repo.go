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

// TicketRepository 工单仓库
type TicketRepository struct {
	db *gorm.DB
}

func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// FindAll 查询工单列表
func (r *TicketRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.Ticket, int64, error) {
	var items []entity.Ticket
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Ticket{})

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if priority := filters["priority"]; priority != "" {
		query = query.Where("priority = ?", priority)
	}
	if keyword := filters["keyword"]; keyword != "" {
		query = query.Where("code ILIKE ? OR product_name ILIKE ?", "%"+keyword+"%", "%"+keyword+"%")
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

// FindByID 根据ID查找工单
func (r *TicketRepository) FindByID(ctx context.Context, id string) (*entity.Ticket, error) {
	var ticket entity.Ticket
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// FindByIDForUpdate 在事务内按行锁加载工单
// 同一工单的 check-then-write 都必须经过这把锁。
func (r *TicketRepository) FindByIDForUpdate(tx *gorm.DB, id string) (*entity.Ticket, error) {
	var ticket entity.Ticket
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// Create 创建工单
func (r *TicketRepository) Create(ctx context.Context, ticket *entity.Ticket) error {
	return r.db.WithContext(ctx).Create(ticket).Error
}

// UpdateStatus 刷新派生状态展示缓存
func (r *TicketRepository) UpdateStatus(tx *gorm.DB, id, status string) error {
	return tx.Model(&entity.Ticket{}).Where("id = ?", id).Update("status", status).Error
}

// GenerateCode 生成工单编码 WO-{year}-{4位}
func (r *TicketRepository) GenerateCode(ctx context.Context) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("WO-%s-", year)

	var maxCode string
	err := r.db.WithContext(ctx).
		Model(&entity.Ticket{}).
		Select("COALESCE(MAX(code), '')").
		Where("code LIKE ?", prefix+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, "WO-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("WO-%s-%04d", year, seq), nil
}
