package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// StationRepository 工位仓库
type StationRepository struct {
	db *gorm.DB
}

func NewStationRepository(db *gorm.DB) *StationRepository {
	return &StationRepository{db: db}
}

// List 获取全部工位
func (r *StationRepository) List(ctx context.Context) ([]entity.Station, error) {
	var items []entity.Station
	err := r.db.WithContext(ctx).
		Order("sort_order ASC, code ASC").
		Find(&items).Error
	return items, err
}

// FindByCode 按编码查找工位
func (r *StationRepository) FindByCode(ctx context.Context, code string) (*entity.Station, error) {
	var station entity.Station
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&station).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &station, nil
}

// FindByID 按ID查找工位
func (r *StationRepository) FindByID(ctx context.Context, id string) (*entity.Station, error) {
	var station entity.Station
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&station).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &station, nil
}
