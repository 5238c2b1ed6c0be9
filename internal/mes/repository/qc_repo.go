package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QCRepository 质检仓库
type QCRepository struct {
	db *gorm.DB
}

func NewQCRepository(db *gorm.DB) *QCRepository {
	return &QCRepository{db: db}
}

// CreateSession 事务内创建质检会话
func (r *QCRepository) CreateSession(tx *gorm.DB, session *entity.QCSession) error {
	return tx.Create(session).Error
}

// CreateRows 事务内批量创建质检行项
func (r *QCRepository) CreateRows(tx *gorm.DB, rows []entity.QCRow) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// FindSessionBySubmissionTx 事务内按客户端提交ID查会话，重试去重用
func (r *QCRepository) FindSessionBySubmissionTx(tx *gorm.DB, submissionID string) (*entity.QCSession, error) {
	var session entity.QCSession
	err := tx.Where("submission_id = ?", submissionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ListSessionsByTicket 获取工单的质检会话（含行项）
func (r *QCRepository) ListSessionsByTicket(ctx context.Context, ticketID string) ([]entity.QCSession, error) {
	var sessions []entity.QCSession
	err := r.db.WithContext(ctx).
		Preload("Rows", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// UpsertAlert 以会话ID为键 upsert 不良告警
// 重试同一次提交只会刷新同一条告警，不会累加。
func (r *QCRepository) UpsertAlert(tx *gorm.DB, alert *entity.DefectAlert) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"quantity", "station_id", "station_name", "qc_task_uuid", "correlation_resolved", "updated_at",
		}),
	}).Create(alert).Error
}

// FindAlertBySession 事务内按会话ID查告警
func (r *QCRepository) FindAlertBySession(tx *gorm.DB, sessionID string) (*entity.DefectAlert, error) {
	var alert entity.DefectAlert
	err := tx.Where("session_id = ?", sessionID).First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlertsByTicket 获取工单的不良告警
func (r *QCRepository) ListAlertsByTicket(ctx context.Context, ticketID string) ([]entity.DefectAlert, error) {
	var alerts []entity.DefectAlert
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&alerts).Error
	return alerts, err
}
