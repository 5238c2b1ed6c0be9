package repository

import (
	"errors"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Repositories 仓库集合
type Repositories struct {
	Ticket     *TicketRepository
	Step       *StepRepository
	Assignment *AssignmentRepository
	Station    *StationRepository
	QC         *QCRepository
	Rework     *ReworkRepository
	ActionLog  *ActionLogRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Ticket:     NewTicketRepository(db),
		Step:       NewStepRepository(db),
		Assignment: NewAssignmentRepository(db),
		Station:    NewStationRepository(db),
		QC:         NewQCRepository(db),
		Rework:     NewReworkRepository(db),
		ActionLog:  NewActionLogRepository(db),
	}
}
