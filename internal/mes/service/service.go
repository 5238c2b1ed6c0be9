package service

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Ticket   *TicketService
	Workflow *WorkflowService
	QC       *QCService
	Rework   *ReworkService
	Export   *ExportService
}

// NewServices 创建服务集合并完成互相注入
func NewServices(db *gorm.DB, repos *repository.Repositories, rdb *redis.Client) *Services {
	workflow := NewWorkflowService(db, repos, rdb)
	qc := NewQCService(db, repos, workflow)
	rework := NewReworkService(db, repos, workflow)
	qc.SetReworkService(rework)

	return &Services{
		Ticket:   NewTicketService(db, repos),
		Workflow: workflow,
		QC:       qc,
		Rework:   rework,
		Export:   NewExportService(repos),
	}
}
