package service

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateTicketRequest 工单创建请求
type CreateTicketRequest struct {
	Code        string   `json:"code" binding:"required"`
	ProductName string   `json:"product_name"`
	Quantity    int      `json:"quantity" binding:"required,gt=0"`
	Priority    string   `json:"priority"`
	Stations    []string `json:"stations" binding:"required,min=1"` // 有序的工位编码
}

// TicketDetail 工单详情
type TicketDetail struct {
	*entity.Ticket
	DerivedStatus string                  `json:"derived_status"`
	FullyClosed   bool                    `json:"fully_closed"`
	Assignments   []entity.StepAssignment `json:"assignments"`
	ReworkOrders  []entity.ReworkOrder    `json:"rework_orders"`
}

// TicketService 工单接单与查询
type TicketService struct {
	db             *gorm.DB
	ticketRepo     *repository.TicketRepository
	stepRepo       *repository.StepRepository
	stationRepo    *repository.StationRepository
	assignmentRepo *repository.AssignmentRepository
	reworkRepo     *repository.ReworkRepository
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, repos *repository.Repositories) *TicketService {
	return &TicketService{
		db:             db,
		ticketRepo:     repos.Ticket,
		stepRepo:       repos.Step,
		stationRepo:    repos.Station,
		assignmentRepo: repos.Assignment,
		reworkRepo:     repos.Rework,
	}
}

// Create 创建工单并按工位编码生成路线图
// QC类工位在创建时就分配稳定的 qc_task_uuid，后续重排工序也不失效。
func (s *TicketService) Create(ctx context.Context, actor Actor, req *CreateTicketRequest) (*entity.Ticket, error) {
	ticket := &entity.Ticket{
		ID:          uuid.New().String()[:32],
		Code:        req.Code,
		ProductName: req.ProductName,
		Quantity:    req.Quantity,
		Priority:    req.Priority,
		Status:      entity.TicketStatusPending,
		CreatedBy:   actor.ID,
	}
	if ticket.Priority == "" {
		ticket.Priority = "normal"
	}

	steps := make([]entity.StationFlowStep, 0, len(req.Stations))
	for i, code := range req.Stations {
		station, err := s.stationRepo.FindByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("工位[%s]不存在: %w", code, err)
		}
		step := entity.StationFlowStep{
			ID:           uuid.New().String()[:32],
			TicketID:     ticket.ID,
			StepOrder:    i + 1,
			StationID:    station.ID,
			StationCode:  station.Code,
			StationName:  station.Name,
			StationClass: station.Class,
			Status:       entity.StepStatusPending,
		}
		if station.Class == entity.StationClassQC {
			u := uuid.New().String()
			step.QCTaskUUID = &u
		}
		steps = append(steps, step)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("创建工单失败: %w", err)
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("创建工序失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ticket.Steps = steps
	return ticket, nil
}

// List 工单列表
// 列表用的是展示缓存列；详情页才做全量推导。
func (s *TicketService) List(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.Ticket, int64, error) {
	return s.ticketRepo.FindAll(ctx, page, pageSize, filters)
}

// ListStations 工位目录（种子数据，无CRUD）
func (s *TicketService) ListStations(ctx context.Context) ([]entity.Station, error) {
	return s.stationRepo.List(ctx)
}

// Get 工单详情
// 状态从工序实时推导，绝不信库里的展示缓存；顺手把缓存刷新了。
// fully_closed 要求路线图 Finish 且没有未终结的返工单。
func (s *TicketService) Get(ctx context.Context, id string) (*TicketDetail, error) {
	ticket, err := s.ticketRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.stepRepo.ListByTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("加载工序列表失败: %w", err)
	}
	assignments, err := s.assignmentRepo.ListByTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("加载指派失败: %w", err)
	}
	reworks, _, err := s.reworkRepo.FindAll(ctx, 1, 100, map[string]string{"ticket_id": id})
	if err != nil {
		return nil, fmt.Errorf("加载返工单失败: %w", err)
	}
	openReworks, err := s.reworkRepo.CountOpenByTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("统计返工单失败: %w", err)
	}

	derived := DeriveTicketStatus(steps, int64(len(assignments)))
	if derived != ticket.Status {
		if err := s.ticketRepo.UpdateStatus(s.db.WithContext(ctx), id, derived); err == nil {
			ticket.Status = derived
		}
	}
	ticket.Steps = steps

	return &TicketDetail{
		Ticket:        ticket,
		DerivedStatus: derived,
		FullyClosed:   derived == entity.TicketStatusFinish && openReworks == 0,
		Assignments:   assignments,
		ReworkOrders:  reworks,
	}, nil
}
