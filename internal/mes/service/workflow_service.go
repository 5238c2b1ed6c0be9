package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// WorkflowService 工序状态机引擎
// start/complete 的 check-then-write 全部压在母工单行锁里执行：
// 两个技师同时抢同一道工序，只有先拿到锁的能赢，另一个看到的是
// 已变更后的状态并收到前置条件错误。不同工单之间互不加锁。
type WorkflowService struct {
	db             *gorm.DB
	ticketRepo     *repository.TicketRepository
	stepRepo       *repository.StepRepository
	assignmentRepo *repository.AssignmentRepository
	logRepo        *repository.ActionLogRepository
	rdb            *redis.Client
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(db *gorm.DB, repos *repository.Repositories, rdb *redis.Client) *WorkflowService {
	return &WorkflowService{
		db:             db,
		ticketRepo:     repos.Ticket,
		stepRepo:       repos.Step,
		assignmentRepo: repos.Assignment,
		logRepo:        repos.ActionLog,
		rdb:            rdb,
	}
}

// StartStep 启动工序
// 前置条件：该工单没有进行中的工序；目标是第一道未结清的工序；
// 目标不是QC类工位（QC工序自动激活，不允许手动启动）；操作人通过权限检查。
// 对已经 current 的工序重复调用返回 ErrAlreadyInProgress，不产生第二次变更。
func (s *WorkflowService) StartStep(ctx context.Context, ticketID string, stepOrder int, actor Actor) (*entity.Ticket, error) {
	s.touchCooldown(ctx, actor.ID)

	var result *entity.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.ticketRepo.FindByIDForUpdate(tx, ticketID)
		if err != nil {
			return err
		}
		steps, err := s.stepRepo.ListByTicketTx(tx, ticketID)
		if err != nil {
			return fmt.Errorf("加载工序列表失败: %w", err)
		}

		target := findStep(steps, stepOrder)
		if target == nil {
			return fmt.Errorf("%w: 工序 %d 不存在", ErrNoEligibleStep, stepOrder)
		}
		if hasCurrentStep(steps) {
			return ErrAlreadyInProgress
		}
		eligible := firstEligibleStep(steps)
		if eligible < 0 {
			return fmt.Errorf("%w: 全部工序已结清", ErrNoEligibleStep)
		}
		if steps[eligible].StepOrder != stepOrder {
			return fmt.Errorf("%w: 下一道应为工序 %d[%s]", ErrNoEligibleStep, steps[eligible].StepOrder, steps[eligible].StationName)
		}
		if target.IsQC() {
			return fmt.Errorf("%w: QC工序自动激活，不能手动启动", ErrNoEligibleStep)
		}
		if err := s.authorizeStep(tx, ticketID, target, actor); err != nil {
			return err
		}

		now := time.Now()
		target.Status = entity.StepStatusCurrent
		target.StartedAt = &now
		if err := s.stepRepo.Save(tx, target); err != nil {
			return fmt.Errorf("更新工序失败: %w", err)
		}

		s.logAction(tx, entity.StepActionLog{
			OwnerType:  "ticket",
			OwnerID:    ticketID,
			TicketID:   ticketID,
			StepOrder:  &stepOrder,
			Action:     entity.ActionStart,
			FromStatus: entity.StepStatusPending,
			ToStatus:   entity.StepStatusCurrent,
		}, actor, nil, "")

		result, err = s.reconcileTx(tx, ticket, steps)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, ticketID, "step_start", result.Status)
	return result, nil
}

// CompleteStep 完成工序
// 目标工序必须处于 current。完成后若下一道是QC类工位则自动激活。
// 对已完成的工序重复调用返回 ErrNotCurrent，不产生第二次变更。
func (s *WorkflowService) CompleteStep(ctx context.Context, ticketID string, stepOrder int, actor Actor) (*entity.Ticket, error) {
	s.touchCooldown(ctx, actor.ID)

	var result *entity.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.ticketRepo.FindByIDForUpdate(tx, ticketID)
		if err != nil {
			return err
		}
		steps, err := s.stepRepo.ListByTicketTx(tx, ticketID)
		if err != nil {
			return fmt.Errorf("加载工序列表失败: %w", err)
		}

		target := findStep(steps, stepOrder)
		if target == nil {
			return fmt.Errorf("%w: 工序 %d 不存在", ErrNotCurrent, stepOrder)
		}
		if target.Status != entity.StepStatusCurrent {
			return fmt.Errorf("%w: 当前状态为 %s", ErrNotCurrent, target.Status)
		}
		if err := s.authorizeStep(tx, ticketID, target, actor); err != nil {
			return err
		}

		now := time.Now()
		target.Status = entity.StepStatusCompleted
		target.CompletedAt = &now
		if err := s.stepRepo.Save(tx, target); err != nil {
			return fmt.Errorf("更新工序失败: %w", err)
		}

		s.logAction(tx, entity.StepActionLog{
			OwnerType:  "ticket",
			OwnerID:    ticketID,
			TicketID:   ticketID,
			StepOrder:  &stepOrder,
			Action:     entity.ActionComplete,
			FromStatus: entity.StepStatusCurrent,
			ToStatus:   entity.StepStatusCompleted,
		}, actor, nil, "")

		// 下一道是QC工位时自动激活（QC工序从不手动启动）
		if next := firstEligibleStep(steps); next >= 0 && steps[next].IsQC() {
			steps[next].Status = entity.StepStatusCurrent
			steps[next].StartedAt = &now
			if err := s.stepRepo.Save(tx, &steps[next]); err != nil {
				return fmt.Errorf("自动激活QC工序失败: %w", err)
			}
			order := steps[next].StepOrder
			s.logAction(tx, entity.StepActionLog{
				OwnerType:  "ticket",
				OwnerID:    ticketID,
				TicketID:   ticketID,
				StepOrder:  &order,
				Action:     entity.ActionAutoQC,
				FromStatus: entity.StepStatusPending,
				ToStatus:   entity.StepStatusCurrent,
			}, System, nil, "前道工序完成，QC自动激活")
		}

		result, err = s.reconcileTx(tx, ticket, steps)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, ticketID, "step_complete", result.Status)
	return result, nil
}

// AssignStep 指派技师到工序（管理员操作）
// QC/CNC/Packing 类工位按角色放行，不接受按人指派。
// 指派、操作日志与状态重算在同一事务里落库，不留半截指派。
func (s *WorkflowService) AssignStep(ctx context.Context, ticketID string, stepOrder int, technicianID, technicianName string, actor Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: 工序指派需要管理员角色", ErrNotAuthorized)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.ticketRepo.FindByIDForUpdate(tx, ticketID)
		if err != nil {
			return err
		}
		steps, err := s.stepRepo.ListByTicketTx(tx, ticketID)
		if err != nil {
			return fmt.Errorf("加载工序列表失败: %w", err)
		}
		target := findStep(steps, stepOrder)
		if target == nil {
			return fmt.Errorf("%w: 工序 %d 不存在", repository.ErrNotFound, stepOrder)
		}
		station := entity.Station{Class: target.StationClass}
		if station.IsRoleGated() {
			return fmt.Errorf("%s类工位按角色放行，不做按人指派", target.StationClass)
		}

		assignment := &entity.StepAssignment{
			ID:             uuid.New().String()[:32],
			TicketID:       ticketID,
			StationID:      target.StationID,
			StepOrder:      stepOrder,
			TechnicianID:   technicianID,
			TechnicianName: technicianName,
			AssignedBy:     actor.ID,
			AssignedAt:     time.Now(),
		}
		if err := s.assignmentRepo.UpsertTx(tx, assignment); err != nil {
			return fmt.Errorf("保存指派失败: %w", err)
		}

		s.logAction(tx, entity.StepActionLog{
			OwnerType:  "ticket",
			OwnerID:    ticketID,
			TicketID:   ticketID,
			StepOrder:  &stepOrder,
			Action:     entity.ActionAssign,
			FromStatus: target.Status,
			ToStatus:   target.Status,
		}, actor, entity.JSONB{"technician_id": technicianID, "technician_name": technicianName}, "")
		_, err = s.reconcileTx(tx, ticket, steps)
		return err
	})
	if err != nil {
		return err
	}

	s.afterMutation(ctx, ticketID, "assign", "")
	return nil
}

// History 工单操作历史
func (s *WorkflowService) History(ctx context.Context, ticketID string) ([]entity.StepActionLog, error) {
	logs, err := s.logRepo.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("查询操作历史失败: %w", err)
	}
	return logs, nil
}

// authorizeStep 工序权限检查
// 管理员直接放行；角色放行类工位检查角色名单（名单空 = 不限）；
// 普通工位要求操作人被指派到该工序。
func (s *WorkflowService) authorizeStep(tx *gorm.DB, ticketID string, step *entity.StationFlowStep, actor Actor) error {
	if actor.IsAdmin() || actor.ID == System.ID {
		return nil
	}

	station := entity.Station{Class: step.StationClass}
	if station.IsRoleGated() {
		var def entity.Station
		if err := tx.Where("id = ?", step.StationID).First(&def).Error; err == nil {
			if def.RoleAllowed(actor.Roles) {
				return nil
			}
			return fmt.Errorf("%w: 工位[%s]要求角色 %v", ErrNotAuthorized, step.StationName, def.AllowedRoles)
		}
		// 工位定义缺失时退化为不限角色
		return nil
	}

	assigned, err := s.assignmentRepo.ExistsForActorTx(tx, ticketID, step.StepOrder, actor.ID)
	if err != nil {
		return fmt.Errorf("查询指派失败: %w", err)
	}
	if !assigned {
		return fmt.Errorf("%w: 未被指派到工序 %d[%s]", ErrNotAuthorized, step.StepOrder, step.StationName)
	}
	return nil
}

// reconcileTx 事务内重新推导工单状态并刷新展示缓存
func (s *WorkflowService) reconcileTx(tx *gorm.DB, ticket *entity.Ticket, steps []entity.StationFlowStep) (*entity.Ticket, error) {
	count, err := s.assignmentRepo.CountByTicketTx(tx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("统计指派失败: %w", err)
	}
	status := DeriveTicketStatus(steps, count)
	if status != ticket.Status {
		if err := s.ticketRepo.UpdateStatus(tx, ticket.ID, status); err != nil {
			return nil, fmt.Errorf("刷新工单状态失败: %w", err)
		}
		ticket.Status = status
	}
	ticket.Steps = steps
	return ticket, nil
}

// afterMutation 变更落库后的通知与缓存刷新
// 通知失败绝不回滚已提交的状态变更——变更本身是唯一事实，通知靠轮询兜底。
func (s *WorkflowService) afterMutation(ctx context.Context, ticketID, changeKind, status string) {
	if s.rdb != nil && status != "" {
		if err := s.rdb.Set(ctx, "mes:ticket:status:"+ticketID, status, 10*time.Minute).Err(); err != nil {
			log.Printf("[Workflow] 状态缓存刷新失败 (ticket=%s): %v", ticketID, err)
		}
	}
	sse.PublishTicketUpdate(ticketID, changeKind)
}

// touchCooldown 操作人冷却标记（防误触连点的辅助信号，不承担正确性）
func (s *WorkflowService) touchCooldown(ctx context.Context, actorID string) {
	if s.rdb == nil || actorID == "" {
		return
	}
	ok, err := s.rdb.SetNX(ctx, "mes:cooldown:"+actorID, 1, 2*time.Second).Result()
	if err != nil {
		return
	}
	if !ok {
		log.Printf("[Workflow] 操作人 %s 处于冷却窗口内，疑似重复提交", actorID)
	}
}

// logAction 写工序操作日志，失败只记日志不中断主流程
func (s *WorkflowService) logAction(tx *gorm.DB, l entity.StepActionLog, actor Actor, eventData entity.JSONB, comment string) {
	l.ID = uuid.New().String()
	l.ActorID = actor.ID
	l.ActorType = "user"
	if actor.ID == System.ID {
		l.ActorType = "system"
	}
	l.EventData = eventData
	l.Comment = comment
	if err := s.logRepo.Create(tx, &l); err != nil {
		log.Printf("[Workflow] 记录操作日志失败: %v", err)
	}
}

// findStep 按 step_order 找工序
func findStep(steps []entity.StationFlowStep, stepOrder int) *entity.StationFlowStep {
	for i := range steps {
		if steps[i].StepOrder == stepOrder {
			return &steps[i]
		}
	}
	return nil
}
