package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReworkService 返工单生命周期
// 派生：不良告警触发，镜像母工单从不良工位起的剩余路线图。
// 推进：与母工单同一套状态机，作用域换成返工单自身。
// 合并：管理员审批通过后把找回的良品加回母工单，受原始缺口上限约束。
type ReworkService struct {
	db             *gorm.DB
	reworkRepo     *repository.ReworkRepository
	ticketRepo     *repository.TicketRepository
	assignmentRepo *repository.AssignmentRepository
	logRepo        *repository.ActionLogRepository
	workflow       *WorkflowService
}

// NewReworkService 创建返工服务
func NewReworkService(db *gorm.DB, repos *repository.Repositories, workflow *WorkflowService) *ReworkService {
	return &ReworkService{
		db:             db,
		reworkRepo:     repos.Rework,
		ticketRepo:     repos.Ticket,
		assignmentRepo: repos.Assignment,
		logRepo:        repos.ActionLog,
		workflow:       workflow,
	}
}

// SpawnFromAlert 由不良告警派生返工单（QC裁定事务内调用）
// 同一QC会话重试不会重复派生：已存在关联该会话的返工单时直接返回它。
func (s *ReworkService) SpawnFromAlert(tx *gorm.DB, ticket *entity.Ticket, steps []entity.StationFlowStep, alert *entity.DefectAlert, qcStep *entity.StationFlowStep, actor Actor) (*entity.ReworkOrder, error) {
	existing, err := s.reworkRepo.FindBySessionTx(tx, alert.SessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	code, err := s.reworkRepo.GenerateCode(tx)
	if err != nil {
		return nil, fmt.Errorf("生成返工单编码失败: %w", err)
	}

	order := &entity.ReworkOrder{
		ID:             uuid.New().String()[:32],
		Code:           code,
		TicketID:       ticket.ID,
		SessionID:      &alert.SessionID,
		StationID:      alert.StationID,
		StationName:    alert.StationName,
		Quantity:       alert.Quantity,
		Severity:       severityFor(alert.Quantity, ticket.Quantity),
		ApprovalStatus: entity.ReworkApprovalPending,
		Status:         entity.ReworkStatusOpen,
		CreatedBy:      actor.ID,
	}
	if err := s.reworkRepo.Create(tx, order); err != nil {
		return nil, fmt.Errorf("创建返工单失败: %w", err)
	}

	// 路线图镜像不良工位起的剩余工序；不良件要重新走一遍（含QC复检）。
	// QC工序在第一道时从QC工位本身起步。
	from := 0
	if qcStep != nil {
		from = qcStep.StepOrder - 1
		if from < 1 {
			from = qcStep.StepOrder
		}
	} else if len(steps) > 0 {
		from = steps[0].StepOrder
	}

	reworkSteps := make([]entity.ReworkStep, 0)
	seq := 0
	for i := range steps {
		if steps[i].StepOrder < from {
			continue
		}
		seq++
		reworkSteps = append(reworkSteps, entity.ReworkStep{
			ID:            uuid.New().String()[:32],
			ReworkOrderID: order.ID,
			StepOrder:     seq,
			StationID:     steps[i].StationID,
			StationCode:   steps[i].StationCode,
			StationName:   steps[i].StationName,
			StationClass:  steps[i].StationClass,
			Status:        entity.StepStatusPending,
		})
	}
	if err := s.reworkRepo.BatchCreateSteps(tx, reworkSteps); err != nil {
		return nil, fmt.Errorf("创建返工路线图失败: %w", err)
	}
	order.Steps = reworkSteps

	s.workflow.logAction(tx, entity.StepActionLog{
		OwnerType: "rework",
		OwnerID:   order.ID,
		TicketID:  ticket.ID,
		Action:    entity.ActionReworkSpawn,
		ToStatus:  entity.ReworkStatusOpen,
	}, actor, entity.JSONB{
		"rework_code": code,
		"quantity":    alert.Quantity,
		"session_id":  alert.SessionID,
		"station":     alert.StationName,
	}, "")

	return order, nil
}

// StartStep 启动返工工序（与母工单同一套规则，作用域换成返工单）
func (s *ReworkService) StartStep(ctx context.Context, reworkOrderID string, stepOrder int, actor Actor) (*entity.ReworkOrder, error) {
	var result *entity.ReworkOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.reworkRepo.FindByIDForUpdate(tx, reworkOrderID)
		if err != nil {
			return err
		}
		if order.IsClosed() {
			return fmt.Errorf("%w: 返工单已终结 (%s)", ErrNoEligibleStep, order.Status)
		}
		steps, err := s.reworkRepo.ListStepsTx(tx, reworkOrderID)
		if err != nil {
			return fmt.Errorf("加载返工路线图失败: %w", err)
		}

		target := findReworkStep(steps, stepOrder)
		if target == nil {
			return fmt.Errorf("%w: 工序 %d 不存在", ErrNoEligibleStep, stepOrder)
		}
		if hasCurrentReworkStep(steps) {
			return ErrAlreadyInProgress
		}
		eligible := firstEligibleReworkStep(steps)
		if eligible < 0 {
			return fmt.Errorf("%w: 全部工序已结清", ErrNoEligibleStep)
		}
		if steps[eligible].StepOrder != stepOrder {
			return fmt.Errorf("%w: 下一道应为工序 %d[%s]", ErrNoEligibleStep, steps[eligible].StepOrder, steps[eligible].StationName)
		}
		if target.IsQC() {
			return fmt.Errorf("%w: QC工序自动激活，不能手动启动", ErrNoEligibleStep)
		}
		if err := s.authorizeReworkStep(tx, order, target, actor); err != nil {
			return err
		}

		now := time.Now()
		target.Status = entity.StepStatusCurrent
		target.StartedAt = &now
		if err := s.reworkRepo.SaveStep(tx, target); err != nil {
			return fmt.Errorf("更新返工工序失败: %w", err)
		}

		s.workflow.logAction(tx, entity.StepActionLog{
			OwnerType:  "rework",
			OwnerID:    reworkOrderID,
			TicketID:   order.TicketID,
			StepOrder:  &stepOrder,
			Action:     entity.ActionStart,
			FromStatus: entity.StepStatusPending,
			ToStatus:   entity.StepStatusCurrent,
		}, actor, nil, "")

		order.Steps = steps
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	sse.PublishReworkUpdate(reworkOrderID, result.TicketID, "step_start")
	return result, nil
}

// CompleteStep 完成返工工序
// 最后一道结清时返工单状态置 completed，等待管理员审批合并。
func (s *ReworkService) CompleteStep(ctx context.Context, reworkOrderID string, stepOrder int, actor Actor) (*entity.ReworkOrder, error) {
	var result *entity.ReworkOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.reworkRepo.FindByIDForUpdate(tx, reworkOrderID)
		if err != nil {
			return err
		}
		steps, err := s.reworkRepo.ListStepsTx(tx, reworkOrderID)
		if err != nil {
			return fmt.Errorf("加载返工路线图失败: %w", err)
		}

		target := findReworkStep(steps, stepOrder)
		if target == nil {
			return fmt.Errorf("%w: 工序 %d 不存在", ErrNotCurrent, stepOrder)
		}
		if target.Status != entity.StepStatusCurrent {
			return fmt.Errorf("%w: 当前状态为 %s", ErrNotCurrent, target.Status)
		}
		if err := s.authorizeReworkStep(tx, order, target, actor); err != nil {
			return err
		}

		now := time.Now()
		target.Status = entity.StepStatusCompleted
		target.CompletedAt = &now
		if err := s.reworkRepo.SaveStep(tx, target); err != nil {
			return fmt.Errorf("更新返工工序失败: %w", err)
		}

		s.workflow.logAction(tx, entity.StepActionLog{
			OwnerType:  "rework",
			OwnerID:    reworkOrderID,
			TicketID:   order.TicketID,
			StepOrder:  &stepOrder,
			Action:     entity.ActionComplete,
			FromStatus: entity.StepStatusCurrent,
			ToStatus:   entity.StepStatusCompleted,
		}, actor, nil, "")

		// 下一道QC自动激活
		if next := firstEligibleReworkStep(steps); next >= 0 && steps[next].IsQC() {
			steps[next].Status = entity.StepStatusCurrent
			steps[next].StartedAt = &now
			if err := s.reworkRepo.SaveStep(tx, &steps[next]); err != nil {
				return fmt.Errorf("自动激活QC工序失败: %w", err)
			}
		}

		if allReworkStepsSettled(steps) && order.Status == entity.ReworkStatusOpen {
			order.Status = entity.ReworkStatusCompleted
			if err := s.reworkRepo.Save(tx, order); err != nil {
				return fmt.Errorf("更新返工单状态失败: %w", err)
			}
		}

		order.Steps = steps
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	sse.PublishReworkUpdate(reworkOrderID, result.TicketID, "step_complete")
	return result, nil
}

// MergeResult 合并结果
type MergeResult struct {
	Merged          bool `json:"merged"`
	NewPassQuantity int  `json:"new_pass_quantity"`
}

// ApproveMerge 审批并合并返工单
// 幂等：已审批通过的返工单重复审批是无操作的成功，返回当前良品数。
// 合并把找回的件数加回母工单良品数，但不能超过原始缺口——
// 返工单找不回比它创建时登记的更多的件。
func (s *ReworkService) ApproveMerge(ctx context.Context, reworkOrderID string, actor Actor, notes string) (*MergeResult, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: 合并审批需要管理员角色", ErrNotAuthorized)
	}

	var result MergeResult
	var ticketID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.reworkRepo.FindByIDForUpdate(tx, reworkOrderID)
		if err != nil {
			return err
		}
		ticketID = order.TicketID

		ticket, err := s.ticketRepo.FindByIDForUpdate(tx, order.TicketID)
		if err != nil {
			return err
		}

		if order.Status == entity.ReworkStatusCancelled {
			return fmt.Errorf("%w: 已取消的返工单不能合并", ErrNotEligible)
		}
		if order.ApprovalStatus == entity.ReworkApprovalApproved {
			// 重复审批：无操作成功
			result.Merged = true
			result.NewPassQuantity = ticket.EffectivePassQuantity()
			return nil
		}

		steps, err := s.reworkRepo.ListStepsTx(tx, reworkOrderID)
		if err != nil {
			return fmt.Errorf("加载返工路线图失败: %w", err)
		}
		if !allReworkStepsSettled(steps) {
			return ErrNotEligible
		}

		now := time.Now()
		order.ApprovalStatus = entity.ReworkApprovalApproved
		order.Status = entity.ReworkStatusMerged
		order.ApprovedBy = &actor.ID
		order.ApprovedAt = &now
		if notes != "" {
			order.Notes = notes
		}
		if err := s.reworkRepo.Save(tx, order); err != nil {
			return fmt.Errorf("更新返工单失败: %w", err)
		}

		// 良品数加回，上限 = initial_quantity（未快照过则为 quantity）
		if err := tx.Exec(`UPDATE mes_tickets
			SET pass_quantity = LEAST(COALESCE(initial_quantity, quantity), COALESCE(pass_quantity, quantity) + ?),
			    updated_at = NOW()
			WHERE id = ?`, order.Quantity, order.TicketID).Error; err != nil {
			return fmt.Errorf("回填良品数失败: %w", err)
		}
		var pq int
		if err := tx.Raw("SELECT COALESCE(pass_quantity, quantity) FROM mes_tickets WHERE id = ?", order.TicketID).Scan(&pq).Error; err != nil {
			return fmt.Errorf("读取良品数失败: %w", err)
		}
		result.Merged = true
		result.NewPassQuantity = pq

		s.workflow.logAction(tx, entity.StepActionLog{
			OwnerType:  "rework",
			OwnerID:    reworkOrderID,
			TicketID:   order.TicketID,
			Action:     entity.ActionReworkMerge,
			FromStatus: entity.ReworkStatusCompleted,
			ToStatus:   entity.ReworkStatusMerged,
		}, actor, entity.JSONB{
			"recovered_qty":     order.Quantity,
			"new_pass_quantity": pq,
		}, notes)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.workflow.afterMutation(ctx, ticketID, "rework_merge", "")
	sse.PublishReworkUpdate(reworkOrderID, ticketID, "merged")
	return &result, nil
}

// Cancel 取消返工单（管理员）
func (s *ReworkService) Cancel(ctx context.Context, reworkOrderID string, actor Actor, reason string) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: 取消返工单需要管理员角色", ErrNotAuthorized)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.reworkRepo.FindByIDForUpdate(tx, reworkOrderID)
		if err != nil {
			return err
		}
		if order.Status == entity.ReworkStatusMerged {
			return fmt.Errorf("%w: 已合并的返工单不能取消", ErrNotEligible)
		}
		if order.Status == entity.ReworkStatusCancelled {
			return nil // 幂等
		}
		fromStatus := order.Status
		order.Status = entity.ReworkStatusCancelled
		order.ApprovalStatus = entity.ReworkApprovalRejected
		if reason != "" {
			order.Notes = reason
		}
		if err := s.reworkRepo.Save(tx, order); err != nil {
			return fmt.Errorf("更新返工单失败: %w", err)
		}
		s.workflow.logAction(tx, entity.StepActionLog{
			OwnerType:  "rework",
			OwnerID:    reworkOrderID,
			TicketID:   order.TicketID,
			Action:     entity.ActionCancel,
			FromStatus: fromStatus,
			ToStatus:   entity.ReworkStatusCancelled,
		}, actor, nil, reason)
		return nil
	})
	if err != nil {
		return err
	}

	sse.PublishReworkUpdate(reworkOrderID, "", "cancelled")
	return nil
}

// List 返工单列表
func (s *ReworkService) List(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.ReworkOrder, int64, error) {
	return s.reworkRepo.FindAll(ctx, page, pageSize, filters)
}

// Get 返工单详情（含路线图）
func (s *ReworkService) Get(ctx context.Context, id string) (*entity.ReworkOrder, error) {
	order, err := s.reworkRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.reworkRepo.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("加载返工路线图失败: %w", err)
	}
	order.Steps = steps
	return order, nil
}

// authorizeReworkStep 返工工序权限检查
// 与母工单同一套规则；按人指派复用母工单在该工位的指派记录。
func (s *ReworkService) authorizeReworkStep(tx *gorm.DB, order *entity.ReworkOrder, step *entity.ReworkStep, actor Actor) error {
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
		return nil
	}

	assigned, err := s.assignmentRepo.ExistsForActorStationTx(tx, order.TicketID, step.StationID, actor.ID)
	if err != nil {
		return fmt.Errorf("查询指派失败: %w", err)
	}
	if !assigned {
		return fmt.Errorf("%w: 未被指派到工位[%s]", ErrNotAuthorized, step.StationName)
	}
	return nil
}

// severityFor 按不良占比定严重度
func severityFor(failed, total int) string {
	if total <= 0 {
		return "minor"
	}
	ratio := float64(failed) / float64(total)
	switch {
	case ratio >= 0.3:
		return "critical"
	case ratio >= 0.1:
		return "major"
	default:
		return "minor"
	}
}

// findReworkStep 按 step_order 找返工工序
func findReworkStep(steps []entity.ReworkStep, stepOrder int) *entity.ReworkStep {
	for i := range steps {
		if steps[i].StepOrder == stepOrder {
			return &steps[i]
		}
	}
	return nil
}
