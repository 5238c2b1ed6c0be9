package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QCRowInput 质检行项输入
type QCRowInput struct {
	Category  string `json:"category"`
	ItemName  string `json:"item_name"`
	Pass      bool   `json:"pass"`
	ActualQty int    `json:"actual_qty"`
	Remark    string `json:"remark"`
}

// QCCategoryInput 检查表分类（checklist 表单的嵌套结构，提交时压平成行项）
type QCCategoryInput struct {
	Name  string       `json:"name"`
	Items []QCRowInput `json:"items"`
}

// SubmitQCRequest 质检提交
// SubmissionID 由客户端生成，作为超时重试的幂等键：带相同ID重放时
// 直接返回首次裁定结果，良品数不会被重复扣减。
type SubmitQCRequest struct {
	FormType       string            `json:"form_type" binding:"required"`
	SubmissionID   string            `json:"submission_id"`
	Inspector      string            `json:"inspector"`
	InspectedDate  *time.Time        `json:"inspected_date"`
	QCTaskUUID     *string           `json:"qc_task_uuid"`
	Rows           []QCRowInput      `json:"rows"`
	Categories     []QCCategoryInput `json:"categories"`
	ExplicitFailQty *int             `json:"explicit_fail_qty"`
}

// QCResult 裁定结果
type QCResult struct {
	Session      *entity.QCSession `json:"session"`
	PassRate     float64           `json:"pass_rate"`
	FailedQty    int               `json:"failed_qty"`
	PassQuantity int               `json:"pass_quantity"`
	ReworkOrder  *entity.ReworkOrder `json:"rework_order,omitempty"`
}

// QCService 质检裁定
// 质检完成是程序性事实：无论合格率多少，QC工序一律置 completed。
// 本服务只因输入不合法或存储故障失败，从不因为合格率低失败。
type QCService struct {
	db         *gorm.DB
	ticketRepo *repository.TicketRepository
	stepRepo   *repository.StepRepository
	qcRepo     *repository.QCRepository
	logRepo    *repository.ActionLogRepository
	reworkRepo *repository.ReworkRepository
	reworkSvc  *ReworkService
	workflow   *WorkflowService
}

// NewQCService 创建质检服务
func NewQCService(db *gorm.DB, repos *repository.Repositories, workflow *WorkflowService) *QCService {
	return &QCService{
		db:         db,
		ticketRepo: repos.Ticket,
		stepRepo:   repos.Step,
		qcRepo:     repos.QC,
		logRepo:    repos.ActionLog,
		reworkRepo: repos.Rework,
		workflow:   workflow,
	}
}

// SetReworkService 注入返工服务
func (s *QCService) SetReworkService(svc *ReworkService) {
	s.reworkSvc = svc
}

// SubmitQC 提交质检会话并裁定
// 步骤：解析QC任务UUID → 落会话与行项 → 算合格率/不良数 →
// 原子扣减良品数（首次调整快照 initial_quantity，只写一次）→
// 无条件完成QC工序 → 不良数>0 时 upsert 告警并派生返工单。
func (s *QCService) SubmitQC(ctx context.Context, ticketID string, actor Actor, req *SubmitQCRequest) (*QCResult, error) {
	rows, err := collapseRows(req)
	if err != nil {
		return nil, err
	}

	var result QCResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.ticketRepo.FindByIDForUpdate(tx, ticketID)
		if err != nil {
			return err
		}

		// 0. 重试去重：同一提交ID重放直接返回首次结果，不再扣减、不再派单
		if req.SubmissionID != "" {
			existing, err := s.qcRepo.FindSessionBySubmissionTx(tx, req.SubmissionID)
			if err == nil {
				log.Printf("[QC] 工单 %s 质检提交 %s 重放，返回首次结果", ticketID, req.SubmissionID)
				result.Session = existing
				result.PassRate = existing.PassRate
				result.FailedQty = existing.FailedQty
				var pq int
				if err := tx.Raw("SELECT COALESCE(pass_quantity, quantity) FROM mes_tickets WHERE id = ?", ticketID).Scan(&pq).Error; err != nil {
					return fmt.Errorf("读取良品数失败: %w", err)
				}
				result.PassQuantity = pq
				if rework, rerr := s.reworkRepo.FindBySessionTx(tx, existing.ID); rerr == nil {
					result.ReworkOrder = rework
				}
				return nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("查询质检提交失败: %w", err)
			}
		}

		steps, err := s.stepRepo.ListByTicketTx(tx, ticketID)
		if err != nil {
			return fmt.Errorf("加载工序列表失败: %w", err)
		}

		// 1. 解析QC任务UUID：显式值 → 当前QC工序 → 第一道待处理QC工序 → 第一道QC工序
		qcStep, resolved := resolveQCStep(steps, req.QCTaskUUID)

		// 2. 落会话与行项，计算合格率
		passRate, eligible, passed := computePassRate(rows)
		failedQty := sumFailedQty(rows)
		if req.ExplicitFailQty != nil {
			failedQty = *req.ExplicitFailQty // 调用方显式给定的不良数优先
		}

		now := time.Now()
		session := &entity.QCSession{
			ID:            uuid.New().String()[:32],
			TicketID:      ticketID,
			FormType:      req.FormType,
			Inspector:     req.Inspector,
			InspectedDate: req.InspectedDate,
			PassRate:      passRate,
			FailedQty:     failedQty,
			CompletedAt:   &now,
			CreatedBy:     actor.ID,
		}
		if req.SubmissionID != "" {
			sid := req.SubmissionID
			session.SubmissionID = &sid
		}
		if qcStep != nil {
			session.QCTaskUUID = qcStep.QCTaskUUID
		} else if req.QCTaskUUID != nil {
			session.QCTaskUUID = req.QCTaskUUID
		}
		session.SnapshotJSON = entity.JSONB{
			"form_type":      req.FormType,
			"inspector":      req.Inspector,
			"rows_total":     len(rows),
			"rows_inspected": eligible,
			"rows_passed":    passed,
			"pass_rate":      passRate,
			"failed_qty":     failedQty,
			"explicit_fail":  req.ExplicitFailQty != nil,
			"correlation_resolved": resolved,
		}
		if err := s.qcRepo.CreateSession(tx, session); err != nil {
			return fmt.Errorf("保存质检会话失败: %w", err)
		}

		entityRows := make([]entity.QCRow, 0, len(rows))
		for i, rin := range rows {
			entityRows = append(entityRows, entity.QCRow{
				ID:        uuid.New().String()[:32],
				SessionID: session.ID,
				Seq:       i + 1,
				Category:  rin.Category,
				ItemName:  rin.ItemName,
				Pass:      rin.Pass,
				ActualQty: rin.ActualQty,
				Remark:    rin.Remark,
			})
		}
		if err := s.qcRepo.CreateRows(tx, entityRows); err != nil {
			return fmt.Errorf("保存质检行项失败: %w", err)
		}

		// 3. 原子更新良率：base = COALESCE(pass_quantity, quantity)，扣减后不为负；
		//    首次调整时快照 initial_quantity（COALESCE 保证只写一次）
		if failedQty > 0 {
			if err := tx.Exec(`UPDATE mes_tickets
				SET initial_quantity = COALESCE(initial_quantity, quantity),
				    pass_quantity = GREATEST(0, COALESCE(pass_quantity, quantity) - ?),
				    updated_at = NOW()
				WHERE id = ?`, failedQty, ticketID).Error; err != nil {
				return fmt.Errorf("更新良品数失败: %w", err)
			}
		}

		// 4. 无条件完成QC工序——检验发生了就是完成，与合格与否无关
		if qcStep != nil && qcStep.Status != entity.StepStatusCompleted {
			fromStatus := qcStep.Status
			qcStep.Status = entity.StepStatusCompleted
			qcStep.CompletedAt = &now
			if err := s.stepRepo.Save(tx, qcStep); err != nil {
				return fmt.Errorf("完成QC工序失败: %w", err)
			}
			order := qcStep.StepOrder
			s.workflow.logAction(tx, entity.StepActionLog{
				OwnerType:  "ticket",
				OwnerID:    ticketID,
				TicketID:   ticketID,
				StepOrder:  &order,
				Action:     entity.ActionQCSubmit,
				FromStatus: fromStatus,
				ToStatus:   entity.StepStatusCompleted,
			}, actor, entity.JSONB{"session_id": session.ID, "pass_rate": passRate, "failed_qty": failedQty}, "")
		}
		if !resolved {
			// QC任务UUID没对上（或根本没有QC工序）：继续流程但留下审计记录，归因存疑不能静默
			log.Printf("[QC] 工单 %s 的质检会话 %s QC任务UUID未能精确解析，告警归因存疑", ticketID, session.ID)
			s.workflow.logAction(tx, entity.StepActionLog{
				OwnerType: "ticket",
				OwnerID:   ticketID,
				TicketID:  ticketID,
				Action:    entity.ActionQCSubmit,
			}, actor, entity.JSONB{"session_id": session.ID, "correlation_resolved": false}, "QC任务UUID未解析")
		}

		// 5. 不良告警 + 派生返工单
		if failedQty > 0 {
			alert := &entity.DefectAlert{
				ID:                  uuid.New().String()[:32],
				SessionID:           session.ID,
				TicketID:            ticketID,
				Quantity:            failedQty,
				CorrelationResolved: resolved,
			}
			// 不良工位 = QC工序的前一道（按 step_order-1 实时解析，不缓存引用）
			if qcStep != nil {
				if prev := findStep(steps, qcStep.StepOrder-1); prev != nil {
					alert.StationID = &prev.StationID
					alert.StationName = prev.StationName

					// 判不良的工序打上 rework 标记，审计上与正常完成区分开；
					// rework 与 completed 同属已结算态，不影响工单状态推导
					if prev.Status == entity.StepStatusCompleted || prev.Status == entity.StepStatusCurrent {
						fromStatus := prev.Status
						prev.Status = entity.StepStatusRework
						if err := s.stepRepo.Save(tx, prev); err != nil {
							return fmt.Errorf("标记返工工序失败: %w", err)
						}
						order := prev.StepOrder
						s.workflow.logAction(tx, entity.StepActionLog{
							OwnerType:  "ticket",
							OwnerID:    ticketID,
							TicketID:   ticketID,
							StepOrder:  &order,
							Action:     entity.ActionQCSubmit,
							FromStatus: fromStatus,
							ToStatus:   entity.StepStatusRework,
						}, actor, entity.JSONB{"session_id": session.ID, "failed_qty": failedQty}, "质检判不良")
					}
				} else {
					alert.StationID = &qcStep.StationID
					alert.StationName = qcStep.StationName
				}
				alert.QCTaskUUID = qcStep.QCTaskUUID
			}
			if err := s.qcRepo.UpsertAlert(tx, alert); err != nil {
				return fmt.Errorf("保存不良告警失败: %w", err)
			}
			stored, err := s.qcRepo.FindAlertBySession(tx, session.ID)
			if err != nil {
				return fmt.Errorf("读取不良告警失败: %w", err)
			}

			if s.reworkSvc != nil {
				rework, err := s.reworkSvc.SpawnFromAlert(tx, ticket, steps, stored, qcStep, actor)
				if err != nil {
					return fmt.Errorf("派生返工单失败: %w", err)
				}
				result.ReworkOrder = rework
			}
		}

		// 6. 重算并刷新工单状态
		refreshed, err := s.workflow.reconcileTx(tx, ticket, steps)
		if err != nil {
			return err
		}
		result.Session = session
		result.PassRate = passRate
		result.FailedQty = failedQty
		result.PassQuantity = refreshed.EffectivePassQuantity()
		if failedQty > 0 {
			// 事务内重读扣减后的值
			var pq int
			if err := tx.Raw("SELECT COALESCE(pass_quantity, quantity) FROM mes_tickets WHERE id = ?", ticketID).Scan(&pq).Error; err == nil {
				result.PassQuantity = pq
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.workflow.afterMutation(ctx, ticketID, "qc_submit", "")
	return &result, nil
}

// ListSessions 工单的质检会话
func (s *QCService) ListSessions(ctx context.Context, ticketID string) ([]entity.QCSession, error) {
	return s.qcRepo.ListSessionsByTicket(ctx, ticketID)
}

// ListAlerts 工单的不良告警
func (s *QCService) ListAlerts(ctx context.Context, ticketID string) ([]entity.DefectAlert, error) {
	return s.qcRepo.ListAlertsByTicket(ctx, ticketID)
}

// collapseRows 校验表单类型并把 checklist 的嵌套分类压平成行项
func collapseRows(req *SubmitQCRequest) ([]QCRowInput, error) {
	switch req.FormType {
	case entity.QCFormTypeInspection:
		return req.Rows, nil
	case entity.QCFormTypeChecklist:
		rows := make([]QCRowInput, 0)
		for _, cat := range req.Categories {
			for _, item := range cat.Items {
				item.Category = cat.Name
				rows = append(rows, item)
			}
		}
		rows = append(rows, req.Rows...)
		return rows, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormType, req.FormType)
	}
}

// computePassRate 合格率（百分比）
// 只统计 actual_qty > 0 的行；没有可统计行时报 0，属边界情况不是错误。
func computePassRate(rows []QCRowInput) (rate float64, eligible, passed int) {
	for _, r := range rows {
		if r.ActualQty <= 0 {
			continue
		}
		eligible++
		if r.Pass {
			passed++
		}
	}
	if eligible == 0 {
		return 0, 0, 0
	}
	return float64(passed) / float64(eligible) * 100, eligible, passed
}

// sumFailedQty 服务端兜底计算不良件数
func sumFailedQty(rows []QCRowInput) int {
	total := 0
	for _, r := range rows {
		if !r.Pass {
			total += r.ActualQty
		}
	}
	return total
}

// resolveQCStep 解析本次提交对应的QC工序
// 优先级：显式UUID → 当前QC工序 → 第一道待处理QC工序 → 第一道QC工序。
// 显式UUID没对上却走了兜底链，等于把不良记到别的检验点头上，
// resolved=false 让这种归因存疑的情况留痕可查，而不是静默吞掉。
func resolveQCStep(steps []entity.StationFlowStep, explicit *string) (*entity.StationFlowStep, bool) {
	exact := true
	if explicit != nil && *explicit != "" {
		for i := range steps {
			if steps[i].QCTaskUUID != nil && *steps[i].QCTaskUUID == *explicit {
				return &steps[i], true
			}
		}
		exact = false
	}
	for i := range steps {
		if steps[i].IsQC() && steps[i].Status == entity.StepStatusCurrent {
			return &steps[i], exact
		}
	}
	for i := range steps {
		if steps[i].IsQC() && steps[i].Status == entity.StepStatusPending {
			return &steps[i], exact
		}
	}
	for i := range steps {
		if steps[i].IsQC() {
			return &steps[i], exact
		}
	}
	return nil, false
}
