package service

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

// DeriveTicketStatus 从工序列表推导工单状态
// 推导必须在每个展示状态的读路径上重算；库里的 status 列只是展示缓存，
// 每次变更后刷新，绝不作为判定依据。
//
// 规则（按优先级）：
//  1. 任何工序都没有指派过技师 → Pending
//  2. 工序列表为空（已指派但路线图未加载）→ Released
//  3. 有工序处于 current → In Progress
//  4. 有工序既非 completed 也非 rework → In Progress（还有活没干完）
//  5. 全部 completed/rework → Finish
func DeriveTicketStatus(steps []entity.StationFlowStep, assignmentCount int64) string {
	if assignmentCount == 0 {
		return entity.TicketStatusPending
	}
	if len(steps) == 0 {
		return entity.TicketStatusReleased
	}
	for i := range steps {
		if steps[i].Status == entity.StepStatusCurrent {
			return entity.TicketStatusInProgress
		}
	}
	for i := range steps {
		if !steps[i].IsSettled() {
			return entity.TicketStatusInProgress
		}
	}
	return entity.TicketStatusFinish
}

// firstEligibleStep 第一道未结清的工序下标，没有则返回 -1
func firstEligibleStep(steps []entity.StationFlowStep) int {
	for i := range steps {
		if !steps[i].IsSettled() {
			return i
		}
	}
	return -1
}

// hasCurrentStep 是否存在进行中的工序
func hasCurrentStep(steps []entity.StationFlowStep) bool {
	for i := range steps {
		if steps[i].Status == entity.StepStatusCurrent {
			return true
		}
	}
	return false
}

// allReworkStepsSettled 返工路线图是否全部结清
func allReworkStepsSettled(steps []entity.ReworkStep) bool {
	for i := range steps {
		if !steps[i].IsSettled() {
			return false
		}
	}
	return true
}

// firstEligibleReworkStep 返工路线图里第一道未结清的工序下标
func firstEligibleReworkStep(steps []entity.ReworkStep) int {
	for i := range steps {
		if !steps[i].IsSettled() {
			return i
		}
	}
	return -1
}

// hasCurrentReworkStep 返工路线图是否存在进行中的工序
func hasCurrentReworkStep(steps []entity.ReworkStep) bool {
	for i := range steps {
		if steps[i].Status == entity.StepStatusCurrent {
			return true
		}
	}
	return false
}
