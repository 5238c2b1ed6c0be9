package entity

import (
	"time"
)

// StationFlowStep 工单的一道工序
// StepOrder 在同一工单内唯一，定义流转顺序。
// 不变式：同一工单最多只有一道非QC工序处于 current。
// rework 对推进判定等同 completed，只是审计上区分。
type StationFlowStep struct {
	ID       string `json:"id" gorm:"primaryKey;size:32"`
	TicketID string `json:"ticket_id" gorm:"size:32;not null;uniqueIndex:uidx_step_ticket_order,priority:1"`

	StepOrder int    `json:"step_order" gorm:"not null;uniqueIndex:uidx_step_ticket_order,priority:2"`
	StationID string `json:"station_id" gorm:"size:32;not null"`

	// 冗余工位信息，列表展示不回表
	StationCode  string `json:"station_code" gorm:"size:32"`
	StationName  string `json:"station_name" gorm:"size:100"`
	StationClass string `json:"station_class" gorm:"size:16;default:normal"`

	Status string `json:"status" gorm:"size:16;not null;default:pending"` // pending/current/completed/rework

	// QC工位实例的稳定标识，关联后续QC会话与不良告警，重排工序后仍有效
	QCTaskUUID *string `json:"qc_task_uuid" gorm:"size:36"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (StationFlowStep) TableName() string {
	return "mes_station_flow_steps"
}

// 工序状态
const (
	StepStatusPending   = "pending"
	StepStatusCurrent   = "current"
	StepStatusCompleted = "completed"
	StepStatusRework    = "rework"
)

// IsSettled 已结清（completed 或 rework，不再阻塞推进）
func (s *StationFlowStep) IsSettled() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusRework
}

// IsQC QC类工位
func (s *StationFlowStep) IsQC() bool {
	return s.StationClass == StationClassQC
}

// StepAssignment 工序指派
// (工单, 工位, 工序) → 技师，可多人共用一道工序。
// QC/CNC/Packing 类工位走角色放行，不做按人指派。
type StepAssignment struct {
	ID             string    `json:"id" gorm:"primaryKey;size:32"`
	TicketID       string    `json:"ticket_id" gorm:"size:32;not null;index;uniqueIndex:uidx_assign_step_tech,priority:1"`
	StationID      string    `json:"station_id" gorm:"size:32;not null"`
	StepOrder      int       `json:"step_order" gorm:"not null;uniqueIndex:uidx_assign_step_tech,priority:2"`
	TechnicianID   string    `json:"technician_id" gorm:"size:32;not null;uniqueIndex:uidx_assign_step_tech,priority:3"`
	TechnicianName string    `json:"technician_name" gorm:"size:100"`
	AssignedBy     string    `json:"assigned_by" gorm:"size:32"`
	AssignedAt     time.Time `json:"assigned_at"`
}

func (StepAssignment) TableName() string {
	return "mes_step_assignments"
}
