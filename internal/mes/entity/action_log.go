package entity

import (
	"time"
)

// StepActionLog 工序操作日志
// OwnerType 区分母工单路线图与返工单路线图。
type StepActionLog struct {
	ID        string `json:"id" gorm:"primaryKey;size:36"`
	OwnerType string `json:"owner_type" gorm:"size:16;not null;default:ticket"` // ticket/rework
	OwnerID   string `json:"owner_id" gorm:"size:32;not null;index"`
	TicketID  string `json:"ticket_id" gorm:"size:32;not null;index"`

	StepOrder  *int   `json:"step_order"`
	Action     string `json:"action" gorm:"size:50;not null"`
	FromStatus string `json:"from_status" gorm:"size:20"`
	ToStatus   string `json:"to_status" gorm:"size:20"`

	ActorID   string `json:"actor_id" gorm:"size:64;not null"`
	ActorType string `json:"actor_type" gorm:"size:20;default:user"` // user/system

	EventData JSONB  `json:"event_data" gorm:"type:jsonb"`
	Comment   string `json:"comment" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

func (StepActionLog) TableName() string {
	return "mes_step_action_logs"
}

// 操作类型
const (
	ActionAssign      = "assign"
	ActionStart       = "start"
	ActionComplete    = "complete"
	ActionAutoQC      = "qc_auto_activate"
	ActionQCSubmit    = "qc_submit"
	ActionReworkSpawn = "rework_spawn"
	ActionReworkMerge = "rework_merge"
	ActionCancel      = "cancel"
)
