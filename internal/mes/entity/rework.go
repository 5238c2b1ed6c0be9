package entity

import (
	"time"
)

// ReworkOrder 返工单
// 关联母工单与产生它的QC会话；无法解析QC任务时退化为只关联不良工位。
// 生命周期独立于母工单：母工单路线图走完后，未合并的返工单仍会把母工单
// 挡在"真正完结"之外。
type ReworkOrder struct {
	ID       string `json:"id" gorm:"primaryKey;size:32"`
	Code     string `json:"code" gorm:"size:64;uniqueIndex;not null"`
	TicketID string `json:"ticket_id" gorm:"size:32;not null;index"`

	SessionID   *string `json:"session_id" gorm:"size:32"`
	StationID   *string `json:"station_id" gorm:"size:32"` // 不良工位（兜底关联）
	StationName string  `json:"station_name" gorm:"size:100"`

	Quantity int    `json:"quantity" gorm:"not null"` // 不良件数
	Severity string `json:"severity" gorm:"size:16;default:minor"` // critical/major/minor

	ApprovalStatus string `json:"approval_status" gorm:"size:16;default:pending"` // pending/approved/rejected
	Status         string `json:"status" gorm:"size:16;default:open"`             // open/completed/merged/cancelled

	ApprovedBy *string    `json:"approved_by" gorm:"size:32"`
	ApprovedAt *time.Time `json:"approved_at"`
	Notes      string     `json:"notes" gorm:"type:text"`

	CreatedBy string    `json:"created_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Steps []ReworkStep `json:"steps,omitempty" gorm:"foreignKey:ReworkOrderID"`
}

func (ReworkOrder) TableName() string {
	return "mes_rework_orders"
}

// 返工单状态
const (
	ReworkStatusOpen      = "open"
	ReworkStatusCompleted = "completed"
	ReworkStatusMerged    = "merged"
	ReworkStatusCancelled = "cancelled"
)

// 返工单审批状态
const (
	ReworkApprovalPending  = "pending"
	ReworkApprovalApproved = "approved"
	ReworkApprovalRejected = "rejected"
)

// IsClosed 已终结（合并或取消），不再阻塞母工单完结
func (r *ReworkOrder) IsClosed() bool {
	return r.Status == ReworkStatusMerged || r.Status == ReworkStatusCancelled
}

// ReworkStep 返工路线图工序，与 StationFlowStep 同形，归属返工单
type ReworkStep struct {
	ID            string `json:"id" gorm:"primaryKey;size:32"`
	ReworkOrderID string `json:"rework_order_id" gorm:"size:32;not null;uniqueIndex:uidx_rework_step_order,priority:1"`

	StepOrder int    `json:"step_order" gorm:"not null;uniqueIndex:uidx_rework_step_order,priority:2"`
	StationID string `json:"station_id" gorm:"size:32;not null"`

	StationCode  string `json:"station_code" gorm:"size:32"`
	StationName  string `json:"station_name" gorm:"size:100"`
	StationClass string `json:"station_class" gorm:"size:16;default:normal"`

	Status string `json:"status" gorm:"size:16;not null;default:pending"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (ReworkStep) TableName() string {
	return "mes_rework_steps"
}

// IsSettled 已结清
func (s *ReworkStep) IsSettled() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusRework
}

// IsQC QC类工位
func (s *ReworkStep) IsQC() bool {
	return s.StationClass == StationClassQC
}
