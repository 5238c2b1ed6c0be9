package entity

import (
	"time"
)

// QCSession 质检会话（只追加的审计记录）
// 创建后只允许补写 CompletedAt 和 SnapshotJSON。
type QCSession struct {
	ID         string  `json:"id" gorm:"primaryKey;size:32"`
	TicketID   string  `json:"ticket_id" gorm:"size:32;not null;index"`
	QCTaskUUID *string `json:"qc_task_uuid" gorm:"size:36"`

	// 客户端提交ID，超时重试的去重键。同一提交重放返回首次结果，不重复扣减。
	SubmissionID *string `json:"submission_id" gorm:"size:64;uniqueIndex"`

	FormType      string     `json:"form_type" gorm:"size:20;not null"` // inspection/checklist
	Inspector     string     `json:"inspector" gorm:"size:100"`
	InspectedDate *time.Time `json:"inspected_date"`

	PassRate  float64 `json:"pass_rate" gorm:"type:decimal(5,2)"`
	FailedQty int     `json:"failed_qty"`

	// 完整输入 + 计算摘要的快照，供审计
	SnapshotJSON JSONB      `json:"snapshot_json" gorm:"type:jsonb"`
	CompletedAt  *time.Time `json:"completed_at"`

	CreatedBy string    `json:"created_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`

	Rows []QCRow `json:"rows,omitempty" gorm:"foreignKey:SessionID"`
}

func (QCSession) TableName() string {
	return "mes_qc_sessions"
}

// QC表单类型
const (
	QCFormTypeInspection = "inspection"
	QCFormTypeChecklist  = "checklist"
)

// QCRow 质检行项
type QCRow struct {
	ID        string `json:"id" gorm:"primaryKey;size:32"`
	SessionID string `json:"session_id" gorm:"size:32;not null;index"`
	Seq       int    `json:"seq" gorm:"not null;default:0"`
	Category  string `json:"category" gorm:"size:100"`
	ItemName  string `json:"item_name" gorm:"size:200"`
	Pass      bool   `json:"pass"`
	ActualQty int    `json:"actual_qty"` // 该行代表的件数
	Remark    string `json:"remark" gorm:"type:text"`
}

func (QCRow) TableName() string {
	return "mes_qc_rows"
}

// DefectAlert 不良告警
// 以 SessionID 为键 upsert：一次会话只产生一条告警，重试不累加。
// CorrelationResolved=false 表示 QC 任务 UUID 无法解析，归因存疑，需人工核对。
type DefectAlert struct {
	ID        string `json:"id" gorm:"primaryKey;size:32"`
	SessionID string `json:"session_id" gorm:"size:32;uniqueIndex;not null"`
	TicketID  string `json:"ticket_id" gorm:"size:32;not null;index"`

	StationID   *string `json:"station_id" gorm:"size:32"`
	StationName string  `json:"station_name" gorm:"size:100"`
	QCTaskUUID  *string `json:"qc_task_uuid" gorm:"size:36"`

	Quantity            int  `json:"quantity" gorm:"not null"`
	CorrelationResolved bool `json:"correlation_resolved" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DefectAlert) TableName() string {
	return "mes_defect_alerts"
}
