package entity

import (
	"time"
)

// Ticket 生产工单
// Code 由人工编号，创建后不可变。Status 是按工序推导出来的展示缓存，
// 读路径永远以工序列表重新推导为准。
type Ticket struct {
	ID          string `json:"id" gorm:"primaryKey;size:32"`
	Code        string `json:"code" gorm:"size:64;uniqueIndex;not null"`
	ProductName string `json:"product_name" gorm:"size:200"`

	// 数量与良率
	Quantity        int  `json:"quantity" gorm:"not null"`
	InitialQuantity *int `json:"initial_quantity"` // 首次良率调整时快照，只写一次
	PassQuantity    *int `json:"pass_quantity"`    // 当前良品数，首次QC前为空（视同 Quantity）

	Priority string `json:"priority" gorm:"size:16;default:normal"` // low/normal/high/urgent
	Status   string `json:"status" gorm:"size:20;default:Pending"`

	CreatedBy string    `json:"created_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 关联
	Steps []StationFlowStep `json:"steps,omitempty" gorm:"foreignKey:TicketID"`
}

func (Ticket) TableName() string {
	return "mes_tickets"
}

// 工单派生状态
const (
	TicketStatusPending    = "Pending"
	TicketStatusReleased   = "Released"
	TicketStatusInProgress = "In Progress"
	TicketStatusFinish     = "Finish"
)

// EffectivePassQuantity 当前良品数（未发生过QC时等于下单数量）
func (t *Ticket) EffectivePassQuantity() int {
	if t.PassQuantity != nil {
		return *t.PassQuantity
	}
	return t.Quantity
}

// YieldCeiling 良品数上限（返工合并不允许超过该值）
func (t *Ticket) YieldCeiling() int {
	if t.InitialQuantity != nil {
		return *t.InitialQuantity
	}
	return t.Quantity
}
