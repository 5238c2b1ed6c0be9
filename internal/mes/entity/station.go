package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB JSONB类型
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

// StringArray JSONB字符串数组
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan StringArray: %v", value)
	}
	return json.Unmarshal(bytes, a)
}

// Station 工位定义
// Class 决定权限模式：normal 工位按人指派，qc/cnc/packing 按角色放行。
type Station struct {
	ID           string      `json:"id" gorm:"primaryKey;size:32"`
	Code         string      `json:"code" gorm:"size:32;uniqueIndex;not null"`
	Name         string      `json:"name" gorm:"size:100;not null"`
	Class        string      `json:"class" gorm:"size:16;not null;default:normal"` // normal/qc/cnc/packing
	AllowedRoles StringArray `json:"allowed_roles" gorm:"type:jsonb"`              // 空 = 不限
	SortOrder    int         `json:"sort_order" gorm:"default:0"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (Station) TableName() string {
	return "mes_stations"
}

// 工位分类
const (
	StationClassNormal  = "normal"
	StationClassQC      = "qc"
	StationClassCNC     = "cnc"
	StationClassPacking = "packing"
)

// IsRoleGated 按角色放行的工位（不做按人指派）
func (s *Station) IsRoleGated() bool {
	return s.Class == StationClassQC || s.Class == StationClassCNC || s.Class == StationClassPacking
}

// RoleAllowed 检查角色是否在放行名单内（名单为空表示不限）
func (s *Station) RoleAllowed(roles []string) bool {
	if len(s.AllowedRoles) == 0 {
		return true
	}
	for _, allowed := range s.AllowedRoles {
		for _, r := range roles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}
