package service

import (
	"errors"
)

// 工作流错误分类
// 前置条件类与权限类是预期内的用户可见错误，原样抛给调用方，不当作故障记日志。
var (
	// ErrAlreadyInProgress 该工单已有工序进行中
	ErrAlreadyInProgress = errors.New("该工单已有工序进行中")
	// ErrNoEligibleStep 没有可启动的工序（或目标工序不是下一道）
	ErrNoEligibleStep = errors.New("没有可启动的工序")
	// ErrNotCurrent 目标工序不处于进行中
	ErrNotCurrent = errors.New("该工序不处于进行中")
	// ErrNotAuthorized 操作人未被指派且角色不放行
	ErrNotAuthorized = errors.New("无权操作该工序")
	// ErrNotEligible 返工路线图未走完，不能合并
	ErrNotEligible = errors.New("返工路线图未完成，不能合并")
	// ErrInvalidFormType 未知的QC表单类型
	ErrInvalidFormType = errors.New("无效的QC表单类型")
)

// Actor 操作人身份，由调用方显式传入，服务内部不读任何环境态
type Actor struct {
	ID    string
	Name  string
	Roles []string
}

// AdminRole 管理员角色，绕过指派检查
const AdminRole = "mes_admin"

// IsAdmin 是否持有管理员等价角色
func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == AdminRole {
			return true
		}
	}
	return false
}

// System 系统操作人（自动激活QC工序等内部动作）
var System = Actor{ID: "system", Name: "system"}
