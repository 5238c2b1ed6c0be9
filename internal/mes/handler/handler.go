package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// Handlers MES处理器集合
type Handlers struct {
	Ticket   *TicketHandler
	Workflow *WorkflowHandler
	QC       *QCHandler
	Rework   *ReworkHandler
	SSE      *SSEHandler
}

// NewHandlers 创建MES处理器集合
func NewHandlers(services *service.Services) *Handlers {
	return &Handlers{
		Ticket:   NewTicketHandler(services.Ticket, services.Export),
		Workflow: NewWorkflowHandler(services.Workflow),
		QC:       NewQCHandler(services.QC),
		Rework:   NewReworkHandler(services.Rework),
		SSE:      NewSSEHandler(),
	}
}

// === 响应辅助函数 ===

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// WorkflowError 按错误分类映射HTTP响应
// 前置条件类 → 409（提示下一步怎么走），权限类 → 403（"你没被指派"），
// 其余才是基础设施故障 → 500。
func WorkflowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotAuthorized):
		Forbidden(c, err.Error())
	case errors.Is(err, service.ErrAlreadyInProgress),
		errors.Is(err, service.ErrNoEligibleStep),
		errors.Is(err, service.ErrNotCurrent),
		errors.Is(err, service.ErrNotEligible):
		Conflict(c, err.Error())
	case errors.Is(err, service.ErrInvalidFormType):
		BadRequest(c, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		NotFound(c, err.Error())
	default:
		InternalError(c, err.Error())
	}
}

// GetActor 从JWT claims取操作人身份，向下显式传参
func GetActor(c *gin.Context) service.Actor {
	actor := service.Actor{}
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok {
			actor.ID = id
		}
	}
	if v, ok := c.Get("user_name"); ok {
		if name, ok := v.(string); ok {
			actor.Name = name
		}
	}
	if v, ok := c.Get("roles"); ok {
		if roles, ok := v.([]string); ok {
			actor.Roles = roles
		}
	}
	return actor
}

func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	return pages
}
