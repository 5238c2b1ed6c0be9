package handler

import (
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工序流转
type WorkflowHandler struct {
	svc *service.WorkflowService
}

func NewWorkflowHandler(svc *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

// AssignRequest 工序指派请求
type AssignRequest struct {
	TechnicianID   string `json:"technician_id" binding:"required"`
	TechnicianName string `json:"technician_name"`
}

// stepOrder 从路径取工序序号
func stepOrder(c *gin.Context) (int, bool) {
	order, err := strconv.Atoi(c.Param("order"))
	if err != nil || order < 1 {
		BadRequest(c, "工序序号无效")
		return 0, false
	}
	return order, true
}

// Assign POST /tickets/:id/steps/:order/assign
func (h *WorkflowHandler) Assign(c *gin.Context) {
	order, ok := stepOrder(c)
	if !ok {
		return
	}

	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	if err := h.svc.AssignStep(c.Request.Context(), c.Param("id"), order, req.TechnicianID, req.TechnicianName, GetActor(c)); err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, gin.H{"assigned": true})
}

// Start POST /tickets/:id/steps/:order/start
func (h *WorkflowHandler) Start(c *gin.Context) {
	order, ok := stepOrder(c)
	if !ok {
		return
	}

	ticket, err := h.svc.StartStep(c.Request.Context(), c.Param("id"), order, GetActor(c))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, ticket)
}

// Complete POST /tickets/:id/steps/:order/complete
func (h *WorkflowHandler) Complete(c *gin.Context) {
	order, ok := stepOrder(c)
	if !ok {
		return
	}

	ticket, err := h.svc.CompleteStep(c.Request.Context(), c.Param("id"), order, GetActor(c))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, ticket)
}

// History GET /tickets/:id/history
func (h *WorkflowHandler) History(c *gin.Context) {
	logs, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, logs)
}
