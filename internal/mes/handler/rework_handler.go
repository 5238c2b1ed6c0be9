package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// ReworkHandler 返工单
type ReworkHandler struct {
	svc *service.ReworkService
}

func NewReworkHandler(svc *service.ReworkService) *ReworkHandler {
	return &ReworkHandler{svc: svc}
}

// List GET /rework-orders?ticket_id=&status=&approval_status=
func (h *ReworkHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)

	filters := map[string]string{}
	if v := c.Query("ticket_id"); v != "" {
		filters["ticket_id"] = v
	}
	if v := c.Query("status"); v != "" {
		filters["status"] = v
	}
	if v := c.Query("approval_status"); v != "" {
		filters["approval_status"] = v
	}

	orders, total, err := h.svc.List(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		InternalError(c, "查询返工单列表失败: "+err.Error())
		return
	}

	Success(c, ListResponse{
		Items: orders,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages(total, pageSize),
		},
	})
}

// Get GET /rework-orders/:id
func (h *ReworkHandler) Get(c *gin.Context) {
	order, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, order)
}

// StartStep POST /rework-orders/:id/steps/:order/start
func (h *ReworkHandler) StartStep(c *gin.Context) {
	order, ok := stepOrder(c)
	if !ok {
		return
	}

	rework, err := h.svc.StartStep(c.Request.Context(), c.Param("id"), order, GetActor(c))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, rework)
}

// CompleteStep POST /rework-orders/:id/steps/:order/complete
func (h *ReworkHandler) CompleteStep(c *gin.Context) {
	order, ok := stepOrder(c)
	if !ok {
		return
	}

	rework, err := h.svc.CompleteStep(c.Request.Context(), c.Param("id"), order, GetActor(c))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, rework)
}

// ApproveRequest 合并审批请求
type ApproveRequest struct {
	Notes string `json:"notes"`
}

// Approve POST /rework-orders/:id/approve
func (h *ReworkHandler) Approve(c *gin.Context) {
	var req ApproveRequest
	_ = c.ShouldBindJSON(&req) // notes 可选

	result, err := h.svc.ApproveMerge(c.Request.Context(), c.Param("id"), GetActor(c), req.Notes)
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, result)
}

// CancelRequest 取消返工单请求
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel POST /rework-orders/:id/cancel
func (h *ReworkHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.svc.Cancel(c.Request.Context(), c.Param("id"), GetActor(c), req.Reason); err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, gin.H{"cancelled": true})
}
