package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// TicketHandler 工单接单与查询
type TicketHandler struct {
	svc       *service.TicketService
	exportSvc *service.ExportService
}

func NewTicketHandler(svc *service.TicketService, exportSvc *service.ExportService) *TicketHandler {
	return &TicketHandler{svc: svc, exportSvc: exportSvc}
}

// Create POST /tickets
func (h *TicketHandler) Create(c *gin.Context) {
	var req service.CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	ticket, err := h.svc.Create(c.Request.Context(), GetActor(c), &req)
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Created(c, ticket)
}

// List GET /tickets?status=&priority=&keyword=
func (h *TicketHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)

	filters := map[string]string{}
	if v := c.Query("status"); v != "" {
		filters["status"] = v
	}
	if v := c.Query("priority"); v != "" {
		filters["priority"] = v
	}
	if v := c.Query("keyword"); v != "" {
		filters["keyword"] = v
	}

	tickets, total, err := h.svc.List(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		InternalError(c, "查询工单列表失败: "+err.Error())
		return
	}

	Success(c, ListResponse{
		Items: tickets,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages(total, pageSize),
		},
	})
}

// Get GET /tickets/:id
func (h *TicketHandler) Get(c *gin.Context) {
	detail, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Success(c, detail)
}

// ListStations GET /stations
func (h *TicketHandler) ListStations(c *gin.Context) {
	stations, err := h.svc.ListStations(c.Request.Context())
	if err != nil {
		InternalError(c, "查询工位目录失败: "+err.Error())
		return
	}

	Success(c, stations)
}
