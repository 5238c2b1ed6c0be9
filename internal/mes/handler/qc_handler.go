package handler

import (
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// QCHandler 质检裁定
type QCHandler struct {
	svc *service.QCService
}

func NewQCHandler(svc *service.QCService) *QCHandler {
	return &QCHandler{svc: svc}
}

// Submit POST /tickets/:id/qc-sessions
func (h *QCHandler) Submit(c *gin.Context) {
	var req service.SubmitQCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.svc.SubmitQC(c.Request.Context(), c.Param("id"), GetActor(c), &req)
	if err != nil {
		WorkflowError(c, err)
		return
	}

	Created(c, result)
}

// ListSessions GET /tickets/:id/qc-sessions
func (h *QCHandler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		InternalError(c, "查询质检记录失败: "+err.Error())
		return
	}

	Success(c, sessions)
}

// ListAlerts GET /tickets/:id/alerts
func (h *QCHandler) ListAlerts(c *gin.Context) {
	alerts, err := h.svc.ListAlerts(c.Request.Context(), c.Param("id"))
	if err != nil {
		InternalError(c, "查询不良告警失败: "+err.Error())
		return
	}

	Success(c, alerts)
}

// ExportSessions GET /tickets/:id/qc-sessions/export
func (h *TicketHandler) ExportSessions(c *gin.Context) {
	ticketID := c.Param("id")

	f, err := h.exportSvc.BuildQCSessionWorkbook(c.Request.Context(), ticketID)
	if err != nil {
		WorkflowError(c, err)
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("QC_Sessions_%s_%s.xlsx", ticketID, time.Now().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "写入Excel失败: "+err.Error())
	}
}
