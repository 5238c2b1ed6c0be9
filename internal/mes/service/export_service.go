package service

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/xuri/excelize/v2"
)

// ExportService 质检台账导出
type ExportService struct {
	ticketRepo *repository.TicketRepository
	qcRepo     *repository.QCRepository
}

// NewExportService 创建导出服务
func NewExportService(repos *repository.Repositories) *ExportService {
	return &ExportService{
		ticketRepo: repos.Ticket,
		qcRepo:     repos.QC,
	}
}

// BuildQCSessionWorkbook 生成工单的质检台账Excel
func (s *ExportService) BuildQCSessionWorkbook(ctx context.Context, ticketID string) (*excelize.File, error) {
	ticket, err := s.ticketRepo.FindByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.qcRepo.ListSessionsByTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("加载质检会话失败: %w", err)
	}

	f := excelize.NewFile()
	sheet := "QC台账"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"会话ID", "表单类型", "检验员", "检验日期", "合格率(%)", "不良数", "检验项", "类别", "结果", "件数", "备注"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, session := range sessions {
		inspected := ""
		if session.InspectedDate != nil {
			inspected = session.InspectedDate.Format("2006-01-02")
		}
		for _, r := range session.Rows {
			result := "合格"
			if !r.Pass {
				result = "不合格"
			}
			values := []interface{}{
				session.ID, session.FormType, session.Inspector, inspected,
				session.PassRate, session.FailedQty,
				r.ItemName, r.Category, result, r.ActualQty, r.Remark,
			}
			for i, v := range values {
				cell, _ := excelize.CoordinatesToCellName(i+1, row)
				f.SetCellValue(sheet, cell, v)
			}
			row++
		}
		if len(session.Rows) == 0 {
			values := []interface{}{
				session.ID, session.FormType, session.Inspector, inspected,
				session.PassRate, session.FailedQty, "", "", "", "", "",
			}
			for i, v := range values {
				cell, _ := excelize.CoordinatesToCellName(i+1, row)
				f.SetCellValue(sheet, cell, v)
			}
			row++
		}
	}

	// 表尾汇总
	row++
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("工单 %s  下单数 %d  当前良品数 %d", ticket.Code, ticket.Quantity, ticket.EffectivePassQuantity()))

	return f, nil
}
