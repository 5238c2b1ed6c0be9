package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

// 做出一张带返工单的工单：第一道工序完成、QC判10件不良
func spawnRework(t *testing.T, svcs *Services) (*entity.Ticket, *entity.ReworkOrder) {
	t.Helper()
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)
	advanceToQC(t, svcs, ticket.ID)

	inspector := Actor{ID: "qc-001", Name: "质检员", Roles: []string{"qc_inspector"}}
	result, err := svcs.QC.SubmitQC(ctx, ticket.ID, inspector, &SubmitQCRequest{
		FormType:  entity.QCFormTypeInspection,
		Inspector: inspector.Name,
		Rows: []QCRowInput{
			{ItemName: "外观", Pass: true, ActualQty: 90},
			{ItemName: "外观", Pass: false, ActualQty: 10},
		},
	})
	if err != nil {
		t.Fatalf("SubmitQC: %v", err)
	}
	if result.ReworkOrder == nil {
		t.Fatal("expected spawned rework order")
	}
	return ticket, result.ReworkOrder
}

// 把返工路线图整个走完（管理员操作）
func finishReworkRoadmap(t *testing.T, svcs *Services, reworkID string) {
	t.Helper()
	ctx := context.Background()
	order, err := svcs.Rework.Get(ctx, reworkID)
	if err != nil {
		t.Fatalf("Get rework: %v", err)
	}
	for _, rs := range order.Steps {
		if rs.IsSettled() {
			continue
		}
		if !rs.IsQC() && rs.Status != entity.StepStatusCurrent {
			if _, err := svcs.Rework.StartStep(ctx, reworkID, rs.StepOrder, adminActor); err != nil {
				t.Fatalf("rework StartStep %d: %v", rs.StepOrder, err)
			}
		}
		if _, err := svcs.Rework.CompleteStep(ctx, reworkID, rs.StepOrder, adminActor); err != nil {
			t.Fatalf("rework CompleteStep %d: %v", rs.StepOrder, err)
		}
	}
}

func TestReworkRoadmapMirrorsFromFailingStation(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	_, rework := spawnRework(t, svcs)

	// 母工单路线图 cut→qc→packing，不良工位 cut，
	// 返工路线图应镜像 cut 起的剩余工序并重新编号
	if len(rework.Steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(rework.Steps))
	}
	wantCodes := []string{"cut", "qc", "packing"}
	for i, ws := range rework.Steps {
		if ws.StationCode != wantCodes[i] {
			t.Errorf("step %d station = %q, want %q", i+1, ws.StationCode, wantCodes[i])
		}
		if ws.StepOrder != i+1 {
			t.Errorf("step %d order = %d, want %d", i, ws.StepOrder, i+1)
		}
		if ws.Status != entity.StepStatusPending {
			t.Errorf("step %d status = %q, want pending", i+1, ws.Status)
		}
	}
}

func TestReworkStepFlowWithAutoQC(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)

	// 返工QC工序同样不允许手动启动
	if _, err := svcs.Rework.StartStep(ctx, rework.ID, 2, adminActor); !errors.Is(err, ErrNoEligibleStep) {
		t.Errorf("manual rework QC start err = %v, want ErrNoEligibleStep", err)
	}

	if _, err := svcs.Rework.StartStep(ctx, rework.ID, 1, adminActor); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	updated, err := svcs.Rework.CompleteStep(ctx, rework.ID, 1, adminActor)
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if updated.Steps[1].Status != entity.StepStatusCurrent {
		t.Errorf("rework QC step = %q, want current (auto-activated)", updated.Steps[1].Status)
	}

	// QC复检 + 包装
	if _, err := svcs.Rework.CompleteStep(ctx, rework.ID, 2, adminActor); err != nil {
		t.Fatalf("complete rework QC: %v", err)
	}
	if _, err := svcs.Rework.StartStep(ctx, rework.ID, 3, adminActor); err != nil {
		t.Fatalf("start packing: %v", err)
	}
	updated, err = svcs.Rework.CompleteStep(ctx, rework.ID, 3, adminActor)
	if err != nil {
		t.Fatalf("complete packing: %v", err)
	}
	if updated.Status != entity.ReworkStatusCompleted {
		t.Errorf("rework status = %q, want completed", updated.Status)
	}
}

func TestApproveMergeRequiresAdmin(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)

	_, err := svcs.Rework.ApproveMerge(ctx, rework.ID, techActor, "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin approve err = %v, want ErrNotAuthorized", err)
	}
}

func TestApproveMergeRequiresSettledRoadmap(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)

	_, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, "")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("premature approve err = %v, want ErrNotEligible", err)
	}
}

func TestApproveMergeRestoresYield(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket, rework := spawnRework(t, svcs)
	finishReworkRoadmap(t, svcs, rework.ID)

	result, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, "复检合格")
	if err != nil {
		t.Fatalf("ApproveMerge: %v", err)
	}
	if !result.Merged {
		t.Error("result.Merged = false")
	}
	// 90 + 10 找回 = 100，且不超过 initial_quantity
	if result.NewPassQuantity != 100 {
		t.Errorf("new pass quantity = %d, want 100", result.NewPassQuantity)
	}

	merged, err := svcs.Rework.Get(ctx, rework.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if merged.Status != entity.ReworkStatusMerged {
		t.Errorf("status = %q, want merged", merged.Status)
	}
	if merged.ApprovalStatus != entity.ReworkApprovalApproved {
		t.Errorf("approval = %q, want approved", merged.ApprovalStatus)
	}

	detail, err := svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get ticket: %v", err)
	}
	if got := detail.EffectivePassQuantity(); got != 100 {
		t.Errorf("ticket pass quantity = %d, want 100", got)
	}
}

func TestApproveMergeIdempotent(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)
	finishReworkRoadmap(t, svcs, rework.ID)

	first, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}

	// 重复审批是无操作的成功，良品数不再累加
	second, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, "")
	if err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	if second.NewPassQuantity != first.NewPassQuantity {
		t.Errorf("repeat approve changed pass quantity: %d vs %d", second.NewPassQuantity, first.NewPassQuantity)
	}
}

func TestCancelRework(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)

	if err := svcs.Rework.Cancel(ctx, rework.ID, techActor, "误报"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin cancel err = %v, want ErrNotAuthorized", err)
	}

	if err := svcs.Rework.Cancel(ctx, rework.ID, adminActor, "误报"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// 重复取消幂等
	if err := svcs.Rework.Cancel(ctx, rework.ID, adminActor, "误报"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}

	cancelled, err := svcs.Rework.Get(ctx, rework.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cancelled.Status != entity.ReworkStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
}

func TestCancelMergedReworkRejected(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	_, rework := spawnRework(t, svcs)
	finishReworkRoadmap(t, svcs, rework.ID)

	if _, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, ""); err != nil {
		t.Fatalf("ApproveMerge: %v", err)
	}
	if err := svcs.Rework.Cancel(ctx, rework.ID, adminActor, ""); !errors.Is(err, ErrNotEligible) {
		t.Errorf("cancel merged err = %v, want ErrNotEligible", err)
	}
}

// 已取消的返工单不能再合并，也不能把件数加回母工单
func TestMergeCancelledReworkRejected(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket, rework := spawnRework(t, svcs)
	finishReworkRoadmap(t, svcs, rework.ID)

	if err := svcs.Rework.Cancel(ctx, rework.ID, adminActor, "重复派单"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, ""); !errors.Is(err, ErrNotEligible) {
		t.Errorf("merge cancelled err = %v, want ErrNotEligible", err)
	}

	// 良品数保持扣减后的值，没有被回填
	detail, err := svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := detail.EffectivePassQuantity(); got != 90 {
		t.Errorf("pass quantity = %d, want 90", got)
	}
}

// 母工单路线图走完但返工单未终结时，工单不算真正完结
func TestOpenReworkBlocksFullClosure(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket, rework := spawnRework(t, svcs)

	// 完成母工单剩余的包装工序
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 3, adminActor); err != nil {
		t.Fatalf("start packing: %v", err)
	}
	if _, err := svcs.Workflow.CompleteStep(ctx, ticket.ID, 3, adminActor); err != nil {
		t.Fatalf("complete packing: %v", err)
	}

	detail, err := svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.DerivedStatus != entity.TicketStatusFinish {
		t.Fatalf("derived status = %q, want Finish", detail.DerivedStatus)
	}
	if detail.FullyClosed {
		t.Error("ticket with open rework must not be fully closed")
	}

	// 合并返工单后才算完结
	finishReworkRoadmap(t, svcs, rework.ID)
	if _, err := svcs.Rework.ApproveMerge(ctx, rework.ID, adminActor, ""); err != nil {
		t.Fatalf("ApproveMerge: %v", err)
	}

	detail, err = svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !detail.FullyClosed {
		t.Error("ticket should be fully closed after rework merged")
	}
}

func TestSeverityFromFailureRatio(t *testing.T) {
	tests := []struct {
		failed, total int
		want          string
	}{
		{failed: 40, total: 100, want: "critical"},
		{failed: 30, total: 100, want: "critical"},
		{failed: 15, total: 100, want: "major"},
		{failed: 10, total: 100, want: "major"},
		{failed: 5, total: 100, want: "minor"},
		{failed: 1, total: 0, want: "minor"},
	}
	for _, tt := range tests {
		if got := severityFor(tt.failed, tt.total); got != tt.want {
			t.Errorf("severityFor(%d, %d) = %q, want %q", tt.failed, tt.total, got, tt.want)
		}
	}
}
