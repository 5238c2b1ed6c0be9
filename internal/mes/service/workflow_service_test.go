package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
	"gorm.io/gorm"
)

var (
	adminActor = Actor{ID: "admin-001", Name: "Test Admin", Roles: []string{AdminRole}}
	techActor  = Actor{ID: "tech-001", Name: "张师傅"}
)

func setupWorkflowTest(t *testing.T) (*gorm.DB, *Services) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.SeedDefaultStations(t, db)
	repos := repository.NewRepositories(db)
	return db, NewServices(db, repos, nil)
}

func createTestTicket(t *testing.T, svcs *Services, stations ...string) *entity.Ticket {
	t.Helper()
	if len(stations) == 0 {
		stations = []string{"cut", "qc", "packing"}
	}
	ticket, err := svcs.Ticket.Create(context.Background(), adminActor, &CreateTicketRequest{
		Code:        "WO-TEST-" + stations[0],
		ProductName: "测试产品",
		Quantity:    100,
		Priority:    "normal",
		Stations:    stations,
	})
	if err != nil {
		t.Fatalf("Failed to create ticket: %v", err)
	}
	return ticket
}

func TestStartCompleteHappyPath(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	// 未指派任何技师时工单 Pending
	detail, err := svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.DerivedStatus != entity.TicketStatusPending {
		t.Errorf("status = %q, want Pending", detail.DerivedStatus)
	}

	// 指派 + 启动
	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	updated, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor)
	if err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if updated.Status != entity.TicketStatusInProgress {
		t.Errorf("status after start = %q, want In Progress", updated.Status)
	}
	if updated.Steps[0].Status != entity.StepStatusCurrent {
		t.Errorf("step 1 status = %q, want current", updated.Steps[0].Status)
	}

	// 完成后下一道QC工序自动激活
	updated, err = svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, techActor)
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if updated.Steps[0].Status != entity.StepStatusCompleted {
		t.Errorf("step 1 status = %q, want completed", updated.Steps[0].Status)
	}
	if updated.Steps[1].Status != entity.StepStatusCurrent {
		t.Errorf("QC step status = %q, want current (auto-activated)", updated.Steps[1].Status)
	}
}

func TestStartRequiresAssignment(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	// 需要至少一条指派才能脱离 Pending；给别的技师指派上
	other := Actor{ID: "tech-other", Name: "李师傅"}
	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, other.ID, other.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}

	_, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unassigned start err = %v, want ErrNotAuthorized", err)
	}

	// 管理员绕过指派检查
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, adminActor); err != nil {
		t.Errorf("admin start: %v", err)
	}
}

func TestStartIdempotence(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("first start: %v", err)
	}

	// 重复启动不产生第二次变更
	_, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor)
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("repeat start err = %v, want ErrAlreadyInProgress", err)
	}
}

func TestCompleteRequiresCurrent(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	// 未启动就完成
	_, err := svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, adminActor)
	if !errors.Is(err, ErrNotCurrent) {
		t.Errorf("complete before start err = %v, want ErrNotCurrent", err)
	}

	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	// 重复完成
	_, err = svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, techActor)
	if !errors.Is(err, ErrNotCurrent) {
		t.Errorf("repeat complete err = %v, want ErrNotCurrent", err)
	}
}

func TestStartOutOfOrder(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs, "cut", "paint", "packing")

	// 跳过第一道直接启动第二道
	_, err := svcs.Workflow.StartStep(ctx, ticket.ID, 2, adminActor)
	if !errors.Is(err, ErrNoEligibleStep) {
		t.Errorf("out-of-order start err = %v, want ErrNoEligibleStep", err)
	}
}

func TestQCStepCannotBeStartedManually(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs, "qc", "packing")

	_, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, adminActor)
	if !errors.Is(err, ErrNoEligibleStep) {
		t.Errorf("manual QC start err = %v, want ErrNoEligibleStep", err)
	}
}

// 指派是管理员操作：指派失败时不得留下没有操作日志的指派记录
func TestAssignRequiresAdminAndLogsAtomically(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, techActor)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin assign err = %v, want ErrNotAuthorized", err)
	}

	// 指派不存在的工序：整个事务回滚，既无指派也无日志
	err = svcs.Workflow.AssignStep(ctx, ticket.ID, 99, techActor.ID, techActor.Name, adminActor)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("assign missing step err = %v, want ErrNotFound", err)
	}
	detail, err := svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Assignments) != 0 {
		t.Errorf("len(assignments) = %d, want 0 after rolled-back assign", len(detail.Assignments))
	}
	logs, err := svcs.Workflow.History(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0 after rolled-back assign", len(logs))
	}

	// 成功指派：指派记录与操作日志同时可见
	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	detail, err = svcs.Ticket.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Assignments) != 1 {
		t.Errorf("len(assignments) = %d, want 1", len(detail.Assignments))
	}
	logs, err = svcs.Workflow.History(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("len(logs) = %d, want 1", len(logs))
	}
}

func TestAssignRejectsRoleGatedStation(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs, "cut", "cnc", "packing")

	err := svcs.Workflow.AssignStep(ctx, ticket.ID, 2, techActor.ID, techActor.Name, adminActor)
	if err == nil {
		t.Fatal("assigning technician to cnc station should fail")
	}
}

func TestRoleGatedStationAuthorization(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs, "cut", "cnc")

	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	// 没有 cnc_operator 角色不得启动CNC工序
	_, err := svcs.Workflow.StartStep(ctx, ticket.ID, 2, techActor)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("cnc start without role err = %v, want ErrNotAuthorized", err)
	}

	operator := Actor{ID: "tech-cnc", Name: "CNC操作工", Roles: []string{"cnc_operator"}}
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 2, operator); err != nil {
		t.Errorf("cnc start with role: %v", err)
	}
}

// 并发双启动：行锁保证只有一个请求成功，另一个拿到前置条件错误。
func TestConcurrentStartOnlyOneWins(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyInProgress) {
			t.Errorf("unexpected concurrent error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want exactly 1", succeeded)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	_, svcs := setupWorkflowTest(t)
	ctx := context.Background()
	ticket := createTestTicket(t, svcs)

	if err := svcs.Workflow.AssignStep(ctx, ticket.ID, 1, techActor.ID, techActor.Name, adminActor); err != nil {
		t.Fatalf("AssignStep: %v", err)
	}
	if _, err := svcs.Workflow.StartStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := svcs.Workflow.CompleteStep(ctx, ticket.ID, 1, techActor); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	logs, err := svcs.Workflow.History(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// assign + start + complete + QC自动激活
	if len(logs) < 4 {
		t.Fatalf("len(logs) = %d, want >= 4", len(logs))
	}

	actions := map[string]bool{}
	for _, l := range logs {
		actions[l.Action] = true
	}
	for _, want := range []string{entity.ActionAssign, entity.ActionStart, entity.ActionComplete, entity.ActionAutoQC} {
		if !actions[want] {
			t.Errorf("history missing action %q", want)
		}
	}
}
