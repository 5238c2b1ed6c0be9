package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
)

func setupWorkflowRouter(t *testing.T) *testutil.TestEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.SeedDefaultStations(t, db)

	repos := repository.NewRepositories(db)
	services := service.NewServices(db, repos, nil)
	handlers := NewHandlers(services)

	router := testutil.SetupRouter()
	api := testutil.AuthGroup(router, "/api/v1/mes")
	api.POST("/tickets", handlers.Ticket.Create)
	api.GET("/tickets/:id", handlers.Ticket.Get)
	api.GET("/tickets/:id/history", handlers.Workflow.History)
	api.POST("/tickets/:id/steps/:order/assign", handlers.Workflow.Assign)
	api.POST("/tickets/:id/steps/:order/start", handlers.Workflow.Start)
	api.POST("/tickets/:id/steps/:order/complete", handlers.Workflow.Complete)

	return &testutil.TestEnv{DB: db, Router: router, T: t}
}

func createTicketHTTP(t *testing.T, env *testutil.TestEnv, token string) string {
	t.Helper()
	w := testutil.DoRequest(env.Router, "POST", "/api/v1/mes/tickets", map[string]interface{}{
		"code":         "WO-HTTP-001",
		"product_name": "测试外壳",
		"quantity":     50,
		"priority":     "high",
		"stations":     []string{"cut", "qc", "packing"},
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create ticket status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	return data["id"].(string)
}

func TestTicketWorkflowOverHTTP(t *testing.T) {
	env := setupWorkflowRouter(t)
	admin := testutil.DefaultTestToken()
	ticketID := createTicketHTTP(t, env, admin)

	// 指派技师
	w := testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/1/assign", ticketID),
		map[string]interface{}{"technician_id": "tech-001", "technician_name": "张师傅"}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("assign status = %d, body = %s", w.Code, w.Body.String())
	}

	// 被指派的技师启动工序
	tech := testutil.TechnicianToken("tech-001", "张师傅")
	w = testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/1/start", ticketID), nil, tech)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}

	// 重复启动 → 409
	w = testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/1/start", ticketID), nil, tech)
	if w.Code != http.StatusConflict {
		t.Errorf("repeat start status = %d, want 409", w.Code)
	}

	// 完成
	w = testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/1/complete", ticketID), nil, tech)
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body = %s", w.Code, w.Body.String())
	}

	// 操作历史
	w = testutil.DoRequest(env.Router,
		"GET", fmt.Sprintf("/api/v1/mes/tickets/%s/history", ticketID), nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	resp := testutil.ParseResponse(w)
	logs := resp["data"].([]interface{})
	if len(logs) < 3 {
		t.Errorf("len(history) = %d, want >= 3", len(logs))
	}
}

func TestUnassignedTechnicianForbidden(t *testing.T) {
	env := setupWorkflowRouter(t)
	admin := testutil.DefaultTestToken()
	ticketID := createTicketHTTP(t, env, admin)

	stranger := testutil.TechnicianToken("tech-999", "路人")
	w := testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/1/start", ticketID), nil, stranger)
	if w.Code != http.StatusForbidden {
		t.Errorf("unauthorized start status = %d, want 403", w.Code)
	}
}

func TestWorkflowRequiresAuth(t *testing.T) {
	env := setupWorkflowRouter(t)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/mes/tickets", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", w.Code)
	}
}

func TestTicketNotFound(t *testing.T) {
	env := setupWorkflowRouter(t)
	admin := testutil.DefaultTestToken()

	w := testutil.DoRequest(env.Router, "GET", "/api/v1/mes/tickets/no-such-id", nil, admin)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing ticket status = %d, want 404", w.Code)
	}
}

func TestInvalidStepOrderBadRequest(t *testing.T) {
	env := setupWorkflowRouter(t)
	admin := testutil.DefaultTestToken()
	ticketID := createTicketHTTP(t, env, admin)

	w := testutil.DoRequest(env.Router,
		"POST", fmt.Sprintf("/api/v1/mes/tickets/%s/steps/zero/start", ticketID), nil, admin)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad step order status = %d, want 400", w.Code)
	}
}
