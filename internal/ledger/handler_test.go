package ledger

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func ledgerApp(svc *Service) *fiber.App {
	h := NewHandler(svc)
	app := fiber.New()
	app.Post("/journals", h.PostJournal)
	app.Get("/journals/:id", h.GetJournal)
	app.Post("/journals/:id/reverse", h.Reverse)
	app.Get("/trial-balance", h.TrialBalance)
	app.Post("/materialize", h.Materialize)
	app.Post("/holds", h.PlaceHold)
	app.Delete("/holds/:id", h.ReleaseHold)
	return app
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

const depositBody = `{"reference":"dep-1","description":"wire","entries":[
 {"account_id":"custody:PAXG","asset":"PAXG","direction":"debit","amount":"2.5"},
 {"account_id":"funding:u1","asset":"PAXG","direction":"credit","amount":"2.5"}]}`

func TestHandlerPostReverseAndRead(t *testing.T) {
	svc, _ := newTestService(t)
	app := ledgerApp(svc)

	status, body := call(t, app, fiber.MethodPost, "/journals", depositBody)
	if status != fiber.StatusCreated {
		t.Fatalf("post: expected 201, got %d (%v)", status, body)
	}
	id, _ := body["id"].(string)

	if status, body = call(t, app, fiber.MethodPost, "/journals", depositBody); status != fiber.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", status)
	}
	if j, _ := body["journal"].(map[string]any); j["id"] != id {
		t.Fatalf("duplicate should return the original journal, got %v", body)
	}

	if status, body = call(t, app, fiber.MethodGet, "/journals/"+id, ""); status != fiber.StatusOK || len(body["entries"].([]any)) != 2 {
		t.Fatalf("get: %d %v", status, body)
	}

	if status, _ = call(t, app, fiber.MethodPost, "/journals/"+id+"/reverse", `{"reason":"sent twice"}`); status != fiber.StatusCreated {
		t.Fatalf("reverse: expected 201, got %d", status)
	}
	if status, _ = call(t, app, fiber.MethodPost, "/journals/"+id+"/reverse", `{"reason":"again"}`); status != fiber.StatusConflict {
		t.Fatalf("second reverse: expected 409, got %d", status)
	}

	status, body = call(t, app, fiber.MethodGet, "/trial-balance", "")
	if status != fiber.StatusOK || body["balanced"] != true {
		t.Fatalf("trial balance: %d %v", status, body)
	}
	if status, body = call(t, app, fiber.MethodPost, "/materialize", ""); status != fiber.StatusOK {
		t.Fatalf("materialize: %d %v", status, body)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	svc, _ := newTestService(t)
	app := ledgerApp(svc)

	unbalanced := `{"entries":[
 {"account_id":"a","asset":"PAXG","direction":"DEBIT","amount":"1"},
 {"account_id":"b","asset":"PAXG","direction":"CREDIT","amount":"0.9"}]}`
	if status, _ := call(t, app, fiber.MethodPost, "/journals", unbalanced); status != fiber.StatusBadRequest {
		t.Fatalf("unbalanced: expected 400, got %d", status)
	}

	overdraft := `{"entries":[
 {"account_id":"funding:u1","asset":"PAXG","direction":"DEBIT","amount":"1"},
 {"account_id":"b","asset":"PAXG","direction":"CREDIT","amount":"1"}],
 "guards":[{"account_id":"funding:u1","asset":"PAXG"}]}`
	if status, _ := call(t, app, fiber.MethodPost, "/journals", overdraft); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("overdraft: expected 422, got %d", status)
	}

	if status, _ := call(t, app, fiber.MethodGet, "/journals/missing", ""); status != fiber.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", status)
	}
	if status, _ := call(t, app, fiber.MethodPost, "/journals/x/reverse", `{}`); status != fiber.StatusBadRequest {
		t.Fatalf("reverse without reason: expected 400, got %d", status)
	}
}

func TestHandlerHolds(t *testing.T) {
	svc, _ := newTestService(t)
	app := ledgerApp(svc)
	if status, _ := call(t, app, fiber.MethodPost, "/journals", depositBody); status != fiber.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d", status)
	}

	status, body := call(t, app, fiber.MethodPost, "/holds", `{"account_id":"funding:u1","asset":"PAXG","reference":"h-1","amount":"2"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("hold: expected 201, got %d (%v)", status, body)
	}
	id, _ := body["id"].(string)

	if status, _ = call(t, app, fiber.MethodPost, "/holds", `{"account_id":"funding:u1","asset":"PAXG","reference":"h-2","amount":"1"}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("hold beyond available: expected 422, got %d", status)
	}
	if status, _ = call(t, app, fiber.MethodDelete, "/holds/"+id, ""); status != fiber.StatusOK {
		t.Fatalf("release: expected 200, got %d", status)
	}
	if status, _ = call(t, app, fiber.MethodDelete, "/holds/"+id, ""); status != fiber.StatusConflict {
		t.Fatalf("second release: expected 409, got %d", status)
	}
	if status, _ = call(t, app, fiber.MethodDelete, "/holds/missing", ""); status != fiber.StatusNotFound {
		t.Fatalf("missing hold: expected 404, got %d", status)
	}
}
