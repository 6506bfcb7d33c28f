package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/httpapi"
	"github.com/resumly/metering/plan"
	"github.com/resumly/metering/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *metering.Engine) {
	t.Helper()

	eng := metering.New(memory.New(),
		metering.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h := httpapi.New(eng, httpapi.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

const checkoutWebhook = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"data": {
		"object": {
			"client_reference_id": "user_1",
			"metadata": {"plan": "pro_monthly"}
		}
	}
}`

func TestBillingWebhook(t *testing.T) {
	srv, eng := newTestServer(t)

	resp := postJSON(t, srv.URL+"/webhooks/billing", checkoutWebhook)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ack map[string]bool
	decodeBody(t, resp, &ack)
	if !ack["received"] {
		t.Error("expected received ack")
	}

	ent, err := eng.Entitlement(context.Background(), "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Plan != plan.ProMonthly {
		t.Errorf("plan = %q", ent.Plan)
	}

	// Redelivery acknowledges without error.
	resp = postJSON(t, srv.URL+"/webhooks/billing", checkoutWebhook)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("redelivery status = %d, want 200", resp.StatusCode)
	}

	// Unknown event type acknowledges too; only malformed payloads 400.
	resp = postJSON(t, srv.URL+"/webhooks/billing", `{
		"id": "evt_2", "type": "charge.dispute.created", "data": {"object": {}}
	}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown type status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/webhooks/billing", "not json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed payload status = %d, want 400", resp.StatusCode)
	}
}

func TestConsumeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var d metering.Decision
	allotment := plan.Free.WeeklyAllotment()
	for i := 0; i < allotment; i++ {
		resp := postJSON(t, srv.URL+"/v1/quota/consume", `{"user_id": "user_1", "route": "/v1/rewrite"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		decodeBody(t, resp, &d)
		if !d.Allowed {
			t.Fatalf("consume %d denied early", i+1)
		}
	}

	// Denial is still a 200 with allowed=false.
	resp := postJSON(t, srv.URL+"/v1/quota/consume", `{"user_id": "user_1", "route": "/v1/rewrite"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("denial status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &d)
	if d.Allowed {
		t.Error("expected denial")
	}
	if d.Reason == "" {
		t.Error("denial must carry a reason")
	}

	resp = postJSON(t, srv.URL+"/v1/quota/consume", `{"route": "/v1/rewrite"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d, want 400", resp.StatusCode)
	}
}

func TestGetEntitlement(t *testing.T) {
	srv, eng := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/entitlements/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing user status = %d, want 404", resp.StatusCode)
	}

	if err := eng.EnsureEntitlement(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(srv.URL + "/v1/entitlements/user_1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		UserID string `json:"user_id"`
		Plan   string `json:"plan"`
	}
	decodeBody(t, resp, &body)
	if body.UserID != "user_1" || body.Plan != string(plan.Free) {
		t.Errorf("body = %+v", body)
	}
}

func TestListUsageValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/usage/user_1?start=yesterday")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad start status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/usage/user_1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Records []json.RawMessage `json:"records"`
	}
	decodeBody(t, resp, &body)
	if body.Records == nil {
		t.Error("records must be an empty array, not null")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "metering_http_requests_total") {
		t.Error("expected request counter in metrics exposition")
	}
}
