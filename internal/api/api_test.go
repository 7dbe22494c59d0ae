package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vigia-med/postop/internal/flow"
	"github.com/vigia-med/postop/internal/followup"
	"github.com/vigia-med/postop/internal/genai"
	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/redflag"
	"github.com/vigia-med/postop/internal/store"
	"github.com/vigia-med/postop/internal/twiliowhatsapp"
)

type stubAI struct{}

func (stubAI) GenerateJSON(ctx context.Context, systemPrompt string, history []genai.Message) (string, error) {
	return `{"reply": "Thanks! How is your pain at rest, 0 to 10?", "extracted": {}, "complete": false, "urgency": "low"}`, nil
}

type testServer struct {
	server *Server
	store  *store.InMemoryStore
	twilio *twiliowhatsapp.MockClient
	svc    *messaging.TwilioService
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	manager, err := followup.NewManager(st, svc, flow.NewExtractor(stubAI{}), redflag.NewEngine(redflag.DefaultPolicy()), nil,
		followup.WithTimezone("UTC"), followup.WithSendDelay(0))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testServer{
		server: NewServer(manager, svc, st, opts...),
		store:  st,
		twilio: mock,
		svc:    svc,
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	ts := newTestServer(t, WithAPIToken("secret"))
	handler := ts.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweeps/initial", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sweeps/initial", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/sweeps/initial", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("good token status = %d, want 200", rec.Code)
	}

	// Health stays open for load balancers.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestCreatePatientAndInitialSweep(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	payload := `{"name": "Maria Silva", "phone": "+55 11 99999-0000", "procedure_type": "hemorrhoidectomy", "procedure_date": "` + yesterday + `"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(payload)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %s", created.Status)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweeps/initial", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sweep struct {
		Result models.SweepResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sweep); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if sweep.Result.Found != 1 || sweep.Result.Sent != 1 {
		t.Errorf("sweep result = %+v", sweep.Result)
	}
	if len(ts.twilio.SentMessages) != 1 {
		t.Errorf("sent = %d, want 1", len(ts.twilio.SentMessages))
	}
}

func TestCreatePatientRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	payload := `{"name": "Maria", "phone": "5511999990000", "procedure_type": "x", "procedure_date": "March 9"}`
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(payload)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	payload = `{"name": "", "phone": "", "procedure_type": "x", "procedure_date": "2025-03-09"}`
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(payload)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want 400", rec.Code)
	}
}

func TestAssessmentHandler(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assessments/missing-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing assessment status = %d, want 404", rec.Code)
	}

	assessment := models.RiskAssessment{
		ID:             "a-1",
		ContactPointID: "cp-1",
		PatientID:      "p-1",
		RuleLevel:      models.RiskHigh,
		ModelLevel:     models.RiskLow,
		FinalLevel:     models.RiskHigh,
	}
	if err := ts.store.SaveAssessment(assessment); err != nil {
		t.Fatalf("SaveAssessment: %v", err)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assessments/cp-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"final_level":"high"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestReceiptConsumerKeepsSendsUnblocked(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.server.consumeReceipts(ctx)

	// Push well past the receipt buffer; with the consumer draining, no send
	// should ever hit the emit timeout.
	start := time.Now()
	for i := 0; i < messaging.DefaultChannelBufferSize+10; i++ {
		if err := ts.svc.SendMessage(ctx, "5511999990000", "hello"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > messaging.DefaultChannelTimeout {
		t.Errorf("sends took %s, receipts are not being drained", elapsed)
	}
}

func TestWebhookEmitsResponse(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999990000")
	form.Set("Body", "pain is a 3 today")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	select {
	case resp := <-ts.svc.Responses():
		if resp.Body != "pain is a 3 today" {
			t.Errorf("body = %q", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("no response emitted")
	}
}
