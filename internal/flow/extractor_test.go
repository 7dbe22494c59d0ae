package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/vigia-med/postop/internal/genai"
	"github.com/vigia-med/postop/internal/models"
)

// mockAI returns canned responses and records what it was asked.
type mockAI struct {
	responses []string
	err       error
	calls     int
	lastSys   string
	lastMsgs  []genai.Message
}

func (m *mockAI) GenerateJSON(ctx context.Context, systemPrompt string, history []genai.Message) (string, error) {
	m.calls++
	m.lastSys = systemPrompt
	m.lastMsgs = history
	if m.err != nil {
		return "", m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func modelReply(t *testing.T, reply string, extracted map[string]any, complete bool, urgency string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"reply":     reply,
		"extracted": extracted,
		"complete":  complete,
		"urgency":   urgency,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newSession() *models.ConversationSession {
	return &models.ConversationSession{
		ID:             "sess-1",
		ContactPointID: "cp-1",
		PatientID:      "p-1",
		ProcedureType:  "hemorrhoidectomy",
		DayOffset:      1,
		Answers:        models.AnswerSet{},
	}
}

func TestProcessTurnExtractsAndAsksNext(t *testing.T) {
	ai := &mockAI{responses: []string{
		modelReply(t, "Thanks! Any bleeding today?", map[string]any{models.FieldPainAtRest: 3}, false, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "My pain is about a 3")

	if result.Completed {
		t.Error("turn should not be complete")
	}
	if result.Reply != "Thanks! Any bleeding today?" {
		t.Errorf("reply = %q", result.Reply)
	}
	if v, ok := session.Answers.Float(models.FieldPainAtRest); !ok || v != 3 {
		t.Errorf("pain answer = %v, %v", v, ok)
	}
	if len(session.Turns) != 2 {
		t.Errorf("expected patient + assistant turns, got %d", len(session.Turns))
	}
}

func TestProcessTurnCompletionGateOverridesModel(t *testing.T) {
	// Model claims completion while most fields are still missing.
	ai := &mockAI{responses: []string{
		modelReply(t, "All done, thanks!", map[string]any{models.FieldPainAtRest: 2}, true, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "pain is 2, we're done")

	if result.Completed {
		t.Error("completion claim must be overridden while fields are missing")
	}
	if session.Completed {
		t.Error("session must not be marked complete")
	}
	if len(result.Missing) == 0 {
		t.Error("missing fields should be reported")
	}
}

func TestProcessTurnCompletesWhenAllFieldsAnswered(t *testing.T) {
	extracted := map[string]any{
		models.FieldPainAtRest:      2,
		models.FieldBleeding:        "none",
		models.FieldFever:           false,
		models.FieldBowelMovement:   false,
		models.FieldUrinationNormal: true,
		models.FieldMedicationTaken: true,
		models.FieldExtraMedication: false,
	}
	ai := &mockAI{responses: []string{
		modelReply(t, "That's everything, rest well!", extracted, true, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "pain 2, no bleeding, no fever, no BM yet, peeing fine, took my meds, nothing extra")

	if !result.Completed {
		t.Errorf("expected completion, missing = %v", result.Missing)
	}
	if !session.Completed {
		t.Error("session should be marked complete")
	}
	if result.ModelLevel != models.RiskLow {
		t.Errorf("model level = %s", result.ModelLevel)
	}
}

func TestProcessTurnVagueAnswerNotRecorded(t *testing.T) {
	// Model incorrectly forwards a vague pain description.
	ai := &mockAI{responses: []string{
		modelReply(t, "Could you rate the pain from 0 to 10?", map[string]any{models.FieldPainAtRest: "bearable"}, false, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "the pain is bearable")

	if session.Answers.Has(models.FieldPainAtRest) {
		t.Error("vague pain answer must not be recorded")
	}
	if len(result.NeedsClarification) != 1 || result.NeedsClarification[0] != models.FieldPainAtRest {
		t.Errorf("needs clarification = %v", result.NeedsClarification)
	}
}

func TestProcessTurnUpstreamFailureFallsBack(t *testing.T) {
	ai := &mockAI{err: errors.New("rate limited")}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "pain is 4")

	if !result.Fallback {
		t.Error("expected fallback result")
	}
	if result.Reply != FallbackReply {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.Completed {
		t.Error("fallback must not complete the session")
	}
	if session.Answers.Has(models.FieldPainAtRest) {
		t.Error("no data may be fabricated on fallback")
	}
	if session.FallbackCount != 1 {
		t.Errorf("fallback count = %d", session.FallbackCount)
	}
	// Conversation history still records both sides.
	if len(session.Turns) != 2 {
		t.Errorf("turns = %d", len(session.Turns))
	}
}

func TestUpstreamFailureReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("chat completion failed: %w", &openai.Error{StatusCode: 429}), "rate_limited"},
		{fmt.Errorf("chat completion failed: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("upstream 503"), "unavailable"},
	}
	for _, c := range cases {
		if got := upstreamFailureReason(c.err); got != c.want {
			t.Errorf("upstreamFailureReason(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestProcessTurnUnparseableOutputFallsBack(t *testing.T) {
	ai := &mockAI{responses: []string{"I think the patient is fine."}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "hello")
	if !result.Fallback {
		t.Error("expected fallback on unparseable output")
	}
}

func TestProcessTurnToleratesCodeFences(t *testing.T) {
	fenced := "```json\n" + modelReply(t, "Noted.", map[string]any{models.FieldFever: "no"}, false, "low") + "\n```"
	ai := &mockAI{responses: []string{fenced}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "no fever")
	if result.Fallback {
		t.Fatal("fenced JSON should parse")
	}
	if v, ok := session.Answers.Bool(models.FieldFever); !ok || v {
		t.Errorf("fever = %v, %v", v, ok)
	}
}

func TestProcessTurnBoundsContext(t *testing.T) {
	ai := &mockAI{responses: []string{
		modelReply(t, "Noted.", nil, false, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()
	for i := 0; i < 60; i++ {
		session.Turns = append(session.Turns, models.Turn{
			Role:      models.TurnRolePatient,
			Content:   "filler",
			Timestamp: time.Now(),
		})
	}

	e.ProcessTurn(context.Background(), session, "latest message")

	if len(ai.lastMsgs) > maxContextTurns {
		t.Errorf("context window = %d turns, want at most %d", len(ai.lastMsgs), maxContextTurns)
	}
	if len(session.Turns) > maxSessionTurns {
		t.Errorf("session history = %d turns, want at most %d", len(session.Turns), maxSessionTurns)
	}
}

func TestProcessTurnSystemPromptListsMissing(t *testing.T) {
	ai := &mockAI{responses: []string{
		modelReply(t, "Noted.", nil, false, "low"),
	}}
	e := NewExtractor(ai)
	session := newSession()
	session.Answers[models.FieldPainAtRest] = float64(2)

	e.ProcessTurn(context.Background(), session, "hi")

	if strings.Contains(strings.Split(ai.lastSys, "already collected")[0], models.FieldPainAtRest+",") {
		t.Error("answered field should not be listed as missing")
	}
	if !strings.Contains(ai.lastSys, models.FieldBleeding) {
		t.Error("missing field should appear in the system prompt")
	}
}

func TestProcessTurnInvalidUrgencyDefaultsLow(t *testing.T) {
	ai := &mockAI{responses: []string{
		modelReply(t, "Noted.", nil, false, "catastrophic"),
	}}
	e := NewExtractor(ai)
	session := newSession()

	result := e.ProcessTurn(context.Background(), session, "hi")
	if result.ModelLevel != models.RiskLow {
		t.Errorf("model level = %s, want low", result.ModelLevel)
	}
}

func TestBuildGreeting(t *testing.T) {
	morning := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := BuildGreeting("Maria Silva", 3, morning)
	if !strings.Contains(msg, "Good morning, Maria") {
		t.Errorf("greeting = %q", msg)
	}
	if !strings.Contains(msg, "day 3") {
		t.Errorf("greeting missing day number: %q", msg)
	}

	evening := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	if !strings.Contains(BuildGreeting("", 1, evening), "Good evening!") {
		t.Error("expected evening greeting without name")
	}
}

func TestReminderMessageVariesByAttempt(t *testing.T) {
	first := ReminderMessage("Maria Silva", 1)
	second := ReminderMessage("Maria Silva", 2)
	if first == second {
		t.Error("reminder wording should change on the second attempt")
	}
	if !strings.Contains(first, "Maria") {
		t.Errorf("first reminder = %q", first)
	}
}
