// Package flow implements the conversational extraction flow for check-ins.
//
// The extractor drives a one-question-at-a-time conversation through the
// GenAI client, sanitizes whatever the model claims to have extracted, and
// recomputes completion server-side. The model's completion claim is never
// trusted directly.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vigia-med/postop/internal/genai"
	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/sanitize"
)

const (
	// maxContextTurns bounds how much conversation history is sent upstream.
	maxContextTurns = 20
	// maxSessionTurns bounds how much history is retained on the session.
	maxSessionTurns = 50
)

// TurnResult is the outcome of processing one inbound patient message.
type TurnResult struct {
	// Reply is the outbound message to send to the patient.
	Reply string
	// Completed reports whether every required field is now answered.
	Completed bool
	// Missing lists required fields still unanswered.
	Missing []string
	// ModelLevel is the urgency the model asserted for this turn.
	ModelLevel models.RiskLevel
	// NeedsClarification lists fields whose extracted values were dropped.
	NeedsClarification []string
	// Fallback reports that the reply is the degraded apology text because
	// the reasoning model was unavailable.
	Fallback bool
}

// modelOutput is the JSON contract the model must follow.
type modelOutput struct {
	Reply     string         `json:"reply"`
	Extracted map[string]any `json:"extracted"`
	Complete  bool           `json:"complete"`
	Urgency   string         `json:"urgency"`
}

// Extractor runs extraction conversations over a GenAI client.
type Extractor struct {
	ai genai.ClientInterface
}

// NewExtractor creates an extractor backed by the given GenAI client.
func NewExtractor(ai genai.ClientInterface) *Extractor {
	return &Extractor{ai: ai}
}

// ProcessTurn handles one inbound patient message, mutating the session in
// place. Upstream model failures degrade to a fallback reply rather than an
// error: the session stays intact and no data is fabricated.
func (e *Extractor) ProcessTurn(ctx context.Context, session *models.ConversationSession, inbound string) TurnResult {
	now := time.Now().UTC()
	session.Turns = append(session.Turns, models.Turn{
		Role:      models.TurnRolePatient,
		Content:   inbound,
		Timestamp: now,
	})

	missing := models.MissingFields(session.DayOffset, session.Answers)
	systemPrompt := BuildSystemPrompt(session.ProcedureType, session.DayOffset, missing, session.Answers)

	raw, err := e.ai.GenerateJSON(ctx, systemPrompt, buildHistory(session.Turns))
	if err != nil {
		session.FallbackCount++
		slog.Error("Extractor.ProcessTurn: reasoning model unavailable, degrading",
			"error", fmt.Errorf("%w: %v", models.ErrUpstreamReasoning, err),
			"reason", upstreamFailureReason(err),
			"session_id", session.ID,
			"fallback_count", session.FallbackCount)
		return e.finishTurn(session, TurnResult{
			Reply:    FallbackReply,
			Missing:  missing,
			Fallback: true,
		}, now)
	}

	output, err := parseModelOutput(raw)
	if err != nil {
		session.FallbackCount++
		slog.Error("Extractor.ProcessTurn: unparseable model output, degrading",
			"error", fmt.Errorf("%w: %v", models.ErrUpstreamReasoning, err),
			"session_id", session.ID)
		return e.finishTurn(session, TurnResult{
			Reply:    FallbackReply,
			Missing:  missing,
			Fallback: true,
		}, now)
	}

	if session.Answers == nil {
		session.Answers = models.AnswerSet{}
	}
	dropped := sanitize.Apply(session.Answers, output.Extracted)
	if len(dropped) > 0 {
		slog.Debug("Extractor.ProcessTurn: dropped uncoercible extractions",
			"session_id", session.ID, "fields", dropped)
	}

	// Completion gate: recompute what is missing from the canonical answers
	// and override whatever the model claimed.
	stillMissing := models.MissingFields(session.DayOffset, session.Answers)
	complete := len(stillMissing) == 0
	if output.Complete && !complete {
		slog.Warn("Extractor.ProcessTurn: model claimed completion with fields missing, overriding",
			"error", models.ErrCompletionIntegrity,
			"session_id", session.ID,
			"missing", stillMissing)
	}
	session.Completed = complete

	level := models.RiskLevel(strings.ToLower(output.Urgency))
	if !models.IsValidRiskLevel(level) {
		level = models.RiskLow
	}

	return e.finishTurn(session, TurnResult{
		Reply:              output.Reply,
		Completed:          complete,
		Missing:            stillMissing,
		ModelLevel:         level,
		NeedsClarification: dropped,
	}, now)
}

// finishTurn appends the assistant reply, trims history, and stamps the session.
func (e *Extractor) finishTurn(session *models.ConversationSession, result TurnResult, now time.Time) TurnResult {
	if result.Reply == "" {
		result.Reply = FallbackReply
		result.Fallback = true
	}
	session.Turns = append(session.Turns, models.Turn{
		Role:      models.TurnRoleAssistant,
		Content:   result.Reply,
		Timestamp: now,
	})
	if len(session.Turns) > maxSessionTurns {
		session.Turns = session.Turns[len(session.Turns)-maxSessionTurns:]
	}
	session.UpdatedAt = now
	return result
}

// upstreamFailureReason classifies a GenAI failure for the degradation log.
// Rate limits and timeouts recover on their own; anything else may need a
// human looking at it.
func upstreamFailureReason(err error) string {
	switch {
	case genai.IsRateLimited(err):
		return "rate_limited"
	case genai.IsTimeout(err):
		return "timeout"
	default:
		return "unavailable"
	}
}

// buildHistory converts the most recent session turns into model messages.
func buildHistory(turns []models.Turn) []genai.Message {
	start := 0
	if len(turns) > maxContextTurns {
		start = len(turns) - maxContextTurns
	}
	history := make([]genai.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		role := genai.RoleUser
		if t.Role == models.TurnRoleAssistant {
			role = genai.RoleAssistant
		}
		history = append(history, genai.Message{Role: role, Content: t.Content})
	}
	return history
}

// parseModelOutput decodes the model's JSON, tolerating markdown code fences.
func parseModelOutput(raw string) (modelOutput, error) {
	var out modelOutput
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return out, fmt.Errorf("failed to decode model output: %w", err)
	}
	if out.Reply == "" {
		return out, fmt.Errorf("model output missing reply text")
	}
	return out, nil
}
