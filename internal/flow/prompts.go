package flow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vigia-med/postop/internal/models"
)

// systemPromptTemplate is the persona and output contract for the extraction
// model. The contract is JSON-only with a fixed shape; the reply field is the
// only text ever shown to the patient.
const systemPromptTemplate = `You are a caring post-procedure recovery assistant checking in with a patient over a messaging app.

Patient context:
- Procedure: %s
- Days since procedure: %d

Your job is to collect the recovery information listed below through a natural conversation. Rules:
- Ask about ONE missing item per message. Never bundle several questions together.
- Keep replies short, warm, and plain-spoken. No medical jargon.
- Extract values ONLY when the patient clearly stated them. Never infer or invent a value.
- Pain at rest and pain during a bowel movement are different measurements. Never copy one into the other.
- If an answer is vague (for example "bearable pain"), do not record a value; ask for a number from 0 to 10 instead.
- Do not give medical advice or diagnoses. If the patient asks, say their care team will review their answers.

Information still missing: %s
Information already collected: %s

Respond with ONLY a JSON object in this exact shape:
{"reply": "<your next message to the patient>", "extracted": {"<field>": <value>}, "complete": <true if nothing is missing>, "urgency": "<low|medium|high|critical>"}
Use numbers for scales and temperatures, true/false for yes-no items, and the field names exactly as listed.`

// BuildSystemPrompt renders the extraction contract for one turn.
func BuildSystemPrompt(procedureType string, dayOffset int, missing []string, answers models.AnswerSet) string {
	missingList := "none"
	if len(missing) > 0 {
		missingList = strings.Join(missing, ", ")
	}
	collected := "none yet"
	if len(answers) > 0 {
		keys := make([]string, 0, len(answers))
		for k := range answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, answers[k]))
		}
		collected = strings.Join(parts, ", ")
	}
	return fmt.Sprintf(systemPromptTemplate, procedureType, dayOffset, missingList, collected)
}

// BuildGreeting composes the opening message for a scheduled check-in.
func BuildGreeting(patientName string, dayOffset int, now time.Time) string {
	greeting := "Good evening"
	switch h := now.Hour(); {
	case h < 12:
		greeting = "Good morning"
	case h < 18:
		greeting = "Good afternoon"
	}
	name := strings.TrimSpace(patientName)
	if name != "" {
		greeting = fmt.Sprintf("%s, %s", greeting, firstName(name))
	}
	return fmt.Sprintf("%s! This is your day %d recovery check-in. How has your pain been at rest today, on a scale from 0 to 10?", greeting, dayOffset)
}

// ReminderMessage returns the nudge text for a stalled check-in. The wording
// firms up on the second reminder.
func ReminderMessage(patientName string, reminderNumber int) string {
	name := firstName(patientName)
	if reminderNumber <= 1 {
		if name != "" {
			return fmt.Sprintf("Hi %s, just checking in. Whenever you have a moment, could you answer today's recovery questions? It only takes a minute.", name)
		}
		return "Hi, just checking in. Whenever you have a moment, could you answer today's recovery questions? It only takes a minute."
	}
	if name != "" {
		return fmt.Sprintf("Hi %s, we still need your recovery answers for today so your care team can keep an eye on you. Please reply when you can.", name)
	}
	return "We still need your recovery answers for today so your care team can keep an eye on you. Please reply when you can."
}

// FallbackReply is sent when the reasoning model is unavailable. It apologizes
// and re-asks plainly without pretending any answer was understood.
const FallbackReply = "Sorry, I had trouble processing that. Could you tell me again, in a short message, how you are feeling right now?"

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return ""
	}
	if idx := strings.IndexByte(full, ' '); idx > 0 {
		return full[:idx]
	}
	return full
}
