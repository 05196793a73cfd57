package pipeline

import (
	"encoding/json"
	"strings"
)

// Action is the structured instruction attached to a response segment.
type Action string

const (
	ActionNone            Action = "none"
	ActionTransferPersona Action = "transfer_persona"
	ActionBookAppointment Action = "book_appointment"
	ActionCheckInsurance  Action = "check_insurance"
	ActionEndCall         Action = "end_call"
)

// ResponseSegment is one spoken unit of an LLM reply. A turn produces an
// ordered list of segments; each is synthesized independently.
type ResponseSegment struct {
	Persona string `json:"persona"`
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
	Action  Action `json:"action"`
}

// normalize fills defaults and maps unknown actions to none.
func (s *ResponseSegment) normalize() {
	if s.Persona == "" {
		s.Persona = "sara"
	}
	if s.Emotion == "" {
		s.Emotion = "neutral"
	}
	switch s.Action {
	case ActionNone, ActionTransferPersona, ActionBookAppointment,
		ActionCheckInsurance, ActionEndCall:
	default:
		s.Action = ActionNone
	}
}

// parseSegments decodes the model's reply defensively: a strict JSON array
// first, then with markdown code fences stripped, and finally by wrapping
// the raw text into a single default segment. Segments with empty text are
// dropped; an entirely empty reply yields nil.
func parseSegments(raw string) []ResponseSegment {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	segments, ok := decodeArray(trimmed)
	if !ok {
		segments, ok = decodeArray(stripFences(trimmed))
	}
	if !ok {
		segments = []ResponseSegment{{Text: trimmed}}
	}

	out := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		s.normalize()
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// decodeArray attempts a strict JSON-array decode.
func decodeArray(s string) ([]ResponseSegment, bool) {
	var segments []ResponseSegment
	if err := json.Unmarshal([]byte(s), &segments); err != nil {
		return nil, false
	}
	return segments, true
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
