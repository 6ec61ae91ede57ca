package intake

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Extraction is what the extraction role pulled out of one utterance.
// Absent fields are zero: nil lists and invalid Values.
type Extraction struct {
	Symptoms           []string
	Age                Value
	Gender             Value
	PreviousConditions []string
}

type rawExtraction struct {
	Symptoms           json.RawMessage `json:"symptoms"`
	Age                json.RawMessage `json:"age"`
	Gender             json.RawMessage `json:"gender"`
	PreviousConditions json.RawMessage `json:"previous_conditions"`
}

// ParseExtraction decodes the extraction role's JSON reply. Anything that is
// not a JSON object yields an empty Extraction; a field of the wrong shape is
// dropped on its own without affecting the others.
func ParseExtraction(text string) Extraction {
	var raw rawExtraction
	if err := json.Unmarshal([]byte(StripCodeFence(text)), &raw); err != nil {
		return Extraction{}
	}
	return Extraction{
		Symptoms:           listField(raw.Symptoms),
		Age:                scalarField(raw.Age),
		Gender:             scalarField(raw.Gender),
		PreviousConditions: listField(raw.PreviousConditions),
	}
}

// StripCodeFence removes markdown ```json fences models like to wrap JSON in.
func StripCodeFence(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

func scalarField(raw json.RawMessage) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return Value{}
		}
		return Some(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return Some(n.String())
	}
	return Value{}
}

func listField(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err == nil {
		var out []string
		for _, item := range items {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
