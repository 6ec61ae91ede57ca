package consultation

import (
	"encoding/json"
	"fmt"
	"strings"

	"ayurvaid-agent/internal/intake"
)

// Fixed replies.
const (
	ApologyMessage = "Sorry, something went wrong. Please try again."
	NoMatchMessage = "I couldn't match those symptoms. Please describe them differently."
)

// MissingPrompt asks for the named slots.
func MissingPrompt(missing []string) string {
	return fmt.Sprintf("Please provide your %s.", strings.Join(missing, ", "))
}

func groundingContext(history []Turn, utterance string) string {
	if len(history) == 0 {
		return utterance
	}
	lines := make([]string, 0, len(history)+1)
	for i := len(history) - 1; i >= 0; i-- {
		lines = append(lines, history[i].Content)
	}
	return strings.Join(lines, "\n") + "\nUser: " + utterance
}

func adjustmentPrompt(disease string, s intake.Snapshot) string {
	return fmt.Sprintf("Disease: %s, Symptoms: %s, Age: %s, Gender: %s, Previous Conditions: %s",
		disease, listOrNone(s.Symptoms), s.Age, s.Gender, listOrNone(s.PreviousConditions))
}

func localizationPrompt(disease string, symptoms []string) string {
	return fmt.Sprintf("Diseases: %s\nSymptoms: %s", disease, strings.Join(symptoms, ", "))
}

func synthesisPrompt(a Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Disease Name: %s\n", a.Disease)
	fmt.Fprintf(&b, "Symptoms: %s\n", listOrNone(a.Intake.Symptoms))
	fmt.Fprintf(&b, "Age: %s\n", a.Intake.Age)
	fmt.Fprintf(&b, "Gender: %s\n", a.Intake.Gender)
	fmt.Fprintf(&b, "Previous Health Conditions: %s\n", listOrNone(a.Intake.PreviousConditions))
	fmt.Fprintf(&b, "Disease Adjustment: %s\n", a.DiseaseAdjustment)
	fmt.Fprintf(&b, "Medicine Adjustment: %s\n", a.MedicineAdjustment)
	fmt.Fprintf(&b, "Ayurvedic Disease Name: %s\n", a.AyurvedicName)
	fmt.Fprintf(&b, "Ayurvedic Medications List: %s", listOrNone(a.Remedies))
	return b.String()
}

type adjustment struct {
	Disease  string
	Medicine string
}

// parseAdjustment reads the adjustment role's JSON. Anything missing or
// unreadable becomes "None".
func parseAdjustment(text string) adjustment {
	out := adjustment{Disease: "None", Medicine: "None"}
	var raw struct {
		Disease  json.RawMessage `json:"disease_adjustment"`
		Medicine json.RawMessage `json:"medicine_adjustment"`
	}
	if err := json.Unmarshal([]byte(intake.StripCodeFence(text)), &raw); err != nil {
		return out
	}
	if v := rawText(raw.Disease); v != "" {
		out.Disease = v
	}
	if v := rawText(raw.Medicine); v != "" {
		out.Medicine = v
	}
	return out
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}
