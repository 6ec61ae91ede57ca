package report

import (
	"fmt"
	"strings"
	"time"

	"ayurvaid-agent/internal/consultation"
)

// section is a titled block of report lines.
type section struct {
	Title string
	Lines []string
}

type document struct {
	Title    string
	Subtitle []string
	Sections []section
}

func assessmentDocument(a consultation.Assessment) document {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	remedies := []string{"- No remedies listed."}
	if len(a.Remedies) > 0 {
		remedies = remedies[:0]
		for _, r := range a.Remedies {
			remedies = append(remedies, "- "+r)
		}
	}
	return document{
		Title: "Intake Assessment",
		Subtitle: []string{
			fmt.Sprintf("Date: %s", created.Format("02.01.2006 15:04")),
			fmt.Sprintf("Patient ID: %s", a.CallerID),
			fmt.Sprintf("Conversation: %s", a.ConversationID),
		},
		Sections: []section{
			{Title: "Patient details", Lines: []string{
				"Symptoms: " + joinOrNone(a.Intake.Symptoms),
				"Age: " + a.Intake.Age.String(),
				"Gender: " + a.Intake.Gender.String(),
				"Previous health conditions: " + joinOrNone(a.Intake.PreviousConditions),
			}},
			{Title: "Prediction", Lines: []string{
				"Disease: " + a.Disease,
				"Disease adjustment: " + a.DiseaseAdjustment,
				"Medicine adjustment: " + a.MedicineAdjustment,
			}},
			{Title: "Ayurvedic view: " + orDash(a.AyurvedicName), Lines: remedies},
			{Title: "Response to patient", Lines: strings.Split(a.Response, "\n")},
		},
	}
}

func transcriptDocument(name string, turns []consultation.Turn) document {
	doc := document{
		Title:    "Conversation: " + name,
		Subtitle: []string{fmt.Sprintf("Exported: %s", time.Now().Format("02.01.2006 15:04"))},
	}
	if len(turns) > 0 {
		doc.Subtitle = append(doc.Subtitle, "Conversation ID: "+turns[0].ConversationID)
	}

	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		who := "Patient"
		if t.Role == consultation.RoleAssistant {
			who = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", t.CreatedAt.Format("02.01 15:04"), who, t.Content))
	}
	if len(lines) == 0 {
		lines = append(lines, "- No messages.")
	}
	doc.Sections = []section{{Title: "Transcript", Lines: lines}}
	return doc
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
