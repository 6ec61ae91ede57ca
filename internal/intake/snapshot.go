// Package intake holds the partially collected patient profile for a
// conversation and the rules for growing it turn by turn.
package intake

import (
	"regexp"
	"strings"
)

// Slot names, in the order they are asked for.
const (
	SlotSymptoms           = "symptoms"
	SlotAge                = "age"
	SlotGender             = "gender"
	SlotPreviousConditions = "previous health conditions"
)

// Value is an optional scalar slot. Text is kept exactly as extracted.
type Value struct {
	Text  string
	Valid bool
}

// Some returns a present Value.
func Some(text string) Value {
	return Value{Text: text, Valid: true}
}

// String returns the text, or "None" when absent.
func (v Value) String() string {
	if !v.Valid {
		return "None"
	}
	return v.Text
}

// Snapshot is the intake state of one conversation that is still waiting for
// enough information to run a prediction.
type Snapshot struct {
	Symptoms           []string
	Age                Value
	Gender             Value
	PreviousConditions []string
}

// IsEmpty reports whether nothing has been collected yet.
func (s Snapshot) IsEmpty() bool {
	return len(s.Symptoms) == 0 && !s.Age.Valid && !s.Gender.Valid && len(s.PreviousConditions) == 0
}

// Merge folds a new extraction into an existing snapshot. List slots are
// unioned with case-folded deduplication, keeping first-seen order; scalar
// slots take the new value only when one was extracted.
func Merge(existing Snapshot, ext Extraction) Snapshot {
	merged := Snapshot{
		Symptoms:           union(existing.Symptoms, ext.Symptoms),
		Age:                existing.Age,
		Gender:             existing.Gender,
		PreviousConditions: union(existing.PreviousConditions, ext.PreviousConditions),
	}
	if ext.Age.Valid {
		merged.Age = ext.Age
	}
	if ext.Gender.Valid {
		merged.Gender = ext.Gender
	}
	return merged
}

// Missing lists the unsatisfied slots in asking order. Previous conditions
// count as satisfied when the user has said they have none.
func (s Snapshot) Missing(noConditions bool) []string {
	var missing []string
	if len(s.Symptoms) == 0 {
		missing = append(missing, SlotSymptoms)
	}
	if !s.Age.Valid {
		missing = append(missing, SlotAge)
	}
	if !s.Gender.Valid {
		missing = append(missing, SlotGender)
	}
	if len(s.PreviousConditions) == 0 && !noConditions {
		missing = append(missing, SlotPreviousConditions)
	}
	return missing
}

// Complete reports whether a prediction can be made.
func (s Snapshot) Complete(noConditions bool) bool {
	return len(s.Missing(noConditions)) == 0
}

var (
	noneToken = regexp.MustCompile(`\bnone\b`)
	// "no previous health condition", "no prior conditions", "no past medical conditions", ...
	noConditionsPhrase = regexp.MustCompile(`\bno (previous|prior|past|existing|pre-existing)( health| medical)? conditions?\b`)
)

// SignalsNoConditions reports whether an utterance explicitly says the user
// has no previous health conditions.
func SignalsNoConditions(utterance string) bool {
	lower := strings.ToLower(utterance)
	if strings.Contains(lower, "no previous health condition") {
		return true
	}
	return noConditionsPhrase.MatchString(lower) || noneToken.MatchString(lower)
}

// Fold is the canonical form used for comparing symptom and condition names.
func Fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			f := Fold(item)
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
