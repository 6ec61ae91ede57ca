// Package catalog loads the knowledge pack the assistant runs on: the role
// instructions for each language-model role, the master symptom vocabulary
// the classifier was trained against, and the Ayurvedic remedy catalog.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Prompts are the role instructions, one per language-model role.
type Prompts struct {
	Intent         string
	Conversational string
	Extraction     string
	Adjustment     string
	Localization   string
	Synthesis      string
}

// Catalog is an immutable snapshot of the knowledge pack.
type Catalog struct {
	Prompts    Prompts
	Vocabulary []string
	remedies   map[string]Remedy
	folded     map[string]string
}

type file struct {
	SystemPrompt              string                     `json:"systemPrompt"`
	SymptomMasterList         []string                   `json:"symptom_master_list"`
	AyurvedicSystemPrompt     string                     `json:"ayurvedicSystemPrompt"`
	AyurvedicMedicineData     map[string]json.RawMessage `json:"aryuvedicMedicineData"`
	FinalResponseSystemPrompt string                     `json:"finalResponseSystemPrompt"`
	ConversationalPrompt      string                     `json:"conversationalPrompt"`
	IntentPrompt              string                     `json:"intentPrompt"`
	AdjustmentPrompt          string                     `json:"adjustmentPrompt"`
}

// Load reads a knowledge pack from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a knowledge pack. The extraction, localisation and synthesis
// instructions and the vocabulary are required; the remaining instructions
// fall back to short defaults.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	switch {
	case f.SystemPrompt == "":
		return nil, fmt.Errorf("catalog: systemPrompt is required")
	case f.AyurvedicSystemPrompt == "":
		return nil, fmt.Errorf("catalog: ayurvedicSystemPrompt is required")
	case f.FinalResponseSystemPrompt == "":
		return nil, fmt.Errorf("catalog: finalResponseSystemPrompt is required")
	case len(f.SymptomMasterList) == 0:
		return nil, fmt.Errorf("catalog: symptom_master_list is empty")
	}

	c := &Catalog{
		Prompts: Prompts{
			Intent:         orDefault(f.IntentPrompt, "Classify the input..."),
			Conversational: orDefault(f.ConversationalPrompt, "Respond conversationally..."),
			Extraction:     f.SystemPrompt,
			Adjustment:     orDefault(f.AdjustmentPrompt, "Given a disease..."),
			Localization:   f.AyurvedicSystemPrompt,
			Synthesis:      f.FinalResponseSystemPrompt,
		},
		Vocabulary: f.SymptomMasterList,
		remedies:   make(map[string]Remedy, len(f.AyurvedicMedicineData)),
		folded:     make(map[string]string, len(f.AyurvedicMedicineData)),
	}
	names := make([]string, 0, len(f.AyurvedicMedicineData))
	for name, raw := range f.AyurvedicMedicineData {
		c.remedies[name] = decodeRemedy(raw)
		names = append(names, name)
	}
	// Names equal under case folding resolve to the first in sorted order.
	sort.Strings(names)
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, taken := c.folded[key]; !taken {
			c.folded[key] = name
		}
	}
	return c, nil
}

// Remedies returns the remedy list for a disease name. Exact names win over
// case-insensitive matches; unknown names yield nil.
func (c *Catalog) Remedies(name string) []string {
	r, ok := c.remedies[name]
	if !ok {
		key, found := c.folded[strings.ToLower(strings.TrimSpace(name))]
		if !found {
			return nil
		}
		r = c.remedies[key]
	}
	return r.Items()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
