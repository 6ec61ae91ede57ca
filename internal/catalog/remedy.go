package catalog

import (
	"encoding/json"
	"strings"
)

// Remedy is one catalog entry: either a proper list of remedies or free text
// that still has to be split into one.
type Remedy struct {
	List   []string
	Text   string
	IsList bool
}

// Items returns the entry as a list, normalising free text.
func (r Remedy) Items() []string {
	if r.IsList {
		return r.List
	}
	return NormalizeRemedies(r.Text)
}

func decodeRemedy(raw json.RawMessage) Remedy {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return Remedy{List: list, IsList: true}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return Remedy{Text: text}
	}
	return Remedy{Text: string(raw)}
}

// NormalizeRemedies turns free-text remedy data into a list. Code fences are
// stripped, a JSON array is used when it parses, otherwise the text is split
// on commas; text without commas becomes a single-element list.
func NormalizeRemedies(text string) []string {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "`", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}

	if strings.HasPrefix(cleaned, "[") {
		var list []string
		if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
			return compact(list)
		}
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "["), "]")
	}

	if strings.Contains(cleaned, ",") {
		if items := compact(strings.Split(cleaned, ",")); len(items) > 0 {
			return items
		}
	}
	return []string{strings.Trim(cleaned, `"' `)}
}

func compact(items []string) []string {
	var out []string
	for _, item := range items {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
