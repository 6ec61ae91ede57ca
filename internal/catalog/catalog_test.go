package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const testPack = `{
	"systemPrompt": "extract",
	"symptom_master_list": ["Fever", "Headache", "Cough"],
	"ayurvedicSystemPrompt": "localise",
	"finalResponseSystemPrompt": "synthesise",
	"intentPrompt": "intent",
	"aryuvedicMedicineData": {
		"Jwara": ["Giloy", "Tulsi"],
		"Kasa": "Sitopaladi churna, Talisadi churna",
		"Shirashoola": "` + "```json" + `[\"Pathyadi kadha\"]` + "```" + `",
		"Amlapitta": 42
	}
}`

func writePack(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writePack(t, testPack))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Prompts.Extraction != "extract" || c.Prompts.Localization != "localise" || c.Prompts.Synthesis != "synthesise" {
		t.Errorf("unexpected prompts: %+v", c.Prompts)
	}
	if c.Prompts.Intent != "intent" {
		t.Errorf("intent = %q", c.Prompts.Intent)
	}
	if c.Prompts.Conversational != "Respond conversationally..." {
		t.Errorf("conversational default not applied: %q", c.Prompts.Conversational)
	}
	if len(c.Vocabulary) != 3 {
		t.Errorf("vocabulary = %v", c.Vocabulary)
	}
}

func TestLoadRejectsIncompletePack(t *testing.T) {
	if _, err := Load(writePack(t, `{"systemPrompt": "x"}`)); err == nil {
		t.Error("expected error for pack without vocabulary")
	}
	if _, err := Load(writePack(t, `not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRemedies(t *testing.T) {
	c, err := Parse([]byte(testPack))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		name string
		want []string
	}{
		{"Jwara", []string{"Giloy", "Tulsi"}},
		{"jwara", []string{"Giloy", "Tulsi"}},
		{"Kasa", []string{"Sitopaladi churna", "Talisadi churna"}},
		{"Shirashoola", []string{"Pathyadi kadha"}},
		{"Amlapitta", []string{"42"}},
		{"Unknown", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Remedies(tt.name); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Remedies(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRemediesCaseVariantsResolveStably(t *testing.T) {
	const pack = `{
		"systemPrompt": "extract",
		"symptom_master_list": ["Fever"],
		"ayurvedicSystemPrompt": "localise",
		"finalResponseSystemPrompt": "synthesise",
		"aryuvedicMedicineData": {
			"jwara": ["Tulsi"],
			"Jwara": ["Giloy"],
			"JWARA": ["Sudarshan churna"]
		}
	}`
	for i := 0; i < 20; i++ {
		c, err := Parse([]byte(pack))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got := c.Remedies("jWaRa"); !reflect.DeepEqual(got, []string{"Sudarshan churna"}) {
			t.Fatalf("run %d: folded lookup = %v", i, got)
		}
		if got := c.Remedies("Jwara"); !reflect.DeepEqual(got, []string{"Giloy"}) {
			t.Fatalf("run %d: exact lookup = %v", i, got)
		}
		if got := c.Remedies("jwara"); !reflect.DeepEqual(got, []string{"Tulsi"}) {
			t.Fatalf("run %d: exact lookup = %v", i, got)
		}
	}
}

func TestNormalizeRemedies(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"json array", `["a", "b"]`, []string{"a", "b"}},
		{"fenced array", "```json\n[\"a\"]\n```", []string{"a"}},
		{"comma list", "a, b ,c", []string{"a", "b", "c"}},
		{"broken array", "[a, b]", []string{"a", "b"}},
		{"single", "Triphala", []string{"Triphala"}},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeRemedies(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeRemedies(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
