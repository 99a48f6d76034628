package detect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenttrail/agenttrail/internal/audit"
)

func TestLoadPatterns_MissingFileYieldsDefaults(t *testing.T) {
	patterns, err := loadPatternsFromFile(filepath.Join(t.TempDir(), "patterns.yaml"))
	if err != nil {
		t.Fatalf("loadPatternsFromFile: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("expected the default pattern set")
	}
	for _, p := range patterns {
		if !p.Enabled {
			t.Errorf("default pattern %s should be enabled", p.ID)
		}
		if p.compiled == nil {
			t.Errorf("default pattern %s not compiled", p.ID)
		}
	}
}

func TestSaveLoadPatterns_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	denied := false
	in := []Pattern{
		{
			ID:              "burst",
			Name:            "Burst",
			Type:            TypeThreshold,
			Severity:        audit.SeverityCritical,
			Enabled:         true,
			CooldownSeconds: 120,
			Actions:         []Action{{Type: ActionWebhook, Config: map[string]any{"url": "http://localhost:9/hook"}}},
			Threshold: &ThresholdSpec{
				WindowSeconds: 30,
				Count:         5,
				Category:      audit.CategoryAPICall,
				Allowed:       &denied,
				Source:        "agent-*",
			},
		},
		{
			ID:       "chain",
			Type:     TypeSequence,
			Severity: audit.SeverityWarning,
			Enabled:  false,
			Sequence: &SequenceSpec{
				Categories:    []audit.Category{audit.CategoryInputValidation, audit.CategoryCommandExecution},
				MaxGapSeconds: 30,
			},
		},
	}

	if err := savePatternsToFile(path, in); err != nil {
		t.Fatalf("savePatternsToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "#") {
		t.Error("saved file should start with a comment header")
	}

	out, err := loadPatternsFromFile(path)
	if err != nil {
		t.Fatalf("loadPatternsFromFile: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(out))
	}

	p := out[0]
	if p.ID != "burst" || p.CooldownSeconds != 120 || p.Threshold.Count != 5 {
		t.Errorf("threshold pattern lost fields: %+v", p)
	}
	if p.Threshold.Allowed == nil || *p.Threshold.Allowed {
		t.Error("allowed filter lost")
	}
	if p.compiled == nil || p.compiled.sourceGlob == nil {
		t.Error("source glob not recompiled on load")
	}
	if len(p.Actions) != 1 || p.Actions[0].Type != ActionWebhook || p.Actions[0].Config["url"] != "http://localhost:9/hook" {
		t.Errorf("actions lost: %+v", p.Actions)
	}

	q := out[1]
	if q.Type != TypeSequence || q.Enabled || len(q.Sequence.Categories) != 2 {
		t.Errorf("sequence pattern lost fields: %+v", q)
	}
}

func TestLoadPatterns_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	if err := os.WriteFile(path, []byte("patterns: [not closed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPatternsFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCompilePattern_Validation(t *testing.T) {
	denied := false
	tests := []struct {
		name    string
		pattern Pattern
		wantErr bool
	}{
		{"missing id", Pattern{Type: TypeThreshold, Threshold: &ThresholdSpec{WindowSeconds: 10, Count: 1}}, true},
		{"unknown type", Pattern{ID: "x", Type: "bogus"}, true},
		{"threshold without spec", Pattern{ID: "x", Type: TypeThreshold}, true},
		{"threshold zero window", Pattern{ID: "x", Type: TypeThreshold, Threshold: &ThresholdSpec{Count: 3}}, true},
		{"threshold zero count", Pattern{ID: "x", Type: TypeThreshold, Threshold: &ThresholdSpec{WindowSeconds: 10}}, true},
		{"threshold bad source glob", Pattern{ID: "x", Type: TypeThreshold, Threshold: &ThresholdSpec{WindowSeconds: 10, Count: 1, Source: "[unclosed"}}, true},
		{"sequence without spec", Pattern{ID: "x", Type: TypeSequence}, true},
		{"sequence one category", Pattern{ID: "x", Type: TypeSequence, Sequence: &SequenceSpec{Categories: []audit.Category{audit.CategoryAPICall}, MaxGapSeconds: 5}}, true},
		{"sequence zero gap", Pattern{ID: "x", Type: TypeSequence, Sequence: &SequenceSpec{Categories: []audit.Category{audit.CategoryAPICall, audit.CategoryFileAccess}}}, true},
		{"valid threshold", Pattern{ID: "x", Type: TypeThreshold, Threshold: &ThresholdSpec{WindowSeconds: 10, Count: 3, Allowed: &denied}}, false},
		{"valid sequence", Pattern{ID: "x", Type: TypeSequence, Sequence: &SequenceSpec{Categories: []audit.Category{audit.CategoryAPICall, audit.CategoryFileAccess}, MaxGapSeconds: 5}}, false},
		{"anomaly accepted", Pattern{ID: "x", Type: TypeAnomaly}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.pattern
			err := compilePattern(&p)
			if (err != nil) != tt.wantErr {
				t.Errorf("compilePattern: err=%v, wantErr=%t", err, tt.wantErr)
			}
		})
	}
}

func TestCompilePattern_Defaults(t *testing.T) {
	p := Pattern{ID: "x", Type: TypeThreshold, Threshold: &ThresholdSpec{WindowSeconds: 10, Count: 3}}
	if err := compilePattern(&p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "x" {
		t.Errorf("name should default to the id, got %q", p.Name)
	}
	if p.Severity != audit.SeverityWarning {
		t.Errorf("severity should default to warning, got %s", p.Severity)
	}
}

func TestWriteDefaultPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	if err := WriteDefaultPatterns(path); err != nil {
		t.Fatalf("WriteDefaultPatterns: %v", err)
	}
	patterns, err := loadPatternsFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns) != len(defaultPatterns()) {
		t.Errorf("written defaults have %d patterns, want %d", len(patterns), len(defaultPatterns()))
	}
}
