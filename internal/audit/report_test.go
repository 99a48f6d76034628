package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateReport_Formats(t *testing.T) {
	l := newTestLogger(t, Options{})
	seedEntries(t, l)

	tests := []struct {
		format  string
		wantExt string
		check   func(t *testing.T, body string)
	}{
		{"json", ".json", func(t *testing.T, body string) {
			var entries []Entry
			if err := json.Unmarshal([]byte(body), &entries); err != nil {
				t.Fatalf("report is not valid JSON: %v", err)
			}
			if len(entries) != 6 {
				t.Errorf("expected 6 entries, got %d", len(entries))
			}
		}},
		{"csv", ".csv", func(t *testing.T, body string) {
			lines := strings.Split(strings.TrimSpace(body), "\n")
			if len(lines) != 7 {
				t.Errorf("expected header plus 6 rows, got %d lines", len(lines))
			}
			if !strings.HasPrefix(lines[0], "seq,ts,id,") {
				t.Errorf("missing header: %q", lines[0])
			}
		}},
		{"html", ".html", func(t *testing.T, body string) {
			if !strings.Contains(body, "<table>") || !strings.Contains(body, "prompt injection detected") {
				t.Errorf("html report missing expected content")
			}
		}},
		{"text", ".txt", func(t *testing.T, body string) {
			if !strings.Contains(body, "allowed=false") {
				t.Errorf("text report missing denied entries")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			path, err := l.GenerateReport(ReportConfig{Format: tt.format, Title: "Weekly Audit"})
			if err != nil {
				t.Fatalf("GenerateReport: %v", err)
			}
			if filepath.Ext(path) != tt.wantExt {
				t.Errorf("extension: got %s, want %s", filepath.Ext(path), tt.wantExt)
			}
			if filepath.Dir(path) != filepath.Join(l.dir, reportsDir) {
				t.Errorf("report written outside reports dir: %s", path)
			}
			body, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, string(body))
		})
	}
}

func TestGenerateReport_UnsupportedFormat(t *testing.T) {
	l := newTestLogger(t, Options{})
	if _, err := l.GenerateReport(ReportConfig{Format: "pdf"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestGenerateReport_SanitizePII(t *testing.T) {
	l := newTestLogger(t, Options{})
	l.Log(CategoryAPICall, SeverityInfo, "outbound mail", Details{
		Action:  "api_call",
		Allowed: true,
		Context: map[string]any{
			"recipient_email": "alice@example.com",
			"body":            "contact bob@example.com for details",
			"endpoint":        "/v1/send",
		},
	})

	path, err := l.GenerateReport(ReportConfig{Format: "json", SanitizePII: true})
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), "alice@example.com") || strings.Contains(string(body), "bob@example.com") {
		t.Error("report leaks email addresses")
	}
	if !strings.Contains(string(body), "[REDACTED]") {
		t.Error("expected redaction markers")
	}
	if !strings.Contains(string(body), "/v1/send") {
		t.Error("non-PII context values should survive sanitization")
	}

	// Sanitization must not touch the chain itself.
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Error("chain invalid after sanitized report")
	}
}

func TestExportLogs_ChronologicalNDJSON(t *testing.T) {
	l := newTestLogger(t, Options{})
	seedEntries(t, l)

	out := filepath.Join(t.TempDir(), "export.jsonl")
	if err := l.ExportLogs(out, SearchFilters{}); err != nil {
		t.Fatalf("ExportLogs: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
	var prev uint64
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if i > 0 && e.Seq < prev {
			t.Errorf("export not chronological: seq %d after %d", e.Seq, prev)
		}
		prev = e.Seq
	}
}

func TestExportLogs_Filtered(t *testing.T) {
	l := newTestLogger(t, Options{})
	seedEntries(t, l)

	out := filepath.Join(t.TempDir(), "denied.jsonl")
	denied := false
	if err := l.ExportLogs(out, SearchFilters{Allowed: &denied}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("expected 3 denied entries, got %d", len(lines))
	}
}
