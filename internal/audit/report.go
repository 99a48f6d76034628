package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ReportConfig controls report generation.
type ReportConfig struct {
	Format      string        // "json", "csv", "html", or "text".
	Filters     SearchFilters // Which entries the report covers.
	SanitizePII bool          // Redact PII-looking context values.
	Title       string
}

// piiKeyPattern matches context keys whose values are redacted when PII
// sanitization is on.
var piiKeyPattern = regexp.MustCompile(`(?i)(email|phone|address|name|user|sender|recipient|token|secret|password|credential)`)

// emailPattern catches email-shaped values in otherwise innocuous keys.
var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// GenerateReport renders matching entries in the requested format into
// the reports/ subdirectory and returns the written file's path.
func (l *Logger) GenerateReport(cfg ReportConfig) (string, error) {
	res, err := l.Search(cfg.Filters)
	if err != nil {
		return "", err
	}

	entries := res.Entries
	if cfg.SanitizePII {
		entries = sanitizeEntries(entries)
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	dir := filepath.Join(l.dir, reportsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-report-%s.%s", time.Now().UTC().Format("2006-01-02T150405"), reportExt(format)))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report %s: %w", path, err)
	}
	defer f.Close()

	if err := writeReport(f, format, cfg.Title, entries); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func reportExt(format string) string {
	switch format {
	case "csv", "html":
		return format
	case "text":
		return "txt"
	default:
		return "json"
	}
}

// writeReport renders entries to w in the given format.
func writeReport(w io.Writer, format, title string, entries []Entry) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"seq", "ts", "id", "category", "severity", "source", "action", "allowed", "message", "reason", "session_id", "hash"}); err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			if err := cw.Write([]string{
				fmt.Sprintf("%d", e.Seq), e.Timestamp, e.ID,
				string(e.Category), string(e.Severity), e.Source,
				e.Action, fmt.Sprintf("%t", e.Allowed),
				e.Message, e.Reason, e.SessionID, e.Hash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "html":
		return reportTemplate.Execute(w, reportData{Title: title, Generated: time.Now().UTC().Format(time.RFC3339), Entries: entries})

	case "text":
		if title != "" {
			fmt.Fprintf(w, "%s\n%s\n\n", title, strings.Repeat("=", len(title)))
		}
		for i := range entries {
			e := &entries[i]
			fmt.Fprintf(w, "[%s] #%d %s/%s %s action=%s allowed=%t source=%s\n",
				e.Timestamp, e.Seq, e.Category, e.Severity, e.Message, e.Action, e.Allowed, e.Source)
			if e.Reason != "" {
				fmt.Fprintf(w, "    reason: %s\n", e.Reason)
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported report format: %s (use json, csv, html, or text)", format)
	}
}

// ExportLogs writes matching entries as newline-delimited JSON to an
// arbitrary path. With zero-value filters it exports the whole log.
func (l *Logger) ExportLogs(path string, filters SearchFilters) error {
	filters.SortBy = SortByTimestamp
	filters.SortAsc = true
	res, err := l.Search(filters)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range res.Entries {
		if err := enc.Encode(&res.Entries[i]); err != nil {
			return fmt.Errorf("exporting entry %d: %w", res.Entries[i].Seq, err)
		}
	}
	return nil
}

// sanitizeEntries redacts PII-looking context values. Entries are copied;
// the originals (and the chain) are never mutated.
func sanitizeEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i := range out {
		if len(out[i].Context) == 0 {
			continue
		}
		ctx := make(map[string]any, len(out[i].Context))
		for k, v := range out[i].Context {
			ctx[k] = sanitizeValue(k, v)
		}
		out[i].Context = ctx
	}
	return out
}

func sanitizeValue(key string, v any) any {
	if piiKeyPattern.MatchString(key) {
		return "[REDACTED]"
	}
	if s, ok := v.(string); ok && emailPattern.MatchString(s) {
		return emailPattern.ReplaceAllString(s, "[REDACTED]")
	}
	return v
}

type reportData struct {
	Title     string
	Generated string
	Entries   []Entry
}

// reportTemplate is the embedded HTML report layout. Kept minimal and
// dependency-free, mirroring the embedded dashboard page.
var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>{{if .Title}}{{.Title}}{{else}}Audit Report{{end}}</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 20px; margin-bottom: 4px; }
  .meta { color: #8b949e; margin-bottom: 16px; font-size: 13px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .sev-critical { color: #f85149; }
  .sev-blocked { color: #f0883e; }
  .sev-warning { color: #d29922; }
  .sev-info { color: #3fb950; }
</style>
</head>
<body>
<h1>{{if .Title}}{{.Title}}{{else}}Audit Report{{end}}</h1>
<div class="meta">Generated {{.Generated}} &middot; {{len .Entries}} entries</div>
<table>
<tr><th>Seq</th><th>Timestamp</th><th>Category</th><th>Severity</th><th>Source</th><th>Action</th><th>Allowed</th><th>Message</th></tr>
{{range .Entries}}<tr>
<td>{{.Seq}}</td><td>{{.Timestamp}}</td><td>{{.Category}}</td>
<td class="sev-{{.Severity}}">{{.Severity}}</td>
<td>{{.Source}}</td><td>{{.Action}}</td><td>{{.Allowed}}</td><td>{{.Message}}</td>
</tr>{{end}}
</table>
</body>
</html>
`))
