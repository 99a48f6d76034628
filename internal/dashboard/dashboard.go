// Package dashboard serves the AgentTrail web UI and REST API.
//
// The dashboard runs on its own port alongside the audit engine and
// provides:
//
//   - GET /dashboard: single-page HTML dashboard
//   - GET /dashboard/ws: live entry + alert feed (WebSocket)
//   - GET /api/status: engine status
//   - GET /api/search: query audit entries
//   - GET /api/stats: aggregate statistics
//   - GET /api/verify: run full integrity verification
//   - GET /api/alerts: list security alerts
//   - POST /api/alerts/ack: acknowledge an alert
//   - GET /api/patterns: list detection patterns
//   - POST /api/patterns: add a detection pattern
//   - POST /api/patterns/delete: remove a pattern
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agenttrail/agenttrail/internal/audit"
	"github.com/agenttrail/agenttrail/internal/detect"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Logger   *audit.Logger
	Detector *detect.Detector
	Alerts   *detect.AlertStore
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	logger   *audit.Logger
	detector *detect.Detector
	alerts   *detect.AlertStore
	wsHub    *wsHub
	started  time.Time
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		logger:   opts.Logger,
		detector: opts.Detector,
		alerts:   opts.Alerts,
		wsHub:    newWSHub(),
		started:  time.Now(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive real-time audit entries and alerts.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
// Routes requests to the appropriate handler based on path and method.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/search", d.handleAPISearch)
	mux.HandleFunc("/api/stats", d.handleAPIStats)
	mux.HandleFunc("/api/verify", d.handleAPIVerify)
	mux.HandleFunc("/api/alerts", d.handleAPIAlerts)
	mux.HandleFunc("/api/alerts/ack", d.handleAPIAlertsAck)
	mux.HandleFunc("/api/patterns", d.handleAPIPatterns)
	mux.HandleFunc("/api/patterns/delete", d.handleAPIPatternsDelete)

	return mux
}

// BroadcastEntry sends an audit entry to all connected WebSocket clients.
// Wired as a Logger observer. Non-blocking — if no clients are connected,
// the event is dropped.
func (d *Dashboard) BroadcastEntry(e audit.Entry) {
	d.broadcast("entry", e)
}

// BroadcastAlert sends a security alert to all connected WebSocket clients.
// Wired as a Detector alert observer.
func (d *Dashboard) BroadcastAlert(a detect.Alert) {
	d.broadcast("alert", a)
}

func (d *Dashboard) broadcast(kind string, payload any) {
	data, err := json.Marshal(map[string]any{"type": kind, "data": payload})
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAPIStatus returns engine status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	patterns := d.detector.Patterns()
	enabled := 0
	for _, p := range patterns {
		if p.Enabled {
			enabled++
		}
	}

	status := map[string]any{
		"status":           "running",
		"uptime_seconds":   int(time.Since(d.started).Seconds()),
		"total_patterns":   len(patterns),
		"enabled_patterns": enabled,
	}

	writeJSON(w, http.StatusOK, status)
}

// handleAPISearch queries audit entries.
// GET /api/search?category=command_execution&severity=blocked&session=abc&allowed=false&text=rm&start=RFC3339&end=RFC3339&sort=severity&asc=true&offset=0&limit=50
func (d *Dashboard) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	f := audit.SearchFilters{
		Source:    q.Get("source"),
		SessionID: q.Get("session"),
		Text:      q.Get("text"),
		SortBy:    audit.SortField(q.Get("sort")),
		SortAsc:   q.Get("asc") == "true",
		Limit:     50,
	}
	if c := q.Get("category"); c != "" {
		f.Categories = []audit.Category{audit.Category(c)}
	}
	if s := q.Get("severity"); s != "" {
		f.Severities = []audit.Severity{audit.Severity(s)}
	}
	if a := q.Get("allowed"); a != "" {
		allowed := a == "true"
		f.Allowed = &allowed
	}
	if t := q.Get("start"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			f.Start = parsed
		}
	}
	if t := q.Get("end"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			f.End = parsed
		}
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}

	result, err := d.logger.Search(f)
	if err != nil {
		slog.Error("search failed", "error", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleAPIStats returns aggregate statistics over an optional time range.
// GET /api/stats?start=RFC3339&end=RFC3339
func (d *Dashboard) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	var start, end time.Time
	if t := r.URL.Query().Get("start"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			start = parsed
		}
	}
	if t := r.URL.Query().Get("end"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			end = parsed
		}
	}

	stats, err := d.logger.GetStatistics(start, end)
	if err != nil {
		slog.Error("statistics failed", "error", err)
		http.Error(w, "statistics failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleAPIVerify runs full hash-chain verification across all log files.
// GET /api/verify
//
// This walks every log file, so it can take a while on large logs.
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	report, err := d.logger.VerifyIntegrity()
	if err != nil {
		slog.Error("verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleAPIAlerts lists security alerts, newest first.
// GET /api/alerts?pattern=repeated-denied-commands&unacked=true&limit=50
func (d *Dashboard) handleAPIAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	f := detect.AlertFilters{
		PatternID: r.URL.Query().Get("pattern"),
		Severity:  audit.Severity(r.URL.Query().Get("severity")),
		Limit:     50,
	}
	if r.URL.Query().Get("unacked") == "true" {
		acked := false
		f.Acknowledged = &acked
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
		}
	}

	alerts, err := d.alerts.List(f)
	if err != nil {
		slog.Error("alert listing failed", "error", err)
		http.Error(w, "alert listing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, alerts)
}

// handleAPIAlertsAck acknowledges an alert.
// POST /api/alerts/ack  { "id": "...", "note": "investigated, benign" }
func (d *Dashboard) handleAPIAlertsAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID   string `json:"id"`
		Note string `json:"note"`
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id field required", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		req.User = "dashboard"
	}

	alert, err := d.alerts.Acknowledge(req.ID, req.Note, req.User)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// handleAPIPatterns handles pattern listing and creation.
// GET  /api/patterns                    — List all detection patterns
// POST /api/patterns  { pattern JSON }  — Add a pattern
func (d *Dashboard) handleAPIPatterns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, d.detector.Patterns())

	case http.MethodPost:
		var p detect.Pattern
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := d.detector.AddPattern(p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "added", "id": p.ID})

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleAPIPatternsDelete removes a detection pattern by ID.
// POST /api/patterns/delete  { "id": "repeated-denied-commands" }
func (d *Dashboard) handleAPIPatternsDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id field required", http.StatusBadRequest)
		return
	}

	if err := d.detector.RemovePattern(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": req.ID})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the dashboard. Minimal
// single-page UI showing engine status, recent entries, and alerts.
// Refreshes via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>AgentTrail Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .sev-critical { color: #f85149; font-weight: bold; }
  .sev-blocked { color: #f85149; }
  .sev-warning { color: #d29922; }
  .sev-info { color: #58a6ff; }
  .ok { color: #3fb950; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .feed-alert { padding: 4px 0; border-bottom: 1px solid #21262d; color: #f85149; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>AgentTrail Dashboard</h1>
<p class="subtitle">Tamper-evident security audit trail</p>

<div class="grid">
  <div class="card">
    <h2>Statistics</h2>
    <table>
      <tbody id="stats-tbody"><tr><td colspan="2">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Alerts</h2>
    <table>
      <thead><tr><th>Time</th><th>Pattern</th><th>Severity</th><th>Ack</th></tr></thead>
      <tbody id="alerts-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [statsRes, alertsRes] = await Promise.all([
      fetch('/api/stats'), fetch('/api/alerts?limit=15')
    ]);
    renderStats(await statsRes.json());
    renderAlerts(await alertsRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderStats(s) {
  const tbody = document.getElementById('stats-tbody');
  const rows = [
    ['Total events', s.total],
    ['Blocked', s.blocked],
    ['Critical', (s.by_severity||{}).critical||0],
    ['Events/hour', (s.events_per_hour||0).toFixed(1)]
  ];
  tbody.innerHTML = rows.map(r => '<tr><td>' + r[0] + '</td><td>' + r[1] + '</td></tr>').join('');
}

function renderAlerts(alerts) {
  const tbody = document.getElementById('alerts-tbody');
  if (!alerts || alerts.length === 0) { tbody.innerHTML = '<tr><td colspan="4">No alerts</td></tr>'; return; }
  tbody.innerHTML = alerts.map(a =>
    '<tr><td>' + esc((a.ts||'').slice(0,19)) + '</td><td>' + esc(a.pattern_name) +
    '</td><td class="sev-' + esc(a.severity) + '">' + esc(a.severity) +
    '</td><td>' + (a.acknowledged ? '<span class="ok">yes</span>'
      : '<button class="btn" onclick="ackAlert(\'' + esc(a.id) + '\')">Ack</button>') + '</td></tr>'
  ).join('');
}

async function ackAlert(id) {
  await fetch('/api/alerts/ack', { method: 'POST', headers: {'Content-Type':'application/json'},
    body: JSON.stringify({id: id, note: 'acknowledged via dashboard'}) });
  refresh();
}

function feedLine(msg) {
  if (msg.type === 'alert') {
    const a = msg.data;
    return ['feed-alert', 'ALERT [' + esc((a.ts||'').slice(0,19)) + '] ' + esc(a.pattern_name) + ': ' + esc(a.message)];
  }
  const e = msg.data;
  return ['feed-entry', '[' + esc((e.ts||'').slice(0,19)) + '] ' + esc(e.category) +
    ' <span class="sev-' + esc(e.severity) + '">' + esc(e.severity) + '</span> ' + esc(e.message)];
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const msg = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const [cls, html] = feedLine(msg);
      const div = document.createElement('div');
      div.className = cls;
      div.innerHTML = html;
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
      if (msg.type === 'alert') refresh();
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
