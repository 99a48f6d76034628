package detect

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenttrail/agenttrail/internal/audit"
)

func TestDispatch_BlockSession(t *testing.T) {
	var gotSession, gotPattern string
	d := NewDispatcher(func(sessionID, patternName string) {
		gotSession, gotPattern = sessionID, patternName
	})
	defer d.Close()

	a := makeAlert(0, "escalation", audit.SeverityCritical)
	a.SessionID = "s-42"
	a.actions = []Action{{Type: ActionBlockSession}}
	d.Dispatch(a)

	if gotSession != "s-42" || gotPattern != "escalation" {
		t.Errorf("block callback got (%q, %q)", gotSession, gotPattern)
	}
}

func TestDispatch_BlockSessionWithoutSessionIsSkipped(t *testing.T) {
	called := false
	d := NewDispatcher(func(sessionID, patternName string) { called = true })
	defer d.Close()

	a := makeAlert(0, "escalation", audit.SeverityCritical)
	a.actions = []Action{{Type: ActionBlockSession}}
	d.Dispatch(a)

	if called {
		t.Error("block callback should not run for an alert without a session")
	}
}

func TestDispatch_Webhook(t *testing.T) {
	type captured struct {
		body   []byte
		header http.Header
	}
	received := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- captured{body: body, header: r.Header.Clone()}
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	a := makeAlert(0, "burst", audit.SeverityCritical)
	a.actions = []Action{{Type: ActionWebhook, Config: map[string]any{
		"url":          srv.URL,
		"bearer_token": "tok123",
		"headers":      map[string]any{"X-Env": "prod"},
	}}}
	d.Dispatch(a)

	var got captured
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never called")
	}
	d.Close()

	if ct := got.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: %s", ct)
	}
	if auth := got.header.Get("Authorization"); auth != "Bearer tok123" {
		t.Errorf("authorization: %s", auth)
	}
	if env := got.header.Get("X-Env"); env != "prod" {
		t.Errorf("custom header: %s", env)
	}

	var payload Alert
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("payload is not a JSON alert: %v", err)
	}
	if payload.PatternID != "burst" || payload.ID != a.ID {
		t.Errorf("payload fields wrong: %+v", payload)
	}
}

func TestDispatch_EmailAPI(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	a := makeAlert(0, "burst", audit.SeverityWarning)
	a.actions = []Action{{Type: ActionEmail, Config: map[string]any{
		"api_url": srv.URL,
		"from":    "alerts@example.com",
		"to":      "ops@example.com",
	}}}
	d.Dispatch(a)

	var body map[string]any
	select {
	case body = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("email API never called")
	}
	d.Close()

	if body["from"] != "alerts@example.com" || body["to"] != "ops@example.com" {
		t.Errorf("envelope wrong: %v", body)
	}
	subject, _ := body["subject"].(string)
	if subject == "" {
		t.Error("email has no subject")
	}
	text, _ := body["text"].(string)
	if text == "" {
		t.Error("email has no body")
	}
}

func TestDispatch_WebhookFailureDoesNotPanic(t *testing.T) {
	d := NewDispatcher(nil)

	a := makeAlert(0, "burst", audit.SeverityWarning)
	a.actions = []Action{
		{Type: ActionWebhook, Config: map[string]any{"url": "http://127.0.0.1:1/unreachable", "timeout_ms": 100}},
		{Type: ActionWebhook}, // missing url
		{Type: "bogus"},       // unknown action type
		{Type: ActionLog},
		{Type: ActionNotify},
	}
	d.Dispatch(a)
	d.Close() // waits for the failed webhook goroutines
}
