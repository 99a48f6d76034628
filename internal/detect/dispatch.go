package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// BlockSessionFunc receives the block-session signal for an external
// session manager to act on. The dispatcher itself never terminates
// sessions.
type BlockSessionFunc func(sessionID, patternName string)

// Dispatcher executes the configured actions of a triggered pattern.
//
// Every action runs independently and best-effort: one action's failure
// never blocks another or the caller. Network actions (webhook, email)
// are fire-and-forget goroutines so the ingestion path never waits on
// the network. Close cancels in-flight actions without retry.
type Dispatcher struct {
	client         *http.Client
	onBlockSession BlockSessionFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. onBlockSession may be nil when no
// session manager is wired in.
func NewDispatcher(onBlockSession BlockSessionFunc) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:         &http.Client{Timeout: 10 * time.Second},
		onBlockSession: onBlockSession,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Dispatch executes all of an alert's actions. Returns immediately;
// network actions complete in the background.
func (d *Dispatcher) Dispatch(a Alert) {
	for _, action := range a.actions {
		switch action.Type {
		case ActionLog:
			slog.Info("pattern alert", "pattern", a.PatternName, "severity", a.Severity, "message", a.Message)

		case ActionNotify:
			// Escalated operational visibility for on-call tails.
			slog.Error("SECURITY ALERT", "pattern", a.PatternName, "severity", a.Severity, "message", a.Message, "session", a.SessionID)

		case ActionBlockSession:
			if d.onBlockSession != nil && a.SessionID != "" {
				d.onBlockSession(a.SessionID, a.PatternName)
			}

		case ActionWebhook:
			d.goAction("webhook", a, func() error { return d.sendWebhook(a, action.Config) })

		case ActionEmail:
			d.goAction("email", a, func() error { return d.sendEmail(a, action.Config) })

		default:
			slog.Warn("unknown alert action", "type", action.Type, "pattern", a.PatternID)
		}
	}
}

// goAction runs one network action in its own goroutine, swallowing and
// logging any failure.
func (d *Dispatcher) goAction(kind string, a Alert, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			slog.Error("alert action failed", "action", kind, "pattern", a.PatternID, "error", err)
		}
	}()
}

// Close cancels in-flight actions and waits for their goroutines.
// No action is retried.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// sendWebhook POSTs the alert as JSON with custom headers and optional
// bearer token.
func (d *Dispatcher) sendWebhook(a Alert, cfg map[string]any) error {
	url := cfgString(cfg, "url")
	if url == "" {
		return fmt.Errorf("webhook action has no url")
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert payload: %w", err)
	}

	ctx := d.ctx
	if ms := cfgInt(cfg, "timeout_ms"); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if token := cfgString(cfg, "bearer_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// sendEmail delivers the alert either via a transactional email HTTP API
// (provider: "api") or by driving a raw SMTP dialogue when only SMTP
// settings are given.
func (d *Dispatcher) sendEmail(a Alert, cfg map[string]any) error {
	if cfgString(cfg, "provider") == "api" || cfgString(cfg, "api_url") != "" {
		return d.sendEmailAPI(a, cfg)
	}
	return d.sendEmailSMTP(a, cfg)
}

// sendEmailAPI POSTs a simple transactional-email payload.
func (d *Dispatcher) sendEmailAPI(a Alert, cfg map[string]any) error {
	url := cfgString(cfg, "api_url")
	if url == "" {
		return fmt.Errorf("email action has no api_url")
	}

	body, err := json.Marshal(map[string]any{
		"from":    cfgString(cfg, "from"),
		"to":      cfgString(cfg, "to"),
		"subject": emailSubject(a),
		"text":    emailBody(a),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := cfgString(cfg, "api_key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("email API returned %s", resp.Status)
	}
	return nil
}

// sendEmailSMTP drives a minimal SMTP client dialogue directly over a
// socket: EHLO, optional AUTH LOGIN with base64 credentials, MAIL FROM,
// RCPT TO, DATA, QUIT. Plaintext SMTP only — alert mail is expected on a
// local relay.
func (d *Dispatcher) sendEmailSMTP(a Alert, cfg map[string]any) error {
	host := cfgString(cfg, "host")
	if host == "" {
		return fmt.Errorf("email action has no host")
	}
	port := cfgInt(cfg, "port")
	if port == 0 {
		port = 25
	}
	from := cfgString(cfg, "from")
	to := cfgString(cfg, "to")
	if from == "" || to == "" {
		return fmt.Errorf("email action needs from and to")
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	tp := textproto.NewConn(conn)
	defer tp.Close()

	if _, _, err := tp.ReadResponse(220); err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}

	cmd := func(expect int, format string, args ...any) error {
		id, err := tp.Cmd(format, args...)
		if err != nil {
			return err
		}
		tp.StartResponse(id)
		defer tp.EndResponse(id)
		_, _, err = tp.ReadResponse(expect)
		return err
	}

	if err := cmd(250, "EHLO agenttrail"); err != nil {
		return fmt.Errorf("smtp EHLO: %w", err)
	}

	if user := cfgString(cfg, "username"); user != "" {
		pass := cfgString(cfg, "password")
		if err := cmd(334, "AUTH LOGIN"); err != nil {
			return fmt.Errorf("smtp AUTH: %w", err)
		}
		if err := cmd(334, "%s", base64.StdEncoding.EncodeToString([]byte(user))); err != nil {
			return fmt.Errorf("smtp AUTH user: %w", err)
		}
		if err := cmd(235, "%s", base64.StdEncoding.EncodeToString([]byte(pass))); err != nil {
			return fmt.Errorf("smtp AUTH pass: %w", err)
		}
	}

	if err := cmd(250, "MAIL FROM:<%s>", from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range strings.Split(to, ",") {
		if err := cmd(250, "RCPT TO:<%s>", strings.TrimSpace(rcpt)); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}

	if err := cmd(354, "DATA"); err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		from, to, emailSubject(a), emailBody(a))
	w := tp.DotWriter()
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, _, err := tp.ReadResponse(250); err != nil {
		return fmt.Errorf("smtp message rejected: %w", err)
	}

	return cmd(221, "QUIT")
}

func emailSubject(a Alert) string {
	return fmt.Sprintf("[agenttrail] %s alert: %s", a.Severity, a.PatternName)
}

func emailBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern %s (%s) triggered at %s.\r\n", a.PatternName, a.PatternID, a.Timestamp)
	if a.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", a.SessionID)
	}
	fmt.Fprintf(&b, "\r\nRecent entries:\r\n")
	for i := range a.TriggeringEvents {
		e := &a.TriggeringEvents[i]
		fmt.Fprintf(&b, "  [%s] %s/%s %s (allowed=%t)\r\n", e.Timestamp, e.Category, e.Severity, e.Message, e.Allowed)
	}
	return b.String()
}

func cfgString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

func cfgInt(cfg map[string]any, key string) int {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
