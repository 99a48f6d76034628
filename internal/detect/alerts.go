package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenttrail/agenttrail/internal/audit"
)

// Acknowledgement records who acknowledged an alert, when, and why.
type Acknowledgement struct {
	Timestamp string `json:"ts"`
	User      string `json:"user,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Alert is a raised pattern alert. Alerts are persisted one file each so
// they survive independently of the main log; the only mutation they
// ever gain is an acknowledgement.
type Alert struct {
	ID               string           `json:"id"`
	Timestamp        string           `json:"ts"`
	PatternID        string           `json:"pattern_id"`
	PatternName      string           `json:"pattern_name"`
	Severity         audit.Severity   `json:"severity"`
	Message          string           `json:"message"`
	TriggeringEvents []audit.Entry    `json:"triggering_events,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	ActionsTaken     []string         `json:"actions_taken,omitempty"`
	Acknowledged     bool             `json:"acknowledged"`
	Ack              *Acknowledgement `json:"ack,omitempty"`

	// actions carries the pattern's action configs to the dispatcher.
	// Not persisted — the stored alert records only ActionsTaken.
	actions []Action
}

// AlertFilters narrows a List call. Zero values mean "no filter".
type AlertFilters struct {
	PatternID    string
	Severity     audit.Severity
	Acknowledged *bool
	Since        time.Time
	Limit        int
}

// AlertStore persists alerts as one JSON file each under an alerts/
// directory.
type AlertStore struct {
	mu  sync.Mutex
	dir string
}

// NewAlertStore creates (if needed) and opens the alerts directory.
func NewAlertStore(dir string) (*AlertStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating alerts directory %s: %w", dir, err)
	}
	return &AlertStore{dir: dir}, nil
}

// Save writes an alert to its own file. The timestamp prefix keeps
// directory listings chronological.
func (s *AlertStore) Save(a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(a)
}

// write persists one alert. Caller must hold the mutex.
func (s *AlertStore) write(a *Alert) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alert %s: %w", a.ID, err)
	}
	return os.WriteFile(s.path(a), data, 0o644)
}

func (s *AlertStore) path(a *Alert) string {
	ts := strings.ReplaceAll(a.Timestamp, ":", "")
	if len(ts) > 17 {
		ts = ts[:17] // 2026-08-29T101530 — second precision is enough for names.
	}
	return filepath.Join(s.dir, fmt.Sprintf("alert-%s-%s.json", ts, a.ID))
}

// List returns alerts matching the filters, newest first.
func (s *AlertStore) List(f AlertFilters) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts, err := s.readAll()
	if err != nil {
		return nil, err
	}

	filtered := alerts[:0]
	for _, a := range alerts {
		if f.PatternID != "" && a.PatternID != f.PatternID {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		if !f.Since.IsZero() {
			if t, err := time.Parse(time.RFC3339Nano, a.Timestamp); err == nil && t.Before(f.Since) {
				continue
			}
		}
		filtered = append(filtered, a)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Timestamp > filtered[j].Timestamp })
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}

	out := make([]Alert, len(filtered))
	copy(out, filtered)
	return out, nil
}

// Get returns one alert by ID.
func (s *AlertStore) Get(id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for i := range alerts {
		if alerts[i].ID == id {
			return &alerts[i], nil
		}
	}
	return nil, fmt.Errorf("alert %q not found", id)
}

// Acknowledge marks an alert acknowledged and rewrites its file.
// Acknowledging twice is a no-op that keeps the first acknowledgement.
func (s *AlertStore) Acknowledge(id, note, user string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for i := range alerts {
		if alerts[i].ID != id {
			continue
		}
		a := &alerts[i]
		if a.Acknowledged {
			return a, nil
		}
		a.Acknowledged = true
		a.Ack = &Acknowledgement{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			User:      user,
			Note:      note,
		}
		if err := s.write(a); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("alert %q not found", id)
}

// readAll loads every alert file. Malformed files are skipped so one
// corrupt alert doesn't hide the rest. Caller must hold the mutex.
func (s *AlertStore) readAll() ([]Alert, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "alert-*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}

	var alerts []Alert
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
