package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agenttrail/agenttrail/internal/audit"
)

func newTestStore(t *testing.T) *AlertStore {
	t.Helper()
	s, err := NewAlertStore(filepath.Join(t.TempDir(), "alerts"))
	if err != nil {
		t.Fatalf("NewAlertStore: %v", err)
	}
	return s
}

func makeAlert(offset time.Duration, patternID string, sev audit.Severity) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Timestamp:   testBase.Add(offset).Format(time.RFC3339Nano),
		PatternID:   patternID,
		PatternName: patternID,
		Severity:    sev,
		Message:     fmt.Sprintf("pattern %q triggered", patternID),
	}
}

func TestAlertStore_SaveAndList(t *testing.T) {
	s := newTestStore(t)

	a1 := makeAlert(0, "p1", audit.SeverityWarning)
	a2 := makeAlert(time.Minute, "p2", audit.SeverityCritical)
	a3 := makeAlert(2*time.Minute, "p1", audit.SeverityCritical)
	for _, a := range []Alert{a1, a2, a3} {
		a := a
		if err := s.Save(&a); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	alerts, err := s.List(AlertFilters{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	// Newest first.
	if alerts[0].ID != a3.ID || alerts[2].ID != a1.ID {
		t.Errorf("list not newest first: %s, %s, %s", alerts[0].ID, alerts[1].ID, alerts[2].ID)
	}
}

func TestAlertStore_Filters(t *testing.T) {
	s := newTestStore(t)

	a1 := makeAlert(0, "p1", audit.SeverityWarning)
	a2 := makeAlert(time.Minute, "p2", audit.SeverityCritical)
	a3 := makeAlert(2*time.Minute, "p1", audit.SeverityCritical)
	for _, a := range []Alert{a1, a2, a3} {
		a := a
		if err := s.Save(&a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Acknowledge(a1.ID, "handled", "ops"); err != nil {
		t.Fatal(err)
	}

	unacked := false
	tests := []struct {
		name    string
		filters AlertFilters
		want    int
	}{
		{"by pattern", AlertFilters{PatternID: "p1"}, 2},
		{"by severity", AlertFilters{Severity: audit.SeverityCritical}, 2},
		{"unacknowledged only", AlertFilters{Acknowledged: &unacked}, 2},
		{"since cutoff", AlertFilters{Since: testBase.Add(30 * time.Second)}, 2},
		{"limit", AlertFilters{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts, err := s.List(tt.filters)
			if err != nil {
				t.Fatal(err)
			}
			if len(alerts) != tt.want {
				t.Errorf("got %d alerts, want %d", len(alerts), tt.want)
			}
		})
	}
}

func TestAlertStore_Get(t *testing.T) {
	s := newTestStore(t)
	a := makeAlert(0, "p1", audit.SeverityWarning)
	if err := s.Save(&a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PatternID != "p1" {
		t.Errorf("wrong alert: %+v", got)
	}

	if _, err := s.Get("missing"); err == nil {
		t.Error("Get of unknown id should fail")
	}
}

func TestAlertStore_Acknowledge(t *testing.T) {
	s := newTestStore(t)
	a := makeAlert(0, "p1", audit.SeverityCritical)
	if err := s.Save(&a); err != nil {
		t.Fatal(err)
	}

	acked, err := s.Acknowledge(a.ID, "false positive", "alice")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !acked.Acknowledged || acked.Ack == nil || acked.Ack.User != "alice" || acked.Ack.Note != "false positive" {
		t.Errorf("acknowledgement not recorded: %+v", acked)
	}

	// Second acknowledgement keeps the first.
	again, err := s.Acknowledge(a.ID, "other note", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if again.Ack.User != "alice" {
		t.Errorf("second ack overwrote the first: %+v", again.Ack)
	}

	// Acknowledgement survives a reopen.
	s2, err := NewAlertStore(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Acknowledged {
		t.Error("acknowledgement not persisted")
	}

	if _, err := s.Acknowledge("missing", "", ""); err == nil {
		t.Error("acknowledging unknown alert should fail")
	}
}

func TestAlertStore_SkipsMalformedFiles(t *testing.T) {
	s := newTestStore(t)
	a := makeAlert(0, "p1", audit.SeverityWarning)
	if err := s.Save(&a); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "alert-corrupt.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	alerts, err := s.List(AlertFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Errorf("corrupt file should be skipped, got %d alerts", len(alerts))
	}
}
