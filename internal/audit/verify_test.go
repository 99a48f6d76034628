package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// logFilePath returns today's active file path for a test logger dir.
func logFilePath(dir string) string {
	return filepath.Join(dir, activeFileName(time.Now().UTC().Format("2006-01-02")))
}

func writeChain(t *testing.T, dir string, count int) {
	t.Helper()
	l := newTestLogger(t, Options{Dir: dir})
	for i := 0; i < count; i++ {
		l.Log(CategoryCommandExecution, SeverityInfo, "chained", Details{Action: "cmd", Allowed: true})
	}
	if err := l.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestVerifyIntegrity_ValidChain(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, 5)

	l := newTestLogger(t, Options{Dir: dir})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid {
		t.Fatalf("untouched chain should verify: %+v", report.Errors)
	}
	if report.Entries != 5 {
		t.Errorf("expected 5 entries checked, got %d", report.Entries)
	}
}

func TestVerifyIntegrity_EmptyLog(t *testing.T) {
	l := newTestLogger(t, Options{})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid || report.Entries != 0 {
		t.Errorf("empty log should be trivially valid, got valid=%t entries=%d", report.Valid, report.Entries)
	}
}

// tamperLine rewrites one line of the log file through fn.
func tamperLine(t *testing.T, path string, lineNo int, fn func(e *Entry)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var e Entry
	if err := json.Unmarshal([]byte(lines[lineNo]), &e); err != nil {
		t.Fatal(err)
	}
	fn(&e)
	modified, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	lines[lineNo] = string(modified)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyIntegrity_DetectsFieldTampering(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, 5)

	// Flip the decision on the third entry without recomputing hashes.
	tamperLine(t, logFilePath(dir), 2, func(e *Entry) { e.Allowed = false })

	l := newTestLogger(t, Options{Dir: dir})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain should not verify")
	}

	var kinds []string
	for _, fe := range report.Errors {
		kinds = append(kinds, fe.Kind)
		if fe.Seq != 2 {
			t.Errorf("finding should point at seq 2, got %d", fe.Seq)
		}
	}
	if len(kinds) != 1 || kinds[0] != "hash_mismatch" {
		t.Errorf("expected a single hash_mismatch finding, got %v", kinds)
	}
}

func TestVerifyIntegrity_DetectsChainBreak(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, 5)

	// Replace an entry wholesale: recomputed hash is self-consistent but
	// no longer links to the previous entry.
	tamperLine(t, logFilePath(dir), 2, func(e *Entry) {
		e.Message = "forged"
		e.PrevHash = "sha256:forged"
		e.Hash = computeHash(SHA256, e)
	})

	l := newTestLogger(t, Options{Dir: dir})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.Valid {
		t.Fatal("forged entry should break the chain")
	}

	// One finding at the forgery, one where the replay re-joins the
	// original chain — never a cascade over every following entry.
	breaks := 0
	for _, fe := range report.Errors {
		if fe.Kind != "chain_break" {
			t.Errorf("unexpected finding kind %q", fe.Kind)
		}
		breaks++
	}
	if breaks != 2 {
		t.Errorf("expected 2 chain_break findings, got %d", breaks)
	}
}

func TestVerifyIntegrity_DetectsDeletedEntry(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, 5)

	path := logFilePath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	// Drop the middle entry.
	lines = append(lines[:2], lines[3:]...)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newTestLogger(t, Options{Dir: dir})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.Valid {
		t.Fatal("deleting an entry should break the chain")
	}

	var kinds []string
	for _, fe := range report.Errors {
		kinds = append(kinds, fe.Kind)
	}
	wantChainBreak, wantGap := false, false
	for _, k := range kinds {
		switch k {
		case "chain_break":
			wantChainBreak = true
		case "sequence_gap":
			wantGap = true
		}
	}
	if !wantChainBreak || !wantGap {
		t.Errorf("deletion should surface both chain_break and sequence_gap, got %v", kinds)
	}
}

func TestVerifyIntegrity_ReportsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeChain(t, dir, 2)

	path := logFilePath(dir)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("this is not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l := newTestLogger(t, Options{Dir: dir})
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.Valid {
		t.Fatal("malformed line should be a finding")
	}
	if report.Entries != 2 {
		t.Errorf("malformed lines should not count as entries, got %d", report.Entries)
	}
	found := false
	for _, fe := range report.Errors {
		if fe.Kind == "malformed" && fe.Line == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a malformed finding at line 3, got %+v", report.Errors)
	}
}
