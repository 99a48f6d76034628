package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRotation_ChainSurvivesFileBoundary(t *testing.T) {
	dir := t.TempDir()
	// MaxFileSize of 1 byte forces a rotation at every flush after the
	// first, spreading the chain across several files.
	l := newTestLogger(t, Options{Dir: dir, MaxFileSize: 1})

	for i := 0; i < 3; i++ {
		l.Log(CategoryCommandExecution, SeverityInfo, "spread across files", Details{Action: "cmd", Allowed: true})
		if err := l.Flush(); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}

	files, err := l.allLogFiles()
	if err != nil {
		t.Fatalf("allLogFiles: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected rotation to produce multiple files, got %d", len(files))
	}

	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid {
		t.Errorf("chain should remain valid across rotated files: %+v", report.Errors)
	}
	if report.Entries != 3 {
		t.Errorf("expected 3 entries verified, got %d", report.Entries)
	}
}

func TestRotation_ArchivesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{
		Dir:         dir,
		MaxFileSize: 1,
		Retention:   RetentionPolicy{ArchiveBeforeDelete: true},
	})

	for i := 0; i < 3; i++ {
		l.Log(CategoryFileAccess, SeverityInfo, "archived rotation", Details{Allowed: true})
		if err := l.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	archives, err := filepath.Glob(filepath.Join(dir, archiveDir, "*.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) == 0 {
		t.Fatal("rotated files should be gzip-archived")
	}

	// Archived entries still participate in queries and verification.
	report, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid || report.Entries != 3 {
		t.Errorf("verification should cover archives: valid=%t entries=%d", report.Valid, report.Entries)
	}
}

func TestRetention_ActiveFileIsImmune(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{
		Dir: dir,
		// Aggressive policy: everything over 1 byte total is over budget.
		Retention: RetentionPolicy{MaxTotalSizeBytes: 1},
	})

	l.Log(CategoryCommandExecution, SeverityInfo, "current", Details{Allowed: true})
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	l.runRetention()

	today := time.Now().UTC().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, activeFileName(today))); err != nil {
		t.Errorf("retention must never touch the active file: %v", err)
	}
}

func TestRetention_AgeExpiry(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{
		Dir:       dir,
		Retention: RetentionPolicy{MaxAgeDays: 30},
	})

	// Plant an old log file dated well past the age limit.
	oldPath := filepath.Join(dir, activeFileName("2020-01-01"))
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l.runRetention()

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("file older than the age limit should be expired")
	}
}

func TestRetention_AgeExpiryArchivesWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{
		Dir:       dir,
		Retention: RetentionPolicy{MaxAgeDays: 30, ArchiveBeforeDelete: true},
	})

	oldPath := filepath.Join(dir, activeFileName("2020-01-01"))
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l.runRetention()

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired file should be moved out of the main directory")
	}
	archives, _ := filepath.Glob(filepath.Join(dir, archiveDir, "*.gz"))
	if len(archives) != 1 {
		t.Errorf("expired file should be archived, found %d archives", len(archives))
	}
}

func TestRetention_FileCountCap(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{
		Dir:       dir,
		Retention: RetentionPolicy{MaxFiles: 2},
	})

	for _, date := range []string{"2026-08-01", "2026-08-02", "2026-08-03", "2026-08-04"} {
		path := filepath.Join(dir, activeFileName(date))
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	l.runRetention()

	remaining, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if len(remaining) != 2 {
		t.Fatalf("count cap should keep 2 plain files, got %d", len(remaining))
	}
	// The oldest files go first.
	for _, p := range remaining {
		if filepath.Base(p) == activeFileName("2026-08-01") || filepath.Base(p) == activeFileName("2026-08-02") {
			t.Errorf("oldest file %s should have been expired", filepath.Base(p))
		}
	}
}

func TestRotatedFileName_SortsAfterDailyFile(t *testing.T) {
	at := time.Date(2026, 8, 29, 15, 4, 5, 123, time.UTC)
	rotated := rotatedFileName("2026-08-29", at)
	daily := activeFileName("2026-08-29")
	next := activeFileName("2026-08-30")

	// Ascending base-name order must equal chronological order. A rotated
	// sibling holds entries older than the day's remaining active file, so
	// it sorts before it; both stay before the next day's file.
	if !(rotated < daily && daily < next) {
		t.Errorf("lexicographic order broken: %q, %q, %q", rotated, daily, next)
	}
}
