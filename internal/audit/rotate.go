package audit

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// rotateIfNeeded renames the active file to a timestamp-suffixed sibling
// and starts a fresh active file once it reaches MaxFileSize. The hash
// chain continues across the rotation — only the file boundary moves.
// Caller must hold flushMu with the active file open.
func (l *Logger) rotateIfNeeded() error {
	info, err := l.activeFile.Stat()
	if err != nil {
		return fmt.Errorf("stat active audit file: %w", err)
	}
	if info.Size() < l.opts.MaxFileSize {
		return nil
	}

	activePath := filepath.Join(l.dir, activeFileName(l.activeDate))
	rotatedPath := filepath.Join(l.dir, rotatedFileName(l.activeDate, time.Now()))

	if err := l.activeFile.Close(); err != nil {
		return fmt.Errorf("closing active audit file: %w", err)
	}
	l.activeFile = nil

	if err := os.Rename(activePath, rotatedPath); err != nil {
		return fmt.Errorf("rotating %s: %w", activePath, err)
	}
	slog.Info("audit file rotated", "from", filepath.Base(activePath), "to", filepath.Base(rotatedPath), "size", info.Size())

	if l.opts.Retention.ArchiveBeforeDelete {
		if err := l.archiveFile(rotatedPath); err != nil {
			// Leave the uncompressed rotation in place; the next
			// retention sweep will retry.
			slog.Error("audit archive failed", "file", rotatedPath, "error", err)
		}
	}

	return l.openActiveFile()
}

// archiveFile stream-compresses a rotated file into archive/ and removes
// the uncompressed copy only after compression succeeds.
func (l *Logger) archiveFile(path string) error {
	dir := filepath.Join(l.dir, archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(path)+".gz")
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing archived original %s: %w", path, err)
	}
	slog.Info("audit file archived", "file", filepath.Base(dst))
	return nil
}

// sweepFile is a retention candidate: a plain or archived log file.
type sweepFile struct {
	path     string
	name     string // Base name with .gz stripped, for chronological sorting.
	size     int64
	archived bool
}

// runRetention applies the retention policy: age expiry first, then the
// total-size budget, then the file-count cap, removing oldest files
// first. The currently active file is never eligible.
func (l *Logger) runRetention() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	p := l.opts.Retention
	if p.MaxAgeDays <= 0 && p.MaxTotalSizeBytes <= 0 && p.MaxFiles <= 0 {
		return
	}

	files, err := l.sweepCandidates()
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}

	// Age expiry. Archived files age out too — archival defers deletion,
	// it doesn't suspend the clock.
	if p.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -p.MaxAgeDays)
		kept := files[:0]
		for _, f := range files {
			d := fileDate(f.path)
			if !d.IsZero() && d.Before(cutoff) {
				l.expireFile(f)
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	// Total size budget: drop oldest until under budget.
	if p.MaxTotalSizeBytes > 0 {
		var total int64
		for _, f := range files {
			total += f.size
		}
		for len(files) > 0 && total > p.MaxTotalSizeBytes {
			l.expireFile(files[0])
			total -= files[0].size
			files = files[1:]
		}
	}

	// File count cap (plain files only — archives already paid their way
	// through the size budget).
	if p.MaxFiles > 0 {
		var plain []sweepFile
		for _, f := range files {
			if !f.archived {
				plain = append(plain, f)
			}
		}
		for len(plain) > p.MaxFiles {
			l.expireFile(plain[0])
			plain = plain[1:]
		}
	}
}

// sweepCandidates lists retention-eligible files oldest first, excluding
// the active file.
func (l *Logger) sweepCandidates() ([]sweepFile, error) {
	today := time.Now().UTC().Format("2006-01-02")
	active := activeFileName(today)

	var out []sweepFile
	collect := func(paths []string, archived bool) {
		for _, p := range paths {
			base := filepath.Base(p)
			if !archived && base == active {
				continue
			}
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			out = append(out, sweepFile{
				path:     p,
				name:     strings.TrimSuffix(base, ".gz"),
				size:     info.Size(),
				archived: archived,
			})
		}
	}

	plain, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	archives, err := filepath.Glob(filepath.Join(l.dir, archiveDir, filePrefix+"*.gz"))
	if err != nil {
		return nil, err
	}
	collect(plain, false)
	collect(archives, true)

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// expireFile removes a file per policy: plain files are archived first
// when archiveBeforeDelete is set, archives are deleted outright.
func (l *Logger) expireFile(f sweepFile) {
	if !f.archived && l.opts.Retention.ArchiveBeforeDelete {
		if err := l.archiveFile(f.path); err != nil {
			slog.Error("retention archive failed", "file", f.path, "error", err)
		}
		return
	}
	if err := os.Remove(f.path); err != nil {
		slog.Error("retention delete failed", "file", f.path, "error", err)
		return
	}
	slog.Info("audit file expired", "file", filepath.Base(f.path))
}
