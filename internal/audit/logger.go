package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetentionPolicy governs how long audit files are kept.
type RetentionPolicy struct {
	MaxAgeDays          int   // Delete/archive files older than this. 0 = no age limit.
	MaxTotalSizeBytes   int64 // Remove oldest files until under this budget. 0 = no limit.
	MaxFiles            int   // Remove oldest files past this count. 0 = no limit.
	ArchiveBeforeDelete bool  // Gzip into archive/ instead of deleting outright.
}

// Options configures a Logger. Zero values get sensible defaults from
// applyLoggerDefaults — callers normally build Options from the YAML config.
type Options struct {
	Dir           string
	MinSeverity   Severity      // Entries below this are suppressed (no chain slot).
	BufferSize    int           // Flush when this many entries are buffered.
	FlushInterval time.Duration // Periodic flush cadence.
	MaxFileSize   int64         // Rotate the active file at this size.
	Retention     RetentionPolicy
	Algorithm     HashAlgorithm
	ConsoleMirror Severity // Mirror entries at/above this severity via slog. "" = off.
	RecentWindow  int      // Capacity of the bounded recent-entry ring.
}

func applyLoggerDefaults(o Options) Options {
	if o.MinSeverity == "" {
		o.MinSeverity = SeverityInfo
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 10 * 1024 * 1024
	}
	if o.Algorithm == "" {
		o.Algorithm = SHA256
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = 200
	}
	return o
}

// Logger is the audit engine: it creates hash-chained entries, buffers
// them, and persists them to daily JSONL files with rotation, archival,
// and retention.
//
// Storage layout under Options.Dir:
//
//	audit-2026-08-29.jsonl          # Active daily file (append-only)
//	audit-2026-08-28.151204.jsonl   # Size-rotated sibling
//	archive/                        # Gzip-compressed rotated/expired files
//	reports/                        # Generated reports
//	index.db                        # SQLite projection for fast queries
//
// Thread-safe — Log is called concurrently; mu guards chain state and the
// buffer, flushMu serializes every operation that touches the active file
// (flush, rotation, retention) so writes never interleave.
type Logger struct {
	opts Options
	dir  string

	mu       sync.Mutex
	nextSeq  uint64
	lastHash string
	buffer   []Entry
	recent   []Entry // Bounded ring, oldest evicted first.
	obs      []func(Entry)
	closed   bool

	flushMu    sync.Mutex
	activeFile *os.File
	activeDate string // YYYY-MM-DD of the open file.

	index *sqliteIndex

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens or creates an audit log in opts.Dir. Restores the sequence
// counter and chain tail from the tail of the most recent log file so the
// chain continues across restarts — it never resets to GENESIS once any
// entry has been written.
func New(opts Options) (*Logger, error) {
	opts = applyLoggerDefaults(opts)
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit: log directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", opts.Dir, err)
	}

	l := &Logger{
		opts:     opts,
		dir:      opts.Dir,
		lastHash: GenesisHash,
		done:     make(chan struct{}),
	}

	idx, err := openIndex(filepath.Join(opts.Dir, "index.db"))
	if err != nil {
		// The JSONL files are the source of truth; run without the index
		// rather than refusing to audit.
		slog.Error("audit index unavailable, falling back to file scans", "error", err)
	} else {
		l.index = idx
	}

	if err := l.recoverState(); err != nil {
		if l.index != nil {
			l.index.close()
		}
		return nil, err
	}

	l.wg.Add(2)
	go l.flushLoop()
	go l.retentionLoop()

	slog.Info("audit log initialized", "dir", opts.Dir, "next_seq", l.nextSeq, "algorithm", opts.Algorithm.name())
	return l, nil
}

// Subscribe registers an observer called for every accepted entry.
// Observers run on the ingestion path and must not block; anything slow
// (network, UI fan-out) must hand off to its own goroutine or channel.
func (l *Logger) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.obs = append(l.obs, fn)
}

// Log records an authorization decision and returns the created entry.
// Persistence is asynchronous; the returned entry is already chained.
//
// Entries below the configured minimum severity are constructed (so the
// caller still gets a well-formed record) but never enter the chain: they
// consume no sequence number, are not buffered, not pattern-checked, and
// not persisted.
func (l *Logger) Log(category Category, severity Severity, message string, d Details) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Action:    d.Action,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Source:    d.Source,
		SessionID: d.SessionID,
		Duration:  d.Duration,
		Context:   d.Context,
	}

	if !severity.AtLeast(l.opts.MinSeverity) {
		return e
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return e
	}
	e.Seq = l.nextSeq
	l.nextSeq++
	e.PrevHash = l.lastHash
	e.Hash = computeHash(l.opts.Algorithm, &e)
	l.lastHash = e.Hash

	l.buffer = append(l.buffer, e)
	bufLen := len(l.buffer)

	l.recent = append(l.recent, e)
	if len(l.recent) > l.opts.RecentWindow {
		l.recent = l.recent[len(l.recent)-l.opts.RecentWindow:]
	}
	observers := l.obs
	l.mu.Unlock()

	l.mirrorToConsole(&e)

	if l.index != nil {
		l.index.insert(&e)
	}

	for _, fn := range observers {
		fn(e)
	}

	if bufLen >= l.opts.BufferSize {
		// Size-triggered flush. Runs off the ingestion path; the flush
		// mutex serializes it against the periodic timer.
		go func() {
			if err := l.Flush(); err != nil {
				slog.Error("audit flush failed", "error", err)
			}
		}()
	}

	return e
}

// mirrorToConsole emits accepted entries to the operational log when
// console mirroring is enabled for their severity.
func (l *Logger) mirrorToConsole(e *Entry) {
	if l.opts.ConsoleMirror == "" || !e.Severity.AtLeast(l.opts.ConsoleMirror) {
		return
	}
	attrs := []any{"seq", e.Seq, "category", e.Category, "action", e.Action, "allowed", e.Allowed}
	switch e.Severity {
	case SeverityCritical:
		slog.Error(e.Message, attrs...)
	case SeverityBlocked, SeverityWarning:
		slog.Warn(e.Message, attrs...)
	default:
		slog.Info(e.Message, attrs...)
	}
}

// Flush writes all buffered entries durably before returning. Overlapping
// calls serialize on the flush mutex: a caller waits for any in-flight
// flush, then swaps in its own batch, so entries are written exactly in
// append order and two flushes never interleave.
//
// On write failure only the entries that never reached the file are
// requeued at the front of the buffer and retried on the next scheduled
// flush — an entry that was already appended must never be written a
// second time, or replaying the file would see a duplicate.
func (l *Logger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	written, err := l.writeBatch(batch)
	if err != nil && written < len(batch) {
		rest := batch[written:len(batch):len(batch)]
		l.mu.Lock()
		l.buffer = append(rest, l.buffer...)
		l.mu.Unlock()
	}
	return err
}

// writeBatch appends a batch to the (possibly date-rolled, possibly
// rotated) active file and reports how many leading entries it consumed.
// Entries that fail to marshal are dropped and logged — retrying them
// can never succeed, and requeueing one would wedge the buffer forever.
// A Sync failure consumes the whole batch: every entry is already in
// the file at that point. Caller must hold flushMu.
func (l *Logger) writeBatch(batch []Entry) (int, error) {
	if err := l.openActiveFile(); err != nil {
		return 0, err
	}
	if err := l.rotateIfNeeded(); err != nil {
		// Rotation trouble shouldn't lose entries — log and keep
		// appending to the oversized file.
		slog.Error("audit rotation failed", "error", err)
	}

	written := 0
	for i := range batch {
		data, err := marshalLine(&batch[i])
		if err != nil {
			slog.Error("dropping unserializable audit entry", "seq", batch[i].Seq, "error", err)
			written++
			continue
		}
		if _, err := l.activeFile.Write(data); err != nil {
			return written, fmt.Errorf("writing audit entry %d: %w", batch[i].Seq, err)
		}
		written++
	}

	// Sync once per batch — audit entries must survive crashes.
	return written, l.activeFile.Sync()
}

// openActiveFile ensures the file for the current UTC date is open,
// rolling to a new daily file when the date changes. Caller holds flushMu.
func (l *Logger) openActiveFile() error {
	today := time.Now().UTC().Format("2006-01-02")
	if l.activeFile != nil && l.activeDate == today {
		return nil
	}
	if l.activeFile != nil {
		l.activeFile.Close()
		l.activeFile = nil
	}

	path := filepath.Join(l.dir, activeFileName(today))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file %s: %w", path, err)
	}
	l.activeFile = f
	l.activeDate = today
	return nil
}

// flushLoop runs the periodic flush timer until shutdown.
func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				slog.Error("audit flush failed", "error", err)
			}
		case <-l.done:
			return
		}
	}
}

// retentionLoop sweeps retention at startup and then once every 24h.
func (l *Logger) retentionLoop() {
	defer l.wg.Done()

	l.runRetention()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runRetention()
		case <-l.done:
			return
		}
	}
}

// Shutdown stops the timers, performs one final synchronous flush, and
// closes the active file and index. Safe to call once.
func (l *Logger) Shutdown() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	err := l.Flush()

	l.flushMu.Lock()
	if l.activeFile != nil {
		if cerr := l.activeFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
		l.activeFile = nil
	}
	l.flushMu.Unlock()

	if l.index != nil {
		if cerr := l.index.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// recoverState walks the log files newest to oldest until one yields a
// parseable tail entry, then continues the chain from it. The newest
// file alone is not enough: a date roll or rotation right before a
// crash leaves a fresh file with no entries while older files still
// hold the chain.
func (l *Logger) recoverState() error {
	files, err := l.allLogFiles()
	if err != nil {
		return err
	}
	l.nextSeq = 0
	l.lastHash = GenesisHash

	for i := len(files) - 1; i >= 0; i-- {
		last, err := readLastEntry(files[i])
		if err != nil {
			return fmt.Errorf("recovering audit state from %s: %w", files[i], err)
		}
		if last == nil {
			continue
		}
		l.nextSeq = last.Seq + 1
		l.lastHash = last.Hash
		break
	}

	if l.index != nil && len(files) > 0 {
		l.reindex(files)
	}
	return nil
}

// reindex scans log files and inserts any entries missing from the
// SQLite index. Recovers from crashes that happened before indexing.
func (l *Logger) reindex(files []string) {
	indexLastSeq, indexEmpty := l.index.lastSeq()
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			slog.Error("reindex: error reading file", "file", file, "error", err)
			continue
		}
		for i := range entries {
			if indexEmpty || entries[i].Seq > indexLastSeq {
				l.index.insert(&entries[i])
			}
		}
	}
}

// snapshotBuffer returns a copy of the entries awaiting flush, in append
// order. Used by the query engine to merge unpersisted entries.
func (l *Logger) snapshotBuffer() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.buffer))
	copy(out, l.buffer)
	return out
}

// GetRecentEntries returns up to count entries from the bounded recent
// window, newest last.
func (l *Logger) GetRecentEntries(count int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count <= 0 || count > len(l.recent) {
		count = len(l.recent)
	}
	out := make([]Entry, count)
	copy(out, l.recent[len(l.recent)-count:])
	return out
}
