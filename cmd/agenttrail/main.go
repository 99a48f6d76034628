// Package main is the CLI entry point for AgentTrail — a tamper-evident
// security audit trail for AI agent activity.
//
// AgentTrail records security-relevant events (command executions, file
// accesses, API calls, injection attempts) as hash-chained JSONL entries,
// detects suspicious activity patterns over the live stream, and raises
// alerts through configurable channels.
//
// Architecture overview:
//
//	callers --> Logger (hash chain + buffer) --> daily JSONL files
//	             |                               + archive/ + index.db
//	             +--> Detector (threshold/sequence patterns)
//	                   |--> AlertStore (alerts/*.json)
//	                   +--> Dispatcher (log/notify/webhook/email/block)
//
// CLI commands (cobra):
//
//	agenttrail start [-d]  - Start the audit engine + dashboard
//	agenttrail stop        - Stop a running engine
//	agenttrail status      - Show engine status
//	agenttrail search      - Query audit entries with filters
//	agenttrail stats       - Show aggregate statistics
//	agenttrail verify      - Verify hash chain integrity
//	agenttrail report      - Generate an audit report
//	agenttrail export      - Export entries as NDJSON
//	agenttrail alerts      - List/acknowledge security alerts
//	agenttrail patterns    - Manage detection patterns
//	agenttrail config      - View/edit engine configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agenttrail/agenttrail/internal/audit"
	"github.com/agenttrail/agenttrail/internal/config"
	"github.com/agenttrail/agenttrail/internal/dashboard"
	"github.com/agenttrail/agenttrail/internal/detect"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-29"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.agenttrail/ where all runtime
// state lives: config.yaml, patterns.yaml, the log files, alerts/, and
// the SQLite index.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agenttrail"
	}
	return filepath.Join(home, ".agenttrail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the AgentTrail data directory.
var dataDir string

var rootCmd = &cobra.Command{
	Use:   "agenttrail",
	Short: "AgentTrail — Tamper-evident audit trail for AI agents",
	Long: `AgentTrail records security-relevant agent activity as hash-chained,
append-only JSONL entries. Any tampering with a recorded entry breaks
the chain and is detectable with 'agenttrail verify'. A real-time
pattern detector watches the stream for suspicious activity and raises
alerts through configurable channels.

Run 'agenttrail start' to start the engine, or 'agenttrail config init'
to generate a default configuration.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	// --data-dir: Override the default ~/.agenttrail/ directory.
	// Persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to AgentTrail data directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(configCmd)
}

// loggerOptions builds audit.Options from the loaded YAML config.
func loggerOptions(cfg *config.Config) audit.Options {
	return audit.Options{
		Dir:           filepath.Join(dataDir, "logs"),
		MinSeverity:   audit.Severity(cfg.Log.MinSeverity),
		BufferSize:    cfg.Log.BufferSize,
		FlushInterval: time.Duration(cfg.Log.FlushIntervalMs) * time.Millisecond,
		MaxFileSize:   cfg.Log.MaxFileSize,
		Retention: audit.RetentionPolicy{
			MaxAgeDays:          cfg.Retention.MaxAgeDays,
			MaxTotalSizeBytes:   cfg.Retention.MaxTotalSizeBytes,
			MaxFiles:            cfg.Retention.MaxFiles,
			ArchiveBeforeDelete: cfg.Retention.ArchiveBeforeDelete,
		},
		Algorithm:     audit.HashAlgorithm(cfg.Log.HashAlgorithm),
		ConsoleMirror: audit.Severity(cfg.Log.ConsoleMirror),
	}
}

// openLogger loads the config and opens the audit log. Shared by every
// command that reads or writes the log.
func openLogger() (*audit.Logger, *config.Config, error) {
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := audit.New(loggerOptions(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return logger, cfg, nil
}

// ============================================================================
// agenttrail start — Start the audit engine
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the AgentTrail engine",
	Long: `Start the AgentTrail audit engine. The engine ingests entries from
agent integrations, persists the hash chain, runs the pattern detector,
and serves the dashboard + REST API.

By default runs in the foreground. Use -d for daemon/background mode.

The dashboard binds to the address in ~/.agenttrail/config.yaml
(default: 127.0.0.1:3180):
  - Dashboard: http://127.0.0.1:3180/dashboard
  - REST API:  http://127.0.0.1:3180/api/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run engine in daemon/background mode")
}

// runStart initializes all subsystems and starts the HTTP server.
// This is where the whole AgentTrail stack gets wired together:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.agenttrail/config.yaml
//  3. Open the audit log (hash-chained JSONL + SQLite index)
//  4. Create the alert store and action dispatcher
//  5. Create the pattern detector and subscribe it to the entry stream
//  6. Mount the dashboard (REST API + WebSocket feed) if enabled
//  7. Start the patterns.yaml watcher for hot reload
//  8. Write PID file and block until SIGINT/SIGTERM or HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child process and exit the parent. Go can't fork() safely
	// because the runtime is multi-threaded, so we re-exec with an env
	// var marking the child.
	if daemonMode && os.Getenv("AGENTTRAIL_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	// --- Step 1: Load configuration ---
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// --- Step 2: Open the audit log ---
	// Hash-chained append-only JSONL with a SQLite index for fast
	// queries. The chain tail is recovered from disk so sequence numbers
	// continue across restarts.
	logger, err := audit.New(loggerOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer logger.Shutdown()

	// --- Step 3: Alert store + dispatcher ---
	alertStore, err := detect.NewAlertStore(filepath.Join(dataDir, "alerts"))
	if err != nil {
		return fmt.Errorf("failed to open alert store: %w", err)
	}

	// block_session records the blocked session in the audit chain.
	// Integrations poll /api/search or subscribe over WebSocket to
	// enforce the block on their side.
	dispatcher := detect.NewDispatcher(func(sessionID, patternName string) {
		logger.Log(audit.CategoryAuthorization, audit.SeverityBlocked, "session blocked by pattern detector", audit.Details{
			Action:    "block_session",
			Allowed:   false,
			Reason:    patternName,
			Source:    "pattern_detector",
			SessionID: sessionID,
		})
	})
	defer dispatcher.Close()

	// --- Step 4: Pattern detector ---
	patternsPath := filepath.Join(dataDir, "patterns.yaml")
	detector, err := detect.New(detect.Config{
		PatternsPath:    patternsPath,
		WindowSize:      cfg.Detection.WindowSize,
		TriggerSnapshot: cfg.Detection.TriggerSnapshot,
	}, alertStore, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pattern detector: %w", err)
	}

	// Every accepted entry feeds the detector.
	logger.Subscribe(detector.OnEntry)

	fmt.Printf("[agenttrail] Loaded %d detection patterns\n", len(detector.Patterns()))

	// Record engine startup in the audit chain.
	logger.Log(audit.CategorySystemEvent, audit.SeverityInfo, "audit engine started", audit.Details{
		Action:  "engine_start",
		Allowed: true,
		Source:  "engine",
		Context: map[string]any{"version": version, "commit": commit},
	})

	// --- Step 5: Dashboard ---
	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			Logger:   logger,
			Detector: detector,
			Alerts:   alertStore,
		})
		logger.Subscribe(dash.BroadcastEntry)
		detector.SubscribeAlerts(dash.BroadcastAlert)
	}

	// --- Step 6: HTTP mux ---
	// The dashboard and REST API share one port:
	//   /dashboard*  -> web UI + WebSocket feed
	//   /api/*       -> REST API (search, stats, verify, alerts, patterns)
	//   /health      -> health check (used by `agenttrail status`)
	//   /shutdown    -> graceful shutdown trigger (used by `agenttrail stop`)
	mux := http.NewServeMux()

	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — the cross-platform way to stop the engine
	// (works on Windows where Unix signals are not available).
	// Only accepts POST from loopback addresses.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 7: PID file ---
	pidFile := filepath.Join(dataDir, "agenttrail.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// --- Step 8: patterns.yaml watcher for hot reload ---
	// Editing patterns.yaml (or `agenttrail patterns ...` from another
	// process) takes effect without restarting the engine.
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnPatternsChange: func() {
			if reloadErr := detector.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[agenttrail] Warning: failed to reload patterns: %v\n", reloadErr)
			} else {
				fmt.Println("[agenttrail] Patterns reloaded")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 9: Graceful shutdown on SIGINT/SIGTERM or HTTP /shutdown ---
	// All paths drain in-flight requests, flush the buffer, and close
	// the SQLite index before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if cfg.Dashboard.Enabled {
			fmt.Printf("[agenttrail] Dashboard at http://%s/dashboard\n", addr)
		}
		fmt.Printf("[agenttrail] Engine listening on http://%s\n", addr)
		if !daemonMode {
			fmt.Println("[agenttrail] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[agenttrail] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[agenttrail] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[agenttrail] Shutdown error: %v\n", shutdownErr)
	}

	// Record engine shutdown in the audit chain before the deferred
	// Shutdown flushes the buffer.
	logger.Log(audit.CategorySystemEvent, audit.SeverityInfo, "audit engine stopped", audit.Details{
		Action:  "engine_stop",
		Allowed: true,
		Source:  "engine",
	})

	fmt.Println("[agenttrail] Stopped")
	return nil
}

// spawnDaemon re-executes the agenttrail binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child detects AGENTTRAIL_DAEMONIZED=1 at the top of runStart() and
// skips the re-exec.
func spawnDaemon() error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(dataDir, "agenttrail.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if dataDir != defaultDataDir() {
		daemonArgs = append(daemonArgs, "--data-dir", dataDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "AGENTTRAIL_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[agenttrail] Engine started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[agenttrail] Log file: %s\n", logPath)
	fmt.Println("[agenttrail] Use 'agenttrail stop' to stop the engine")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[agenttrail] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address.
// Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// agenttrail stop — Stop the engine
// ============================================================================

// stopCmd sends a stop signal to a running engine. Tries HTTP shutdown
// first (cross-platform), then falls back to PID file + SIGTERM on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running AgentTrail engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)

	// Strategy 1: HTTP shutdown (cross-platform).
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[agenttrail] Stop signal sent to engine")
			os.Remove(filepath.Join(dataDir, "agenttrail.pid"))
			return nil
		}
	}

	// Strategy 2: PID file + SIGTERM (Unix only).
	if runtime.GOOS == "windows" {
		return fmt.Errorf("engine is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(dataDir, "agenttrail.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("engine is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop engine (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[agenttrail] Sent stop signal to engine (PID %d)\n", pid)
	return nil
}

// ============================================================================
// agenttrail status — Show engine status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Display whether the AgentTrail engine is running, its listen address,
and a summary of the loaded detection patterns. Queries the live engine
process for accurate real-time data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[agenttrail] Status: NOT RUNNING")
		fmt.Printf("[agenttrail] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[agenttrail] Status: RUNNING")
	fmt.Printf("[agenttrail] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[agenttrail] Could not query engine status (API may be disabled)")
		return nil
	}
	defer statusResp.Body.Close()

	var st struct {
		UptimeSeconds   int `json:"uptime_seconds"`
		TotalPatterns   int `json:"total_patterns"`
		EnabledPatterns int `json:"enabled_patterns"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		fmt.Println("[agenttrail] Could not parse engine status")
		return nil
	}

	fmt.Printf("[agenttrail] Uptime: %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("[agenttrail] Patterns: %d loaded, %d enabled\n", st.TotalPatterns, st.EnabledPatterns)
	return nil
}

// ============================================================================
// agenttrail search — Query audit entries
// ============================================================================

// Search filter flags.
var (
	searchCategory string
	searchSeverity string
	searchSource   string
	searchSession  string
	searchAllowed  string
	searchText     string
	searchSince    string
	searchSort     string
	searchAsc      bool
	searchOffset   int
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query audit entries with filters",
	Long: `Query the audit log with filters. All filters are AND-combined.

Examples:
  agenttrail search --category command_execution --allowed false --since 1h
  agenttrail search --text "rm -rf" --sort severity --limit 100
  agenttrail search --session sess-42 --severity blocked`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Shutdown()

		f := audit.SearchFilters{
			Source:    searchSource,
			SessionID: searchSession,
			Text:      searchText,
			SortBy:    audit.SortField(searchSort),
			SortAsc:   searchAsc,
			Offset:    searchOffset,
			Limit:     searchLimit,
		}
		if searchCategory != "" {
			f.Categories = []audit.Category{audit.Category(searchCategory)}
		}
		if searchSeverity != "" {
			f.Severities = []audit.Severity{audit.Severity(searchSeverity)}
		}
		if searchAllowed != "" {
			allowed := searchAllowed == "true"
			f.Allowed = &allowed
		}
		if searchSince != "" {
			d, err := time.ParseDuration(searchSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", searchSince, err)
			}
			f.Start = time.Now().Add(-d)
		}

		result, err := logger.Search(f)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if len(result.Entries) == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}

		for _, e := range result.Entries {
			printEntry(e)
		}
		fmt.Printf("\n%d of %d matching entries shown.\n", len(result.Entries), result.TotalCount)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "Filter by event category")
	searchCmd.Flags().StringVar(&searchSeverity, "severity", "", "Filter by severity (info/warning/blocked/critical)")
	searchCmd.Flags().StringVar(&searchSource, "source", "", "Filter by source component")
	searchCmd.Flags().StringVar(&searchSession, "session", "", "Filter by session ID")
	searchCmd.Flags().StringVar(&searchAllowed, "allowed", "", "Filter by decision (true/false)")
	searchCmd.Flags().StringVar(&searchText, "text", "", "Case-insensitive substring match")
	searchCmd.Flags().StringVar(&searchSince, "since", "", "Show entries since duration (e.g., 1h, 30m, 24h)")
	searchCmd.Flags().StringVar(&searchSort, "sort", "", "Sort field: timestamp, severity, category")
	searchCmd.Flags().BoolVar(&searchAsc, "asc", false, "Sort ascending (default newest first)")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "Pagination offset")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "Maximum number of entries to return")
}

// printEntry formats and prints a single audit entry to stdout.
func printEntry(e audit.Entry) {
	outcome := "allow"
	if !e.Allowed {
		outcome = "DENY"
	}
	if e.Action != "" {
		fmt.Printf("[%s] #%d %-20s %-8s %-5s action=%q %s\n",
			e.Timestamp, e.Seq, e.Category, e.Severity, outcome, e.Action, e.Message)
	} else {
		fmt.Printf("[%s] #%d %-20s %-8s %-5s %s\n",
			e.Timestamp, e.Seq, e.Category, e.Severity, outcome, e.Message)
	}
}

// ============================================================================
// agenttrail stats — Aggregate statistics
// ============================================================================

var statsSince string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics",
	Long: `Summarize the audit log: totals per category, severity, and source,
allow/deny split, and the events-per-hour rate over the covered span.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Shutdown()

		var start, end time.Time
		if statsSince != "" {
			d, err := time.ParseDuration(statsSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", statsSince, err)
			}
			start = time.Now().Add(-d)
		}

		stats, err := logger.GetStatistics(start, end)
		if err != nil {
			return fmt.Errorf("statistics failed: %w", err)
		}

		fmt.Printf("Total events:  %d\n", stats.Total)
		fmt.Printf("Allowed:       %d\n", stats.Allowed)
		fmt.Printf("Blocked:       %d\n", stats.Blocked)
		fmt.Printf("Events/hour:   %.1f\n", stats.EventsPerHour)
		if stats.Earliest != "" {
			fmt.Printf("Span:          %s .. %s\n", stats.Earliest, stats.Latest)
		}

		if len(stats.BySeverity) > 0 {
			fmt.Println("\nBy severity:")
			for _, s := range []audit.Severity{audit.SeverityInfo, audit.SeverityWarning, audit.SeverityBlocked, audit.SeverityCritical} {
				if n := stats.BySeverity[s]; n > 0 {
					fmt.Printf("  %-10s %d\n", s, n)
				}
			}
		}
		if len(stats.ByCategory) > 0 {
			fmt.Println("\nBy category:")
			for c, n := range stats.ByCategory {
				fmt.Printf("  %-22s %d\n", c, n)
			}
		}
		if len(stats.BySource) > 0 {
			fmt.Println("\nBy source:")
			for s, n := range stats.BySource {
				fmt.Printf("  %-22s %d\n", s, n)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsSince, "since", "", "Limit statistics to a trailing duration (e.g., 24h)")
}

// ============================================================================
// agenttrail verify — Verify hash chain integrity
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the audit log hash chain across all log files,
including rotated and archived ones. Each entry's hash covers its
canonical fields plus the previous entry's hash, so any tampering is
detectable. Reports every finding with file, line, and sequence number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Shutdown()

		report, err := logger.VerifyIntegrity()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if report.Valid {
			fmt.Printf("[agenttrail] Hash chain VALID (%d entries verified)\n", report.Entries)
			return nil
		}

		fmt.Printf("[agenttrail] Hash chain BROKEN — %d finding(s) in %d entries:\n", len(report.Errors), report.Entries)
		for _, e := range report.Errors {
			fmt.Printf("  %s\n", e.String())
		}
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

// ============================================================================
// agenttrail report — Generate an audit report
// ============================================================================

var (
	reportFormat   string
	reportSince    string
	reportTitle    string
	reportSanitize bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate an audit report",
	Long: `Generate an audit report into the reports/ directory. Supported
formats: json, csv, html, text.

Example:
  agenttrail report --format html --since 24h --sanitize`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Shutdown()

		var filters audit.SearchFilters
		if reportSince != "" {
			d, err := time.ParseDuration(reportSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", reportSince, err)
			}
			filters.Start = time.Now().Add(-d)
		}

		path, err := logger.GenerateReport(audit.ReportConfig{
			Format:      reportFormat,
			Filters:     filters,
			SanitizePII: reportSanitize,
			Title:       reportTitle,
		})
		if err != nil {
			return fmt.Errorf("report generation failed: %w", err)
		}

		fmt.Printf("[agenttrail] Report written to %s\n", path)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "text", "Report format: json, csv, html, text")
	reportCmd.Flags().StringVar(&reportSince, "since", "", "Limit report to a trailing duration (e.g., 24h)")
	reportCmd.Flags().StringVar(&reportTitle, "title", "", "Report title")
	reportCmd.Flags().BoolVar(&reportSanitize, "sanitize", false, "Redact PII-looking context values")
}

// ============================================================================
// agenttrail export — Export entries as NDJSON
// ============================================================================

var (
	exportOut   string
	exportSince string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as NDJSON",
	Long: `Export matching audit entries to a newline-delimited JSON file in
chronological order, preserving hashes so the export remains verifiable.

Example:
  agenttrail export --out audit-export.jsonl --since 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Shutdown()

		var filters audit.SearchFilters
		if exportSince != "" {
			d, err := time.ParseDuration(exportSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", exportSince, err)
			}
			filters.Start = time.Now().Add(-d)
		}

		if err := logger.ExportLogs(exportOut, filters); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		fmt.Printf("[agenttrail] Entries exported to %s\n", exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "audit-export.jsonl", "Output file path")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Limit export to a trailing duration (e.g., 24h)")
}

// ============================================================================
// agenttrail alerts — List and acknowledge alerts
// ============================================================================

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and acknowledge security alerts",
	Long: `Alerts are raised by the pattern detector when suspicious activity is
detected. Each alert records the matched pattern, the triggering entries,
and the actions taken. Acknowledge an alert once it has been reviewed.`,
}

var (
	alertsUnacked bool
	alertsLimit   int
)

func init() {
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := detect.NewAlertStore(filepath.Join(dataDir, "alerts"))
		if err != nil {
			return fmt.Errorf("failed to open alert store: %w", err)
		}

		f := detect.AlertFilters{Limit: alertsLimit}
		if alertsUnacked {
			acked := false
			f.Acknowledged = &acked
		}

		alerts, err := store.List(f)
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}

		if len(alerts) == 0 {
			fmt.Println("No alerts.")
			return nil
		}

		for _, a := range alerts {
			ack := " "
			if a.Acknowledged {
				ack = "✓"
			}
			fmt.Printf("[%s] %s %-10s %-30s %s\n  id=%s\n", a.Timestamp, ack, a.Severity, a.PatternName, a.Message, a.ID)
		}
		return nil
	},
}

func init() {
	alertsListCmd.Flags().BoolVar(&alertsUnacked, "unacked", false, "Show only unacknowledged alerts")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Maximum number of alerts to show")
}

var alertsAckNote string

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := detect.NewAlertStore(filepath.Join(dataDir, "alerts"))
		if err != nil {
			return fmt.Errorf("failed to open alert store: %w", err)
		}

		user := os.Getenv("USER")
		if user == "" {
			user = "cli"
		}

		alert, err := store.Acknowledge(args[0], alertsAckNote, user)
		if err != nil {
			return fmt.Errorf("failed to acknowledge alert: %w", err)
		}

		fmt.Printf("[agenttrail] Acknowledged alert %s (%s)\n", alert.ID, alert.PatternName)
		return nil
	},
}

func init() {
	alertsAckCmd.Flags().StringVar(&alertsAckNote, "note", "", "Acknowledgement note")
}

// ============================================================================
// agenttrail patterns — Manage detection patterns
// ============================================================================

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage detection patterns",
	Long: `View, add, remove, enable, and disable suspicious-activity detection
patterns. Patterns live in ~/.agenttrail/patterns.yaml; a running engine
picks up changes immediately via file watching.

Two pattern types are evaluated:
  threshold — at least N matching entries within a trailing time window
  sequence  — ordered categories with a bounded gap between matches`,
}

func init() {
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsRemoveCmd)
	patternsCmd.AddCommand(patternsEnableCmd)
	patternsCmd.AddCommand(patternsDisableCmd)
}

// openDetector loads the pattern set for CLI management. Alerts and
// dispatch are not needed for file edits, so those collaborators stay nil
// by way of a detector that only reads and writes patterns.yaml.
func openDetector() (*detect.Detector, error) {
	d, err := detect.New(detect.Config{
		PatternsPath: filepath.Join(dataDir, "patterns.yaml"),
	}, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return d, nil
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all detection patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		detector, err := openDetector()
		if err != nil {
			return err
		}

		patterns := detector.Patterns()
		if len(patterns) == 0 {
			fmt.Println("No patterns configured.")
			return nil
		}

		fmt.Printf("%-30s %-10s %-10s %-8s %s\n", "ID", "TYPE", "SEVERITY", "ENABLED", "NAME")
		fmt.Printf("%-30s %-10s %-10s %-8s %s\n", "--", "----", "--------", "-------", "----")
		for _, p := range patterns {
			fmt.Printf("%-30s %-10s %-10s %-8t %s\n", p.ID, p.Type, p.Severity, p.Enabled, p.Name)
		}
		return nil
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add <yaml>",
	Short: "Add a detection pattern (YAML format)",
	Long: `Add a new detection pattern. Provide the pattern as a YAML string.

Example:
  agenttrail patterns add 'id: curl-storm
    name: Repeated curl commands
    type: threshold
    severity: warning
    enabled: true
    cooldown_seconds: 300
    threshold:
      window_seconds: 60
      count: 5
      category: command_execution
      action: "curl*"
    actions:
      - type: log'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detector, err := openDetector()
		if err != nil {
			return err
		}

		var p detect.Pattern
		if err := yaml.Unmarshal([]byte(args[0]), &p); err != nil {
			return fmt.Errorf("invalid pattern YAML: %w", err)
		}

		if err := detector.AddPattern(p); err != nil {
			return fmt.Errorf("failed to add pattern: %w", err)
		}

		fmt.Printf("[agenttrail] Pattern %q added\n", p.ID)
		return nil
	},
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a detection pattern by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detector, err := openDetector()
		if err != nil {
			return err
		}

		if err := detector.RemovePattern(args[0]); err != nil {
			return fmt.Errorf("failed to remove pattern: %w", err)
		}

		fmt.Printf("[agenttrail] Pattern %q removed\n", args[0])
		return nil
	},
}

var patternsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a detection pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPatternEnabled(args[0], true)
	},
}

var patternsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a detection pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPatternEnabled(args[0], false)
	},
}

func setPatternEnabled(id string, enabled bool) error {
	detector, err := openDetector()
	if err != nil {
		return err
	}

	if err := detector.SetPatternEnabled(id, enabled); err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("[agenttrail] Pattern %q %s\n", id, state)
	return nil
}

// ============================================================================
// agenttrail config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit engine configuration",
	Long: `Manage the AgentTrail configuration. The config file lives at
~/.agenttrail/config.yaml and defines severity thresholds, buffering,
rotation, retention, detection windows, and the dashboard address.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEditCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'agenttrail config init' to generate a default config.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configInitCmd writes a default config.yaml and patterns.yaml.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default config.yaml and patterns.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config already exists at %s\n", configPath)
		} else {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("[agenttrail] Wrote default config to %s\n", configPath)
		}

		patternsPath := filepath.Join(dataDir, "patterns.yaml")
		if _, err := os.Stat(patternsPath); err == nil {
			fmt.Printf("Patterns already exist at %s\n", patternsPath)
		} else {
			if err := detect.WriteDefaultPatterns(patternsPath); err != nil {
				return fmt.Errorf("failed to write default patterns: %w", err)
			}
			fmt.Printf("[agenttrail] Wrote default patterns to %s\n", patternsPath)
		}

		fmt.Println()
		fmt.Println("Next: 'agenttrail start' to start the engine.")
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the AgentTrail config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH; os.StartProcess
		// would require an absolute binary path.
		fmt.Printf("[agenttrail] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}
