package audit

import "fmt"

// Domain convenience wrappers. Each is a pure mapping from policy-layer
// parameters onto Log's category/severity/context — none of them touch
// the chain or storage directly, so there is exactly one chaining and
// locking discipline.

// decisionSeverity maps an allow/deny outcome onto the default severity.
func decisionSeverity(allowed bool) Severity {
	if allowed {
		return SeverityInfo
	}
	return SeverityBlocked
}

// LogCommandExecution records an approval decision for a shell command.
func (l *Logger) LogCommandExecution(command, source, sessionID string, allowed bool, reason string) Entry {
	return l.Log(CategoryCommandExecution, decisionSeverity(allowed),
		fmt.Sprintf("command execution %s", outcome(allowed)), Details{
			Action:    "execute_command",
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"command": command},
		})
}

// LogFileAccess records a file read/write/delete authorization decision.
func (l *Logger) LogFileAccess(path, mode, source, sessionID string, allowed bool, reason string) Entry {
	return l.Log(CategoryFileAccess, decisionSeverity(allowed),
		fmt.Sprintf("file %s %s", mode, outcome(allowed)), Details{
			Action:    "file_" + mode,
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"path": path, "mode": mode},
		})
}

// LogAPICall records an outbound API call decision.
func (l *Logger) LogAPICall(endpoint, method, source, sessionID string, allowed bool, durationMs int64) Entry {
	return l.Log(CategoryAPICall, decisionSeverity(allowed),
		fmt.Sprintf("api call %s", outcome(allowed)), Details{
			Action:    "api_call",
			Allowed:   allowed,
			Source:    source,
			SessionID: sessionID,
			Duration:  durationMs,
			Context:   map[string]any{"endpoint": endpoint, "method": method},
		})
}

// LogToolExecution records a tool invocation decision.
func (l *Logger) LogToolExecution(tool, source, sessionID string, allowed bool, reason string, durationMs int64) Entry {
	return l.Log(CategoryToolExecution, decisionSeverity(allowed),
		fmt.Sprintf("tool %s %s", tool, outcome(allowed)), Details{
			Action:    "execute_tool",
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Duration:  durationMs,
			Context:   map[string]any{"tool": tool},
		})
}

// LogPromptInjection records a detected prompt-injection attempt.
// Always blocked and at least warning severity.
func (l *Logger) LogPromptInjection(pattern, snippet, source, sessionID string) Entry {
	return l.Log(CategoryPromptInjection, SeverityCritical,
		"prompt injection detected", Details{
			Action:    "prompt_injection_detected",
			Allowed:   false,
			Reason:    "matched injection pattern " + pattern,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"pattern": pattern, "snippet": snippet},
		})
}

// LogInputValidation records an input validation outcome.
func (l *Logger) LogInputValidation(field, source, sessionID string, allowed bool, reason string) Entry {
	sev := SeverityInfo
	if !allowed {
		sev = SeverityWarning
	}
	return l.Log(CategoryInputValidation, sev,
		fmt.Sprintf("input validation %s", outcome(allowed)), Details{
			Action:    "validate_input",
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"field": field},
		})
}

// LogRateLimit records a rate-limit decision for a source.
func (l *Logger) LogRateLimit(limit int, source, sessionID string, allowed bool) Entry {
	sev := SeverityInfo
	reason := ""
	if !allowed {
		sev = SeverityWarning
		reason = "rate limit exceeded"
	}
	return l.Log(CategoryRateLimit, sev,
		fmt.Sprintf("rate limit %s", outcome(allowed)), Details{
			Action:    "rate_limit_check",
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"limit": limit},
		})
}

// LogConstitutionalCheck records a constitutional-rule evaluation.
func (l *Logger) LogConstitutionalCheck(rule, source, sessionID string, allowed bool, reason string) Entry {
	return l.Log(CategoryConstitutionalCheck, decisionSeverity(allowed),
		fmt.Sprintf("constitutional check %s", outcome(allowed)), Details{
			Action:    "constitutional_check",
			Allowed:   allowed,
			Reason:    reason,
			Source:    source,
			SessionID: sessionID,
			Context:   map[string]any{"rule": rule},
		})
}

// LogSandboxExecution records a sandboxed execution result.
func (l *Logger) LogSandboxExecution(command, source, sessionID string, allowed bool, exitCode int, durationMs int64) Entry {
	return l.Log(CategorySandboxExecution, decisionSeverity(allowed),
		fmt.Sprintf("sandbox execution %s", outcome(allowed)), Details{
			Action:    "sandbox_execute",
			Allowed:   allowed,
			Source:    source,
			SessionID: sessionID,
			Duration:  durationMs,
			Context:   map[string]any{"command": command, "exit_code": exitCode},
		})
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
