// Package audit checks a VoiceClaw configuration for settings that weaken
// the approval workflow or expose secrets.
package audit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/config"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
)

// Severity levels for findings.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Check inspects a configuration and returns a finding, or nil when the
// configuration passes.
type Check func(*config.Config) *Finding

// Checks run by Run, in order.
var Checks = []Check{
	checkNoAdmins,
	checkNoApprovalChat,
	checkPlaintextKeys,
	checkConfigPermissions,
	checkDatabasePermissions,
	checkApprovalTimeout,
	checkLoweredTiers,
}

// Finding is one reported problem.
type Finding struct {
	CheckID     string `json:"check_id"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	Remediation string `json:"remediation"`
}

// Report is the outcome of Run.
type Report struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalChecks   int       `json:"total_checks"`
	CriticalCount int       `json:"critical_count"`
	WarningCount  int       `json:"warning_count"`
	InfoCount     int       `json:"info_count"`
	Findings      []Finding `json:"findings"`
}

// Summary returns a one-line summary.
func (r *Report) Summary() string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("Audit passed: %d checks, no findings.", r.TotalChecks)
	}
	return fmt.Sprintf("Audit: %d checks, %d critical, %d warnings, %d info.",
		r.TotalChecks, r.CriticalCount, r.WarningCount, r.InfoCount)
}

// Run executes every check against cfg.
func Run(cfg *config.Config) *Report {
	report := &Report{Timestamp: time.Now(), TotalChecks: len(Checks)}
	for _, check := range Checks {
		f := check(cfg)
		if f == nil {
			continue
		}
		report.Findings = append(report.Findings, *f)
		switch f.Severity {
		case SeverityCritical:
			report.CriticalCount++
		case SeverityWarning:
			report.WarningCount++
		case SeverityInfo:
			report.InfoCount++
		}
	}
	return report
}

func checkNoAdmins(cfg *config.Config) *Finding {
	if len(cfg.Approval.Admins) > 0 {
		return nil
	}
	return &Finding{
		CheckID:     "approval.no_admins",
		Severity:    SeverityCritical,
		Title:       "No approvers configured",
		Detail:      "approval.admins is empty, so nobody can approve risky tool calls and every request expires.",
		Remediation: "List the approver identities in approval.admins or set ADMIN_IDS.",
	}
}

func checkNoApprovalChat(cfg *config.Config) *Finding {
	if cfg.Approval.ChatID != "" {
		return nil
	}
	return &Finding{
		CheckID:     "approval.no_chat",
		Severity:    SeverityWarning,
		Title:       "No approval chat configured",
		Detail:      "Approval prompts are posted in the chat of the user who triggered them.",
		Remediation: "Set approval.chat_id (or ADMIN_GROUP_ID) to a chat only approvers can read.",
	}
}

// checkPlaintextKeys reads the file itself so that ${VAR} references and
// keyring lookups do not mask values written in clear text.
func checkPlaintextKeys(cfg *config.Config) *Finding {
	if cfg.Path == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil
	}
	var raw config.Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var exposed []string
	for name, v := range raw.Secrets() {
		if v != "" && !config.IsEnvReference(v) && looksLikeAPIKey(v) {
			exposed = append(exposed, name)
		}
	}
	if len(exposed) == 0 {
		return nil
	}
	sort.Strings(exposed)
	return &Finding{
		CheckID:     "config.plaintext_keys",
		Severity:    SeverityCritical,
		Title:       "Secrets stored in plaintext",
		Detail:      fmt.Sprintf("%s contains clear-text values for: %s.", cfg.Path, strings.Join(exposed, ", ")),
		Remediation: "Move them to the keyring with 'voiceclaw secret set <name>' and remove them from the file.",
	}
}

func checkConfigPermissions(cfg *config.Config) *Finding {
	return worldReadable(cfg.Path, "fs.config_permissions", "Config file", "chmod 600 %s")
}

func checkDatabasePermissions(cfg *config.Config) *Finding {
	if cfg.Database.Backend != database.BackendSQLite && cfg.Database.Backend != "" {
		return nil
	}
	return worldReadable(cfg.Database.SQLite.Path, "fs.database_permissions", "Database file", "chmod 600 %s")
}

func worldReadable(path, id, what, fix string) *Finding {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	perm := info.Mode().Perm()
	if perm&0o004 == 0 {
		return nil
	}
	return &Finding{
		CheckID:     id,
		Severity:    SeverityWarning,
		Title:       what + " is world-readable",
		Detail:      fmt.Sprintf("%s has permissions %04o.", path, perm),
		Remediation: fmt.Sprintf(fix, path),
	}
}

func checkApprovalTimeout(cfg *config.Config) *Finding {
	if cfg.Approval.Timeout >= cfg.Approval.PollInterval {
		return nil
	}
	return &Finding{
		CheckID:  "approval.timeout_below_poll",
		Severity: SeverityWarning,
		Title:    "Approval timeout shorter than the poll interval",
		Detail: fmt.Sprintf("Requests expire after %s but decisions are only checked every %s.",
			cfg.Approval.Timeout, cfg.Approval.PollInterval),
		Remediation: "Raise approval.timeout or lower approval.poll_interval.",
	}
}

// riskyTools are built-ins that must never run without approval.
var riskyTools = []string{"run_command", "web_search", "update_persona"}

func checkLoweredTiers(cfg *config.Config) *Finding {
	var lowered []string
	for _, name := range riskyTools {
		raw, ok := cfg.Risk.ToolTiers[name]
		if !ok {
			continue
		}
		if tier, err := risk.ParseTier(raw); err == nil && tier == risk.Safe {
			lowered = append(lowered, name)
		}
	}
	if len(lowered) == 0 {
		return nil
	}
	return &Finding{
		CheckID:     "risk.lowered_tiers",
		Severity:    SeverityCritical,
		Title:       "Risky tools run without approval",
		Detail:      fmt.Sprintf("risk.tool_tiers marks %s as safe.", strings.Join(lowered, ", ")),
		Remediation: "Remove the overrides or set them to risky.",
	}
}

// looksLikeAPIKey matches known key prefixes and long mixed-case tokens.
func looksLikeAPIKey(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "test_") || strings.HasPrefix(lower, "sk_test") || lower == "changeme" {
		return false
	}
	if len(s) >= 15 {
		for _, prefix := range []string{"sk-", "sk-proj-", "gsk_", "AIzaSy", "BSA", "xoxb-"} {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
		// Telegram bot tokens: <digits>:<35 chars>.
		if id, rest, ok := strings.Cut(s, ":"); ok && len(rest) >= 30 && isDigits(id) {
			return true
		}
	}
	if len(s) < 24 {
		return false
	}
	var upper, lowerC, digit bool
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lowerC = true
		case c >= '0' && c <= '9':
			digit = true
		}
	}
	return upper && lowerC && digit
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
