package approval

import (
	"fmt"
	"strings"
	"time"
)

// sanitizeForMarkdown prevents backtick injection in chat markdown by
// inserting a zero-width space after each backtick.
func sanitizeForMarkdown(s string) string {
	return strings.ReplaceAll(s, "`", "`\u200b")
}

// Describe builds a short human-readable description of a tool action.
func Describe(toolName string, args map[string]any) string {
	switch toolName {
	case "run_command":
		if cmd, ok := args["command"].(string); ok && cmd != "" {
			return "run: " + sanitizeForMarkdown(truncate(cmd, 200))
		}
		return "run_command (no command)"

	case "web_search":
		if q, ok := args["query"].(string); ok && q != "" {
			return "search the web for: " + sanitizeForMarkdown(truncate(q, 120))
		}
		return "web_search"

	case "update_persona":
		if name, ok := args["file_name"].(string); ok && name != "" {
			content, _ := args["new_content"].(string)
			return fmt.Sprintf("rewrite %s.md (%d chars)", strings.ToUpper(name), len(content))
		}
		return "update_persona"

	default:
		return toolName + " " + truncate(argsJSON(args), 120)
	}
}

// AdminMessage is the text sent to approvers for a pending request.
func AdminMessage(r Request) string {
	var b strings.Builder
	b.WriteString("⚠️ Approval required\n\n")
	fmt.Fprintf(&b, "Tool: %s\n", r.ToolName)
	fmt.Fprintf(&b, "Action: %s\n", r.Summary)
	if r.Requester != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", r.Requester)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "Why: %s\n", r.Reason)
	}
	fmt.Fprintf(&b, "Expires: %s\n", r.DeadlineAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "ID: %s", r.ID)
	return b.String()
}

// ResolutionMessage summarises a terminal request for approvers.
func ResolutionMessage(r Request) string {
	switch r.Status {
	case StatusApproved:
		return fmt.Sprintf("✅ Approved by %s: %s", r.Resolver, r.Summary)
	case StatusDenied:
		return fmt.Sprintf("❌ Denied by %s: %s", r.Resolver, r.Summary)
	case StatusExpired:
		return fmt.Sprintf("⌛ Expired: %s", r.Summary)
	case StatusCancelled:
		return fmt.Sprintf("🚫 Cancelled: %s", r.Summary)
	default:
		return fmt.Sprintf("⏳ Pending: %s", r.Summary)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
