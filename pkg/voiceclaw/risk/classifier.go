package risk

import (
	"fmt"
	"regexp"
	"strings"
)

// Tool names with built-in tier rules.
const (
	ToolRunCommand    = "run_command"
	ToolGetTime       = "get_time"
	ToolWebSearch     = "web_search"
	ToolUpdatePersona = "update_persona"
)

// commandTools maps tools whose arguments carry a shell command to the
// argument key holding it.
var commandTools = map[string]string{
	ToolRunCommand: "command",
}

// defaultToolTiers are the tiers of non-command tools. Tools missing from
// this map (and from the policy overrides) are Risky.
var defaultToolTiers = map[string]Tier{
	ToolGetTime:       Safe,
	ToolWebSearch:     Risky, // network egress
	ToolUpdatePersona: Risky, // rewrites persona files
}

// defaultSafeCommands are read-only programs that may run without approval
// when nothing else in the command line raises the tier.
var defaultSafeCommands = []string{
	"date", "whoami", "hostname", "uptime", "uname", "echo", "cat", "ls",
	"pwd", "df", "free", "wc", "head", "tail", "which", "env", "printenv",
}

// defaultBlockedPatterns match irreversible, catastrophic commands.
var defaultBlockedPatterns = []string{
	`\brm\s+(-[a-zA-Z-]+\s+)*(/|/\*)(\s|;|&|\||$)`, // rm -rf /, rm -rf /*
	`\brm\s+.*--no-preserve-root`,
	`\bmkfs(\.[a-z0-9]+)?\b`,
	`\bdd\s+.*of=/dev/`,
	`\bdd\s+if=/dev/(zero|random|urandom)`,
	`>\s*/dev/(sd|nvme|hd|vd|xvd)`,
	`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/(\s|$)`,
	`\bchown\s+-R\s+\S+\s+/(\s|$)`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, // fork bomb
	`(^|[;&|(]|\bsudo)\s*(shutdown|reboot|poweroff|halt)\b`,
	`(^|[;&|(]|\bsudo)\s*init\s+[06]\b`,
	`\bwipefs\b`,
	`(?i)\bdrop\s+database\b`,
}

// Policy carries operator-provided extensions to the built-in rules.
type Policy struct {
	// SafeCommands are added to the read-only command allow list.
	SafeCommands []string `yaml:"safe_commands"`

	// BlockedPatterns are extra regular expressions that block a command.
	BlockedPatterns []string `yaml:"blocked_patterns"`

	// ToolTiers overrides tool-level tiers ("safe", "risky", "blocked").
	// For command tools an override can only raise the analysed tier.
	ToolTiers map[string]string `yaml:"tool_tiers"`
}

// Assessment is a tier together with the rule that produced it.
type Assessment struct {
	Tier   Tier
	Reason string
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	blocked   []*regexp.Regexp
	safe      map[string]bool
	toolTiers map[string]Tier
}

// NewClassifier compiles the built-in rules extended by the policy.
func NewClassifier(p Policy) (*Classifier, error) {
	c := &Classifier{
		safe:      make(map[string]bool, len(defaultSafeCommands)+len(p.SafeCommands)),
		toolTiers: make(map[string]Tier, len(defaultToolTiers)+len(p.ToolTiers)),
	}

	for _, pat := range append(append([]string(nil), defaultBlockedPatterns...), p.BlockedPatterns...) {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", pat, err)
		}
		c.blocked = append(c.blocked, re)
	}

	for _, name := range defaultSafeCommands {
		c.safe[name] = true
	}
	for _, name := range p.SafeCommands {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t/") {
			return nil, fmt.Errorf("safe command %q must be a bare program name", name)
		}
		c.safe[name] = true
	}

	for name, tier := range defaultToolTiers {
		c.toolTiers[name] = tier
	}
	for name, label := range p.ToolTiers {
		tier, err := ParseTier(label)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		c.toolTiers[name] = tier
	}

	return c, nil
}

// Classify returns the tier of a tool invocation.
func (c *Classifier) Classify(toolName string, args map[string]any) Tier {
	return c.Assess(toolName, args).Tier
}

// Assess returns the tier of a tool invocation and the reason for it.
func (c *Classifier) Assess(toolName string, args map[string]any) Assessment {
	if key, ok := commandTools[toolName]; ok {
		raw, present := args[key]
		cmd, isString := raw.(string)
		if !present || !isString {
			return Assessment{Tier: Risky, Reason: fmt.Sprintf("missing or non-string %q argument", key)}
		}
		a := c.assessCommand(cmd)
		if override, ok := c.toolTiers[toolName]; ok && override > a.Tier {
			return Assessment{Tier: override, Reason: "tool tier override"}
		}
		return a
	}

	if tier, ok := c.toolTiers[toolName]; ok {
		return Assessment{Tier: tier, Reason: "tool policy"}
	}
	return Assessment{Tier: Risky, Reason: "unknown tool"}
}

// IsCommandTool reports whether the tool runs shell commands.
func IsCommandTool(toolName string) bool {
	_, ok := commandTools[toolName]
	return ok
}
