package risk

import (
	"errors"
	"path"
	"strconv"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// commandLine is the shell-level structure of a command string.
type commandLine struct {
	segments []string

	// hazard is set when an operator outside quotes can write, execute or
	// detach something regardless of the programs involved.
	hazard string
}

// assessCommand classifies a shell command line.
func (c *Classifier) assessCommand(command string) Assessment {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Assessment{Tier: Risky, Reason: "empty command"}
	}

	collapsed := strings.Join(strings.Fields(cmd), " ")
	for _, re := range c.blocked {
		if re.MatchString(cmd) || re.MatchString(collapsed) {
			return Assessment{Tier: Blocked, Reason: "matches blocked pattern " + re.String()}
		}
	}

	line, err := parseCommandLine(cmd)
	if err != nil {
		return Assessment{Tier: Risky, Reason: "unparsable command: " + err.Error()}
	}

	// Quoting and path spelling must not hide a blocked command.
	words := make([][]string, len(line.segments))
	for i, seg := range line.segments {
		words[i] = shellWords(seg)
		canonical := canonicalSegment(words[i])
		for _, re := range c.blocked {
			if re.MatchString(canonical) {
				return Assessment{Tier: Blocked, Reason: "matches blocked pattern " + re.String()}
			}
		}
	}

	if line.hazard != "" {
		return Assessment{Tier: Risky, Reason: line.hazard}
	}
	for i, seg := range line.segments {
		if reason := c.segmentRisk(seg, words[i]); reason != "" {
			return Assessment{Tier: Risky, Reason: reason}
		}
	}
	return Assessment{Tier: Safe, Reason: "read-only command"}
}

// canonicalSegment joins unquoted words with absolute paths cleaned, so
// "/", "//", "/." and "/tmp/.." all read as "/". A word holding spaces or
// operators stays quoted since it is one argument, not a command.
func canonicalSegment(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		switch {
		case strings.ContainsAny(w, " \t\n;&|()"):
			out[i] = strconv.Quote(w)
		case strings.HasPrefix(w, "/"):
			out[i] = path.Clean(w)
		case strings.Contains(w, "=/"):
			k, v, _ := strings.Cut(w, "=")
			if strings.HasPrefix(v, "/") {
				v = path.Clean(v)
			}
			out[i] = k + "=" + v
		default:
			out[i] = w
		}
	}
	return strings.Join(out, " ")
}

// shellWords splits a segment into words the way the shell would, removing
// quotes and backslash escapes. The segment's quoting is already balanced.
func shellWords(seg string) []string {
	var (
		words []string
		cur   strings.Builder
		inW   bool
		quote byte
	)
	for i := 0; i < len(seg); i++ {
		ch := seg[i]
		switch {
		case quote == '\'':
			if ch == '\'' {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case quote == '"':
			switch {
			case ch == '"':
				quote = 0
			case ch == '\\' && i+1 < len(seg) && strings.IndexByte("\"\\$`", seg[i+1]) >= 0:
				i++
				cur.WriteByte(seg[i])
			default:
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inW = true
		case ch == '\\' && i+1 < len(seg):
			i++
			cur.WriteByte(seg[i])
			inW = true
		case ch == ' ' || ch == '\t':
			if inW {
				words = append(words, cur.String())
				cur.Reset()
				inW = false
			}
		default:
			cur.WriteByte(ch)
			inW = true
		}
	}
	if inW {
		words = append(words, cur.String())
	}
	return words
}

// segmentRisk returns a non-empty reason when a single simple command is not
// on the read-only allow list or its arguments make it change state.
func (c *Classifier) segmentRisk(seg string, words []string) string {
	fields := strings.Fields(seg)
	if len(fields) == 0 {
		return "empty pipeline segment"
	}

	prog := fields[0]
	switch {
	case strings.Contains(prog, "="):
		return "environment assignment before " + strings.Join(fields[1:], " ")
	case strings.ContainsAny(prog, `'"\`):
		return "quoted program name"
	case strings.Contains(prog, "/"):
		return "program given by path: " + prog
	case prog == "sudo" || prog == "su" || prog == "doas":
		return "privilege escalation"
	case !c.safe[prog]:
		return "program not on the read-only list: " + prog
	}

	if rule, ok := argumentRules[prog]; ok && len(words) > 0 {
		return rule(words[1:])
	}
	return ""
}

// argumentRules catch allow-listed programs whose arguments make them
// change state or launch something else.
var argumentRules = map[string]func(args []string) string{
	// env with arguments runs another program.
	"env": func(args []string) string {
		if len(args) > 0 {
			return "env used to launch a program"
		}
		return ""
	},

	// hostname NAME, -F FILE and -b set the host name.
	"hostname": func(args []string) string {
		for _, a := range args {
			switch {
			case a == "-F" || a == "-b" || strings.HasPrefix(a, "--file") || a == "--boot":
				return "hostname used to set the host name"
			case !strings.HasPrefix(a, "-"):
				return "hostname used to set the host name"
			case !strings.HasPrefix(a, "--") && strings.ContainsAny(a[1:], "Fb"):
				return "hostname used to set the host name"
			}
		}
		return ""
	},

	// date -s, --set and a MMDDhhmm operand set the clock; +FORMAT and the
	// values of -d, -f and -r only read it.
	"date": func(args []string) string {
		for i := 0; i < len(args); i++ {
			a := args[i]
			switch {
			case a == "--set" || strings.HasPrefix(a, "--set="):
				return "date used to set the clock"
			case a == "-d" || a == "-f" || a == "-r" || a == "--date" || a == "--file" || a == "--reference":
				i++
			case strings.HasPrefix(a, "--"):
			case strings.HasPrefix(a, "-") && len(a) > 1:
				if strings.ContainsRune(shortFlags(a), 's') {
					return "date used to set the clock"
				}
			case strings.HasPrefix(a, "+"):
			default:
				return "date used to set the clock"
			}
		}
		return ""
	},
}

// shortFlags returns the flag letters of a short option cluster up to the
// first one that takes a value, so "-ud tomorrow" yields "ud" and
// "-dsunday" yields "d".
func shortFlags(a string) string {
	for i := 1; i < len(a); i++ {
		if strings.IndexByte("dfrI", a[i]) >= 0 {
			return a[1 : i+1]
		}
	}
	return a[1:]
}

// parseCommandLine splits a command on &&, ||, ;, | and newlines while
// respecting quotes, and records the first operator hazard it sees.
func parseCommandLine(cmd string) (commandLine, error) {
	var (
		line    commandLine
		current strings.Builder
		quote   byte
	)

	flag := func(reason string) {
		if line.hazard == "" {
			line.hazard = reason
		}
	}
	cut := func() {
		line.segments = append(line.segments, current.String())
		current.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]

		if quote == '\'' {
			current.WriteByte(ch)
			if ch == '\'' {
				quote = 0
			}
			continue
		}

		if ch == '\\' && i+1 < len(cmd) {
			current.WriteByte(ch)
			current.WriteByte(cmd[i+1])
			i++
			continue
		}

		// Substitution expands inside double quotes too.
		if ch == '`' || (ch == '$' && i+1 < len(cmd) && cmd[i+1] == '(') {
			flag("command substitution")
		}

		if quote == '"' {
			current.WriteByte(ch)
			if ch == '"' {
				quote = 0
			}
			continue
		}

		switch ch {
		case '\'', '"':
			quote = ch
			current.WriteByte(ch)
		case '>':
			flag("output redirection")
			current.WriteByte(ch)
		case '<':
			if i+1 < len(cmd) && (cmd[i+1] == '<' || cmd[i+1] == '(') {
				flag("here-document or process substitution")
			}
			current.WriteByte(ch)
		case ';', '\n':
			cut()
		case '&':
			if i+1 < len(cmd) && cmd[i+1] == '&' {
				cut()
				i++
				continue
			}
			flag("background execution")
			current.WriteByte(ch)
		case '|':
			if i+1 < len(cmd) && cmd[i+1] == '|' {
				i++
			}
			cut()
		default:
			current.WriteByte(ch)
		}
	}

	if quote != 0 {
		return commandLine{}, errUnterminatedQuote
	}
	cut()

	// Drop empty trailing segments such as the one after "ls;".
	segs := line.segments[:0]
	for _, s := range line.segments {
		if strings.TrimSpace(s) != "" {
			segs = append(segs, s)
		}
	}
	line.segments = segs
	if len(line.segments) == 0 {
		flag("no command")
	}
	return line, nil
}
