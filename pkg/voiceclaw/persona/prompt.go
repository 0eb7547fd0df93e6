package persona

import "strings"

const responseGuidelines = `- If the user sent a voice message, it has been transcribed for you. Respond naturally.
- Keep responses concise; they may be spoken aloud.
- Use the available tools when they help. Risky actions wait for admin approval and may be denied.`

// BuildSystemPrompt renders the system prompt. Empty sections are left out.
func BuildSystemPrompt(p *Persona, userProfile, toolsDescription string) string {
	if p == nil {
		p = &Persona{}
	}

	var b strings.Builder
	b.Grow(2048)
	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	section("Core Philosophy", p.Soul)
	section("Personality", p.Identity)
	section("Security Rules", p.Security)
	section("About the User", userProfile)
	section("Available Tools", toolsDescription)
	section("Response Guidelines", responseGuidelines)
	return strings.TrimRight(b.String(), "\n")
}
