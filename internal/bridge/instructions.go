package bridge

import "strings"

// BuildInstructions renders the system instruction for the AI session:
// "You are {persona}. {scenario}. {custom description}". Empty parts are
// dropped and a part that already ends in punctuation gets no extra period.
func BuildInstructions(persona, scenario, description string) string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(persona); p != "" {
		parts = append(parts, sentence("You are "+p))
	}
	if s := strings.TrimSpace(scenario); s != "" {
		parts = append(parts, sentence(s))
	}
	if d := strings.TrimSpace(description); d != "" {
		parts = append(parts, sentence(d))
	}
	return strings.Join(parts, " ")
}

func sentence(s string) string {
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	default:
		return s + "."
	}
}
