package knowledge

import (
	"fmt"
	"strings"

	"github.com/parley-voice/parley/pkg/memory"
)

// FormatPersonaContext renders recalled facts into a prompt fragment that is
// appended to the session persona before connecting, so the model opens the
// conversation already knowing what past calls established.
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use. An empty result slice yields persona unchanged.
func FormatPersonaContext(persona string, results []memory.FactResult) string {
	persona = strings.TrimSpace(persona)
	if len(results) == 0 {
		return persona
	}

	var sb strings.Builder
	sb.WriteString(persona)
	if persona != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("Things you remember from previous conversations:\n")
	for _, r := range results {
		content := strings.TrimSpace(r.Fact.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", content)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
