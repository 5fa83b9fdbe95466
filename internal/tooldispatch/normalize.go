package tooldispatch

import (
	"fmt"
	"sort"
	"strings"
)

// renderPayload flattens a backend response's data (and message) into a
// text payload: lists join with newlines, maps stringify key: value per
// line, per §4.2's "Response normalization".
func renderPayload(resp backendResponse) string {
	var b strings.Builder
	if resp.Message != "" {
		b.WriteString(resp.Message)
		b.WriteString("\n")
	}
	b.WriteString(renderValue(resp.Data))
	return strings.TrimSpace(b.String())
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		lines := make([]string, 0, len(val))
		for _, item := range val {
			lines = append(lines, renderValue(item))
		}
		return strings.Join(lines, "\n")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %s", k, renderValue(val[k])))
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truncate caps text at maxLen runes, appending a "truncated from N"
// suffix when it does, per §4.2 (8,000 for streaming contexts, 32,000
// for batch, bound by the caller).
func truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + fmt.Sprintf("\n... (truncated from %d characters)", len(runes))
}
