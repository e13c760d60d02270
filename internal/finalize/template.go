package finalize

import (
	"encoding/json"
	"fmt"
	"strings"
)

const templateValueLimit = 400

// Template renders results without synthesis. It always returns text.
func Template(results []ToolOutput) string {
	if len(results) == 0 {
		return "Done. There was nothing to report."
	}
	var b strings.Builder
	b.WriteString("Here is what I did:")
	for _, r := range results {
		name := r.Operation
		if r.Goal != "" {
			name = r.Goal
		}
		if r.Success {
			fmt.Fprintf(&b, "\n- %s: %s", name, render(r.Result))
		} else {
			fmt.Fprintf(&b, "\n- %s failed: %s", name, orDefault(r.Error, "unknown error"))
		}
	}
	return b.String()
}

func render(v any) string {
	if isEmpty(v) {
		return "no output"
	}
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(data)
		}
	}
	if r := []rune(s); len(r) > templateValueLimit {
		s = string(r[:templateValueLimit]) + "..."
	}
	return s
}
