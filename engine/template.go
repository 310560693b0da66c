package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResolveTemplate substitutes {variable} placeholders in a prompt template
// with values from the execution context.
//
// Substitution rules:
//   - string values are inserted verbatim
//   - numbers and booleans are formatted with their JSON representation
//   - structured values are inserted as compact JSON
//   - unknown variables are left untouched, so prompts that legitimately
//     contain braces survive resolution
func ResolveTemplate(template string, context map[string]any) string {
	if !strings.ContainsRune(template, '{') {
		return template
	}
	var out strings.Builder
	out.Grow(len(template))
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			return out.String()
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			out.WriteString(rest)
			return out.String()
		}
		closing += open
		name := rest[open+1 : closing]
		out.WriteString(rest[:open])
		if value, ok := lookupTemplateVar(context, name); ok {
			out.WriteString(value)
		} else {
			out.WriteString(rest[open : closing+1])
		}
		rest = rest[closing+1:]
	}
}

// lookupTemplateVar renders a context value for prompt insertion.
func lookupTemplateVar(context map[string]any, name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, " \t\n{") {
		return "", false
	}
	raw, ok := context[name]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case nil:
		return "", true
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
