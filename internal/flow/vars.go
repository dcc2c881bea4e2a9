package flow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// interpolate replaces {{name}} placeholders with session variables.
// "event.text" resolves to the triggering event's text and "group.<name>"
// resolves against the loaded group session's shared variables. Unresolved
// placeholders are left intact so misconfiguration stays visible.
func interpolate(text string, ec *ExecContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRegex.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if v, ok := lookupVariable(name, ec); ok {
			return stringify(v)
		}
		return match
	})
}

func lookupVariable(name string, ec *ExecContext) (any, bool) {
	switch {
	case name == "event.text":
		if ec.Event != nil {
			return ec.Event.Text, true
		}
		return nil, false
	case name == "user.id":
		return ec.Session.UserID, true
	case strings.HasPrefix(name, "group."):
		if ec.Group == nil {
			return nil, false
		}
		v, ok := ec.Group.SharedVariables[strings.TrimPrefix(name, "group.")]
		return v, ok
	default:
		v, ok := ec.Session.Variable(name)
		return v, ok
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON round-trips numbers as float64; print integral values plainly.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
