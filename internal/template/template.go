// Package template substitutes {NAME} placeholders in step prompts.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// UnresolvedPlaceholder is a warning: the template referenced names with no
// binding. The placeholders are left in the output verbatim.
type UnresolvedPlaceholder struct {
	Names []string
}

func (e *UnresolvedPlaceholder) Error() string {
	return fmt.Sprintf("unresolved placeholders: {%s}", strings.Join(e.Names, "}, {"))
}

// Render replaces every {NAME} with bindings[NAME] in a single pass, so
// substituted values are never re-expanded. Unknown names are returned in
// first-occurrence order and left untouched.
func Render(tpl string, bindings map[string]string) (string, []string) {
	if !strings.Contains(tpl, "{") {
		return tpl, nil
	}

	var unresolved []string
	seen := map[string]bool{}
	out := placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := bindings[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
		return m
	})
	return out, unresolved
}

// Warning wraps unresolved names as an error value, or returns nil.
func Warning(names []string) error {
	if len(names) == 0 {
		return nil
	}
	return &UnresolvedPlaceholder{Names: names}
}

// Placeholders lists the distinct placeholder names in tpl.
func Placeholders(tpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
