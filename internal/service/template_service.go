// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// RenderTemplate substitutes every {key} in template with data[key].
// A placeholder without a non-empty value is an error; nothing is sent with
// a half-rendered body.
func RenderTemplate(template string, data map[string]string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", &appErrors.ErrTemplateRender{Reason: "template is empty"}
	}

	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if renderErr != nil {
			return match
		}
		key := match[1 : len(match)-1]
		v, ok := data[key]
		if !ok || strings.TrimSpace(v) == "" {
			renderErr = &appErrors.ErrTemplateRender{Placeholder: key, Reason: "has no value"}
			return match
		}
		return v
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// Placeholders lists the distinct keys referenced by template, in order of first use.
func Placeholders(template string) []string {
	seen := map[string]bool{}
	keys := []string{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
