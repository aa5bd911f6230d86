package campaign

import (
	"regexp"
	"strings"
)

// variable pattern for merge fields: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{variable}} tokens. Unknown tokens are kept verbatim.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}

// MergeVariables builds the merge map for a recipient. Built-in fields
// (phone, name) win over recipient variables of the same name.
func MergeVariables(r *Recipient) map[string]string {
	vars := make(map[string]string, len(r.Variables)+4)
	for k, v := range r.Variables {
		vars[k] = v
	}
	vars["phone"] = r.Phone
	if r.Name != "" {
		vars["name"] = r.Name
		vars["recipient_name"] = r.Name
	}
	return vars
}

// Render returns a copy of the content with merge fields substituted
func (c Content) Render(vars map[string]string) Content {
	out := c
	out.Text = Render(c.Text, vars)
	out.Caption = Render(c.Caption, vars)
	if len(c.TemplateParams) > 0 {
		out.TemplateParams = make([]string, len(c.TemplateParams))
		for i, p := range c.TemplateParams {
			out.TemplateParams[i] = Render(p, vars)
		}
	}
	return out
}
