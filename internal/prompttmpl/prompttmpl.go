// Package prompttmpl renders the configurable AI system prompt. Prompts are
// text/template sources; unknown keys are an error rather than "<no value>".
package prompttmpl

import (
	"bytes"
	"strings"
	"text/template"
	"time"
)

// Data is what a system prompt template can reference.
type Data struct {
	SessionID string
	Sender    string
	PushName  string
	Now       time.Time
}

func Parse(name, source string) (*template.Template, error) {
	return template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"date": func(t time.Time) string { return t.Format("2006-01-02") },
			"trim": strings.TrimSpace,
		}).
		Parse(source)
}

func Render(t *template.Template, data Data) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
