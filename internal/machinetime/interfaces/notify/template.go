package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Machine {{.EventLabel}}]
Equipment: {{.Equipment}}
Time: {{.Timestamp}}
{{- if .EntryID }}
Entry: {{.EntryID}}
{{- end }}
{{- if .PreviousState }}
Previous State: {{.PreviousState}}
{{- end }}
{{- if .AlarmCode }}
Alarm Code: {{.AlarmCode}}
{{- end }}
{{- if .Duration }}
Duration (h): {{.Duration}}
{{- end }}
{{- if .Cost }}
Cost: {{.Cost}}
{{- end }}
{{- if .IdleTimeout }}
Idle Timeout (s): {{.IdleTimeout}}
{{- end }}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Equipment     string
	EquipmentID   string
	EntryID       string
	Event         string
	EventLabel    string
	Timestamp     string
	PreviousState string
	AlarmCode     string
	Duration      string
	Cost          string
	IdleTimeout   string
	Suggestion    string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("machine-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notification template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
