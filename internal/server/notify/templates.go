package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

type page struct {
	subject string
	file    string
}

var pages = map[Kind]page{
	KindVerification:  {subject: "Confirm your registration", file: "verification_email.html"},
	KindPasswordReset: {subject: "Reset your password", file: "reset_password.html"},
}

// Templates renders notification bodies. FrontendURL is exposed to the
// templates as {{.FrontendURL}}.
type Templates struct {
	frontendURL string
	set         *template.Template
}

func NewTemplates(frontendURL string) (*Templates, error) {
	set, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	return &Templates{frontendURL: frontendURL, set: set}, nil
}

func (t *Templates) Render(n Notification) (Message, error) {
	p, ok := pages[n.Kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification kind %q", n.Kind)
	}

	var buf bytes.Buffer
	data := struct {
		Link        string
		FrontendURL string
	}{Link: n.Link, FrontendURL: t.frontendURL}
	if err := t.set.ExecuteTemplate(&buf, p.file, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", n.Kind, err)
	}

	return Message{To: n.To, Subject: p.subject, Body: buf.String()}, nil
}
