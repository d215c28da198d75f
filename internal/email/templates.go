package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"sort"
	texttemplate "text/template"
)

// Built-in template names
const (
	TemplateAssistantUpdate         = "assistant_update"
	TemplateCrisisResources         = "crisis_resources"
	TemplateAppointmentConfirmation = "appointment_confirmation"
)

// Transport delivers a rendered message. Sender (SMTP) and the Gmail
// client both satisfy it.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	IsConfigured() bool
}

// TemplatedSender sends templated emails
type TemplatedSender struct {
	transport Transport
	templates map[string]*EmailTemplate
}

// EmailTemplate represents an email template
type EmailTemplate struct {
	Name     string
	Subject  string
	TextTmpl *texttemplate.Template
	HTMLTmpl *htmltemplate.Template
}

// TemplateData is what every built-in template renders from
type TemplateData struct {
	FirstName string
	Body      string
	Title     string
	When      string
	// Subject replaces the template's subject when set
	Subject string
}

// NewTemplatedSender creates a templated sender with the built-in templates
// registered.
func NewTemplatedSender(transport Transport) *TemplatedSender {
	ts := &TemplatedSender{
		transport: transport,
		templates: make(map[string]*EmailTemplate),
	}
	for _, b := range builtins {
		if err := ts.RegisterTemplate(b.name, b.subject, b.text, b.html); err != nil {
			panic(fmt.Sprintf("email: builtin template %s: %v", b.name, err))
		}
	}
	return ts
}

// RegisterTemplate registers an email template
func (ts *TemplatedSender) RegisterTemplate(name, subject, textTemplate, htmlTemplate string) error {
	et := &EmailTemplate{
		Name:    name,
		Subject: subject,
	}

	if textTemplate != "" {
		tmpl, err := texttemplate.New(name + "_text").Parse(textTemplate)
		if err != nil {
			return fmt.Errorf("failed to parse text template: %w", err)
		}
		et.TextTmpl = tmpl
	}

	if htmlTemplate != "" {
		tmpl, err := htmltemplate.New(name + "_html").Parse(htmlTemplate)
		if err != nil {
			return fmt.Errorf("failed to parse HTML template: %w", err)
		}
		et.HTMLTmpl = tmpl
	}

	ts.templates[name] = et
	return nil
}

// HasTemplate reports whether name is registered
func (ts *TemplatedSender) HasTemplate(name string) bool {
	_, ok := ts.templates[name]
	return ok
}

// Templates lists registered template names
func (ts *TemplatedSender) Templates() []string {
	names := make([]string, 0, len(ts.templates))
	for name := range ts.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsConfigured reports whether the underlying transport can send
func (ts *TemplatedSender) IsConfigured() bool {
	return ts.transport != nil && ts.transport.IsConfigured()
}

// Render builds the message for a template without sending it
func (ts *TemplatedSender) Render(to, templateName string, data any) (*Message, error) {
	tmpl, ok := ts.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", templateName)
	}

	msg := &Message{
		To:      []string{to},
		Subject: tmpl.Subject,
		Headers: map[string]string{"X-MindFlora-Template": templateName},
	}
	if td, ok := data.(TemplateData); ok && td.Subject != "" {
		msg.Subject = td.Subject
	}

	if tmpl.TextTmpl != nil {
		var buf bytes.Buffer
		if err := tmpl.TextTmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to execute text template: %w", err)
		}
		msg.TextBody = buf.String()
	}

	if tmpl.HTMLTmpl != nil {
		var buf bytes.Buffer
		if err := tmpl.HTMLTmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to execute HTML template: %w", err)
		}
		msg.HTMLBody = buf.String()
	}

	return msg, nil
}

// SendTemplate sends an email using a registered template
func (ts *TemplatedSender) SendTemplate(ctx context.Context, to, templateName string, data any) error {
	msg, err := ts.Render(to, templateName, data)
	if err != nil {
		return err
	}
	return ts.transport.Send(ctx, msg)
}

var builtins = []struct {
	name, subject, text, html string
}{
	{
		name:    TemplateAssistantUpdate,
		subject: "Your AI Assistant Update",
		text: `Hello{{if .FirstName}} {{.FirstName}}{{end}}!

{{if .Body}}{{.Body}}{{else}}Your AI assistant is here to support you.{{end}}

MindFlora`,
		html: `<p>Hello{{if .FirstName}} {{.FirstName}}{{end}}!</p>
<p>{{if .Body}}{{.Body}}{{else}}Your AI assistant is here to support you.{{end}}</p>
<p>MindFlora</p>`,
	},
	{
		name:    TemplateCrisisResources,
		subject: "Support is available right now",
		text: `Hi{{if .FirstName}} {{.FirstName}}{{end}},

You don't have to go through this alone.

988 Suicide & Crisis Lifeline: call or text 988
Crisis Text Line: text HOME to 741741
Emergency: call 911

MindFlora`,
		html: `<p>Hi{{if .FirstName}} {{.FirstName}}{{end}},</p>
<p>You don't have to go through this alone.</p>
<ul>
<li>988 Suicide &amp; Crisis Lifeline: call or text 988</li>
<li>Crisis Text Line: text HOME to 741741</li>
<li>Emergency: call 911</li>
</ul>`,
	},
	{
		name:    TemplateAppointmentConfirmation,
		subject: "Appointment confirmed",
		text: `Hi{{if .FirstName}} {{.FirstName}}{{end}},

Your appointment "{{.Title}}" is booked for {{.When}}.

MindFlora`,
		html: `<p>Hi{{if .FirstName}} {{.FirstName}}{{end}},</p>
<p>Your appointment <strong>{{.Title}}</strong> is booked for {{.When}}.</p>`,
	},
}
