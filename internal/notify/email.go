package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"

	"campus-realtime/internal/config"
)

var emailSubjects = map[string]string{
	"message":      "New Message",
	"call":         "Missed Call",
	"group":        "Group Update",
	"timetable":    "Timetable Update",
	"lecture":      "Lecture Update",
	"assignment":   "New Assignment",
	"announcement": "New Announcement",
	"default":      "Notification",
}

const emailLayout = `{{define "greeting"}}<h2>Hello {{.Name}},</h2>{{end}}
{{define "message"}}{{template "greeting" .}}<p>You have a new message:</p><p>{{.Notification.Body}}</p>{{if .URL}}<p><a href="{{.URL}}">View the message</a></p>{{end}}{{end}}
{{define "call"}}{{template "greeting" .}}<p>{{.Notification.Body}}</p><p>The call was at {{.Notification.CreatedAt.Format "Jan 2, 2006 15:04 MST"}}.</p>{{end}}
{{define "group"}}{{template "greeting" .}}<p>{{.Notification.Body}}</p>{{if .URL}}<p><a href="{{.URL}}">View the group</a></p>{{end}}{{end}}
{{define "timetable"}}{{template "greeting" .}}<p>There has been an update to your timetable:</p><p>{{.Notification.Body}}</p>{{if .URL}}<p><a href="{{.URL}}">View the updated timetable</a></p>{{end}}{{end}}
{{define "lecture"}}{{template "greeting" .}}<p>{{.Notification.Body}}</p>{{with .Notification.Metadata}}{{with .room}}<p><strong>Room:</strong> {{.}}</p>{{end}}{{with .start_time}}<p><strong>Time:</strong> {{.}}</p>{{end}}{{end}}{{if .URL}}<p><a href="{{.URL}}">Join the lecture</a></p>{{end}}{{end}}
{{define "assignment"}}{{template "greeting" .}}<p>A new assignment has been posted:</p><p><strong>{{.Notification.Title}}</strong></p>{{with .Notification.Metadata}}{{with .due_date}}<p><strong>Due:</strong> {{.}}</p>{{end}}{{end}}<p>{{.Notification.Body}}</p>{{if .URL}}<p><a href="{{.URL}}">View the assignment</a></p>{{end}}{{end}}
{{define "announcement"}}{{template "greeting" .}}<p><strong>{{.Notification.Title}}</strong></p><p>{{.Notification.Body}}</p>{{if .URL}}<p><a href="{{.URL}}">More information</a></p>{{end}}{{end}}
{{define "default"}}{{template "greeting" .}}<p>{{.Notification.Body}}</p>{{end}}
`

// SMTPMailer renders notification emails and sends them over SMTP.
type SMTPMailer struct {
	cfg       config.EmailConfig
	templates *template.Template
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:       cfg,
		templates: template.Must(template.New("email").Parse(emailLayout)),
	}
}

// Render returns the subject and HTML body for a template. Unknown
// templates fall back to "default".
func (m *SMTPMailer) Render(name string, data EmailData) (string, string, error) {
	subject, ok := emailSubjects[name]
	if !ok {
		name, subject = "default", emailSubjects["default"]
	}
	if data.Notification.Title != "" {
		subject = data.Notification.Title
	}
	if data.URL == "" && m.cfg.BaseURL != "" && data.Notification.Reference != nil {
		data.URL = fmt.Sprintf("%s/%ss/%s", strings.TrimRight(m.cfg.BaseURL, "/"), data.Notification.Reference.Type, data.Notification.Reference.ID)
	}
	var body bytes.Buffer
	if err := m.templates.ExecuteTemplate(&body, name, data); err != nil {
		return "", "", fmt.Errorf("render %s email: %w", name, err)
	}
	return subject, body.String(), nil
}

func (m *SMTPMailer) SendEmail(ctx context.Context, to, name string, data EmailData) error {
	if to == "" {
		return fmt.Errorf("recipient has no email address")
	}
	subject, html, err := m.Render(name, data)
	if err != nil {
		return err
	}
	return m.send(ctx, to, m.buildMessage(to, subject, html))
}

func (m *SMTPMailer) buildMessage(to, subject, html string) string {
	fromName := m.cfg.FromName
	if fromName == "" {
		fromName = "Campus Realtime"
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", fromName, m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(html)
	return msg.String()
}

func (m *SMTPMailer) send(ctx context.Context, to, msg string) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect smtp: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if m.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return client.Quit()
}
