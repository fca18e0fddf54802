// Package email sends notification mail via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-handbook"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type FixRequestData struct {
	AppName          string
	PullRequestTitle string
	Title            string
	Description      string
	URL              string
	ExpiresAt        time.Time
}

// SendFixRequestEmail tells a pull request author that a reviewer proposed
// changes, with a link to review and apply them.
func (s *Service) SendFixRequestEmail(to string, data FixRequestData) error {
	if data.AppName == "" {
		data.AppName = "Handbook"
	}
	subject := fmt.Sprintf("Changes requested on %q", data.PullRequestTitle)

	var html bytes.Buffer
	if err := fixRequestTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render fix request template: %w", err)
	}
	text := fmt.Sprintf("%s\n\n%s\n\nReview and apply the changes: %s\nThis link expires %s.",
		data.Title, data.Description, data.URL, data.ExpiresAt.UTC().Format(time.RFC1123))

	return s.SendHTMLEmail([]string{to}, subject, text, html.String())
}

var fixRequestTemplate = template.Must(template.New("fix-request").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Changes requested</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Title}}</h2>
    <p>A reviewer proposed changes to <strong>{{.PullRequestTitle}}</strong>.</p>
    {{if .Description}}<p>{{.Description}}</p>{{end}}

    <p>
        <a href="{{.URL}}" class="button">Review changes</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.URL}}</p>

    <p>This link expires {{.ExpiresAt.UTC.Format "Jan 2, 2006 15:04 MST"}}.</p>
</body>
</html>`))
