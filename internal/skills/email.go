package skills

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/maxagent/maxd/internal/capability"
)

const smtpDialTimeout = 30 * time.Second

// SMTPConfig holds outbound mail settings. Port 587 with STARTTLS is
// the usual setup; port 465 uses implicit TLS (StartTLS=false).
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// EmailSkills sends mail on the agent's behalf. Sending is irreversible:
// a delivered message cannot be recalled.
type EmailSkills struct {
	cfg SMTPConfig
}

func NewEmailSkills(cfg SMTPConfig) *EmailSkills {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Port != 465 {
		cfg.StartTLS = true
	}
	return &EmailSkills{cfg: cfg}
}

func (e *EmailSkills) Send() capability.Capability {
	return capability.Capability{
		Name:        "email_send",
		Provider:    "email",
		Description: "Send an email from the agent's configured account.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"to": map[string]interface{}{
					"type":        "string",
					"description": "Recipient address, or several separated by commas.",
				},
				"subject": map[string]interface{}{
					"type": "string",
				},
				"body": map[string]interface{}{
					"type":        "string",
					"description": "Plain-text message body.",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Reversibility: capability.Irreversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			to, _ := args["to"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)

			recipients, err := parseRecipients(to)
			if err != nil {
				return "", err
			}
			if e.cfg.Host == "" {
				return "", fmt.Errorf("no SMTP server configured")
			}

			msg := composeMessage(e.cfg.From, recipients, subject, body)
			if err := sendMail(ctx, e.cfg, e.cfg.From, recipients, msg); err != nil {
				return "", err
			}
			return fmt.Sprintf("sent to %s", strings.Join(recipients, ", ")), nil
		},
	}
}

func parseRecipients(to string) ([]string, error) {
	var recipients []string
	for _, part := range strings.Split(to, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := mail.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", part, err)
		}
		recipients = append(recipients, addr.Address)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	return recipients, nil
}

// composeMessage builds a minimal RFC 5322 plain-text message.
func composeMessage(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// sendMail opens an ephemeral SMTP connection, authenticates and
// delivers the message. The context bounds the whole operation.
func sendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if !cfg.StartTLS {
		// Implicit TLS (port 465).
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		c, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
		client = c
	} else {
		// Plain connect, then STARTTLS upgrade (port 587).
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		c, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
		client = c
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}
