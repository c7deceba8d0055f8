package alert

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"
)

// SMTPConfig holds the mail relay used for alert emails.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587, 465
	From     string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// EmailNotifier mails alerts to a fixed address, typically the agent's
// supervisor or the agent's own inbox.
type EmailNotifier struct {
	cfg    SMTPConfig
	to     string
	logger *slog.Logger
	now    func() time.Time
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// NewEmailNotifier creates a notifier that sends through cfg to the given
// recipient.
func NewEmailNotifier(cfg SMTPConfig, to string, logger *slog.Logger) (*EmailNotifier, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("smtp not configured")
	}
	if to == "" {
		return nil, fmt.Errorf("no recipient email address")
	}
	return &EmailNotifier{
		cfg:      cfg,
		to:       to,
		logger:   logger.With("subsystem", "alert_email"),
		now:      time.Now,
		dialFunc: defaultDial,
	}, nil
}

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := n.buildMessage(a)

	addr := net.JoinHostPort(n.cfg.Host, n.cfg.Port)
	tlsConfig := &tls.Config{ServerName: n.cfg.Host}

	client, err := n.dialFunc(addr, tlsConfig, n.cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(n.cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if n.cfg.Username != "" && n.cfg.Password != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(n.to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		n.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	n.logger.Info("alert email sent", "to", n.to, "type", a.Type)
	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildMessage renders a plain text message. Data keys are listed in
// sorted order under the body.
func (n *EmailNotifier) buildMessage(a Alert) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", n.to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", headerSafe(a.Title))
	fmt.Fprintf(&buf, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")

	buf.WriteString(a.Body)
	buf.WriteString("\r\n")
	if len(a.Data) > 0 {
		keys := make([]string, 0, len(a.Data))
		for k := range a.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("\r\n")
		for _, k := range keys {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, a.Data[k])
		}
	}
	return buf.Bytes()
}

// headerSafe strips line breaks so a title cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
