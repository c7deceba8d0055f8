package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled bool
	tlsCalled   bool
	authCalled  bool
	mailFrom    string
	rcptTo      string
	dataWritten []byte
	quitCalled  bool
	closeCalled bool
	authErr     error
	rcptErr     error
}

func (m *mockSMTPClient) Hello(string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	return ext == "STARTTLS", ""
}
func (m *mockSMTPClient) StartTLS(*tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error { m.mailFrom = from; return nil }
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = to
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) { return &mockWriteCloser{mock: m}, nil }
func (m *mockSMTPClient) Quit() error                   { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error                  { m.closeCalled = true; return nil }

type mockWriteCloser struct{ mock *mockSMTPClient }

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

var testSMTP = SMTPConfig{
	Host:     "mail.example.com",
	Port:     "587",
	From:     "agentphone@example.com",
	Username: "user",
	Password: "pass",
	TLS:      "starttls",
}

func newTestEmailNotifier(t *testing.T, mock *mockSMTPClient) *EmailNotifier {
	t.Helper()
	n, err := NewEmailNotifier(testSMTP, "supervisor@example.com", testLogger())
	if err != nil {
		t.Fatalf("NewEmailNotifier: %v", err)
	}
	n.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	n.dialFunc = func(string, *tls.Config, string) (smtpClient, error) { return mock, nil }
	return n
}

func TestEmailNotifierSends(t *testing.T) {
	mock := &mockSMTPClient{}
	n := newTestEmailNotifier(t, mock)

	err := n.Notify(context.Background(), Alert{
		Type:  TypeFollowUpDue,
		Title: "Callback due",
		Body:  "Call +61400000000 at 09:05",
		Data:  map[string]string{"phone": "+61400000000", "follow_up_id": "f1"},
	})
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	if !mock.helloCalled || !mock.tlsCalled || !mock.authCalled || !mock.quitCalled || !mock.closeCalled {
		t.Errorf("smtp session incomplete: %+v", mock)
	}
	if mock.mailFrom != "agentphone@example.com" {
		t.Errorf("mail from = %q", mock.mailFrom)
	}
	if mock.rcptTo != "supervisor@example.com" {
		t.Errorf("rcpt to = %q", mock.rcptTo)
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: Callback due\r\n",
		"Call +61400000000 at 09:05",
		"follow_up_id: f1\r\nphone: +61400000000\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}

func TestEmailNotifierRecipientRejected(t *testing.T) {
	mock := &mockSMTPClient{rcptErr: errors.New("550 no such user")}
	n := newTestEmailNotifier(t, mock)

	err := n.Notify(context.Background(), Alert{Type: TypeNotice, Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "rcpt to") {
		t.Fatalf("expected rcpt error, got %v", err)
	}
	if !mock.closeCalled {
		t.Error("connection should be closed on failure")
	}
}

func TestEmailNotifierSubjectInjection(t *testing.T) {
	mock := &mockSMTPClient{}
	n := newTestEmailNotifier(t, mock)

	if err := n.Notify(context.Background(), Alert{Title: "hi\r\nBcc: x@example.com"}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(mock.dataWritten), "\r\nBcc:") {
		t.Error("title injected a header")
	}
}

func TestNewEmailNotifierValidation(t *testing.T) {
	if _, err := NewEmailNotifier(SMTPConfig{Host: "h"}, "a@b", testLogger()); err == nil {
		t.Error("expected error for incomplete smtp config")
	}
	if _, err := NewEmailNotifier(testSMTP, "", testLogger()); err == nil {
		t.Error("expected error without recipient")
	}
}
