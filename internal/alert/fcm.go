package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// messageSender is the part of *messaging.Client the notifier uses.
type messageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMNotifier pushes alerts to the agent's mobile device via Firebase Cloud
// Messaging.
type FCMNotifier struct {
	client messageSender
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewFCMNotifier initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMNotifier(ctx context.Context, credentialsFile, deviceToken string, logger *slog.Logger) (*FCMNotifier, error) {
	if deviceToken == "" {
		return nil, fmt.Errorf("fcm notifier: device token is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	n := newFCMNotifier(client, deviceToken, logger)
	n.logger.Info("fcm notifier initialised")
	return n, nil
}

func newFCMNotifier(client messageSender, token string, logger *slog.Logger) *FCMNotifier {
	return &FCMNotifier{
		client: client,
		token:  token,
		ttl:    5 * time.Minute,
		logger: logger.With("subsystem", "fcm"),
	}
}

// Notify implements Notifier.
func (f *FCMNotifier) Notify(ctx context.Context, a Alert) error {
	data := map[string]string{"type": a.Type}
	for k, v := range a.Data {
		data[k] = v
	}

	ttl := f.ttl
	msg := &messaging.Message{
		Token: f.token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: a.Title,
			Body:  a.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: device token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "type", a.Type)
	return nil
}
