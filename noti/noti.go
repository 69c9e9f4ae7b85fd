// Package noti delivers short operator notifications, such as a node
// reporting an error or the daily fleet summary.
package noti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Notifier sends a message somewhere a human will read it. Notify must not
// block the caller on network I/O.
type Notifier interface {
	Notify(message string)
}

// Discard drops every message.
var Discard Notifier = Multi(nil)

// Multi fans a message out to every notifier.
type Multi []Notifier

// Notify forwards message to each notifier in order.
func (m Multi) Notify(message string) {
	for _, n := range m {
		n.Notify(message)
	}
}

// LogNotifier writes messages to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs message at info level.
func (l LogNotifier) Notify(message string) {
	l.Logger.Info("notification", "message", message)
}

// Slack posts messages to an incoming-webhook URL. Posts run on a
// background goroutine; failures are logged and not retried.
type Slack struct {
	url    string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSlack creates a Slack notifier for webhookURL. A nil client gets a
// 10 second timeout.
func NewSlack(webhookURL string, client *http.Client, logger *slog.Logger) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Slack{url: webhookURL, client: client, logger: logger.With("notifier", "slack")}
}

type slackPayload struct {
	Text string `json:"text"`
}

// Notify posts message in the background.
func (s *Slack) Notify(message string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout+time.Second)
		defer cancel()
		if err := s.Post(ctx, message); err != nil {
			s.logger.Warn("notification failed", "error", err)
		}
	}()
}

// Post sends message and waits for the webhook's answer.
func (s *Slack) Post(ctx context.Context, message string) error {
	body, err := json.Marshal(slackPayload{Text: message})
	if err != nil {
		return fmt.Errorf("slack: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Wait blocks until every background post has finished.
func (s *Slack) Wait() {
	s.wg.Wait()
}

// Config selects the notification sinks.
type Config struct {
	SlackWebhookURL string
	Log             bool
}

// FromConfig builds the notifier described by cfg. With nothing
// configured it returns Discard.
func FromConfig(cfg Config, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sinks Multi
	if cfg.Log {
		sinks = append(sinks, LogNotifier{Logger: logger.With("component", "noti")})
	}
	if cfg.SlackWebhookURL != "" {
		logger.Info("slack notifications enabled")
		sinks = append(sinks, NewSlack(cfg.SlackWebhookURL, nil, logger))
	}
	if len(sinks) == 0 {
		return Discard
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}
