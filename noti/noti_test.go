package noti

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type collect struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collect) Notify(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
}

func TestSlackPost(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []string
		ctyp string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload slackPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		got = append(got, payload.Text)
		ctyp = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := NewSlack(ts.URL, ts.Client(), nil)
	s.Notify("node alice reported an error")
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "node alice reported an error" {
		t.Errorf("unexpected posts %v", got)
	}
	if ctyp != "application/json" {
		t.Errorf("unexpected content type %q", ctyp)
	}
}

func TestSlackPostError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer ts.Close()

	err := NewSlack(ts.URL, ts.Client(), nil).Post(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestMulti(t *testing.T) {
	a, b := &collect{}, &collect{}
	Multi{a, b}.Notify("x")
	if len(a.msgs) != 1 || len(b.msgs) != 1 {
		t.Errorf("expected both sinks notified, got %v and %v", a.msgs, b.msgs)
	}
}

func TestFromConfig(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	if n := FromConfig(Config{}, logger); n == nil {
		t.Fatal("expected a notifier")
	} else {
		n.Notify("dropped")
	}
	if _, ok := FromConfig(Config{Log: true}, logger).(LogNotifier); !ok {
		t.Error("expected LogNotifier for log-only config")
	}
	if _, ok := FromConfig(Config{SlackWebhookURL: "http://127.0.0.1:1/hook"}, logger).(*Slack); !ok {
		t.Error("expected *Slack for webhook-only config")
	}
	if m, ok := FromConfig(Config{Log: true, SlackWebhookURL: "http://127.0.0.1:1/hook"}, logger).(Multi); !ok || len(m) != 2 {
		t.Error("expected Multi of two sinks")
	}
}
