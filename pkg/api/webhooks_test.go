package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/botloom/loom/pkg/config"
	"github.com/botloom/loom/pkg/controller"
	"github.com/botloom/loom/pkg/domain"
)

func newTestServer(t *testing.T, cfg config.GatewayConfig) (*Server, *controller.Controller) {
	t.Helper()
	ctl := controller.New(controller.Options{})
	t.Cleanup(ctl.Shutdown)
	return NewServer(cfg, ctl, nil), ctl
}

func postWebhook(t *testing.T, s *Server, platform, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhook/{platform}", s.handleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/"+platform, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func consumeOne(t *testing.T, ctl *controller.Controller) *domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := ctl.Bus().ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message reached the inbound queue")
	}
	return msg
}

func TestWebhookPlainMessage(t *testing.T) {
	s, ctl := newTestServer(t, config.GatewayConfig{})

	rec := postWebhook(t, s, "webhook", `{"user_id":"U1","channel_id":"C1","text":"hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var ack map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack["id"] == "" {
		t.Error("ack must echo the message id")
	}

	msg := consumeOne(t, ctl)
	if msg.User != "U1" || msg.Channel != "C1" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Type != domain.TypeMessage {
		t.Errorf("type = %q, want plain message", msg.Type)
	}
	if msg.Reference.Platform != domain.ChannelWebhook {
		t.Errorf("platform = %q", msg.Reference.Platform)
	}
}

func TestWebhookSlashCommand(t *testing.T) {
	s, ctl := newTestServer(t, config.GatewayConfig{})

	postWebhook(t, s, "webhook", `{"command":"/deploy","user_id":"U1","channel_id":"C1","text":"api","team_id":"T1"}`)

	msg := consumeOne(t, ctl)
	if msg.Type != domain.TypeSlashCommand {
		t.Errorf("type = %q, want slash_command", msg.Type)
	}
	if msg.Metadata.Get("command") != "/deploy" {
		t.Errorf("command metadata = %q", msg.Metadata.Get("command"))
	}
	if msg.Metadata.Get("team_id") != "T1" {
		t.Errorf("team metadata = %q", msg.Metadata.Get("team_id"))
	}
}

func TestWebhookTriggerWord(t *testing.T) {
	s, ctl := newTestServer(t, config.GatewayConfig{})

	postWebhook(t, s, "webhook", `{"trigger_word":"loom","user":"ada","channel":"general","text":"loom status"}`)

	msg := consumeOne(t, ctl)
	if msg.Type != domain.TypeOutgoingWebhook {
		t.Errorf("type = %q, want outgoing_webhook", msg.Type)
	}
	// Display names fill in when the id fields are absent.
	if msg.User != "ada" || msg.Channel != "general" {
		t.Errorf("addressing = (%s, %s)", msg.User, msg.Channel)
	}
}

func TestWebhookIDFieldsWin(t *testing.T) {
	s, ctl := newTestServer(t, config.GatewayConfig{})

	postWebhook(t, s, "webhook", `{"user_id":"U1","user":"ada","channel_id":"C1","channel":"general","text":"hi"}`)

	msg := consumeOne(t, ctl)
	if msg.User != "U1" || msg.Channel != "C1" {
		t.Errorf("addressing = (%s, %s), ids must win", msg.User, msg.Channel)
	}
}

func TestWebhookRejections(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.GatewayConfig
		platform string
		body     string
		want     int
	}{
		{
			name:     "unknown platform",
			platform: "irc",
			body:     `{"user_id":"U1","channel_id":"C1","text":"hi"}`,
			want:     http.StatusNotFound,
		},
		{
			name:     "invalid json",
			platform: "webhook",
			body:     `{broken`,
			want:     http.StatusBadRequest,
		},
		{
			name:     "missing addressing",
			platform: "webhook",
			body:     `{"text":"hi"}`,
			want:     http.StatusBadRequest,
		},
		{
			name:     "bad token",
			cfg:      config.GatewayConfig{Tokens: []string{"expected"}},
			platform: "webhook",
			body:     `{"token":"wrong","user_id":"U1","channel_id":"C1","text":"hi"}`,
			want:     http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.cfg)
			rec := postWebhook(t, s, tt.platform, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebhookTokenAccepted(t *testing.T) {
	s, ctl := newTestServer(t, config.GatewayConfig{Tokens: []string{"a", "b"}})

	rec := postWebhook(t, s, "webhook", `{"token":"b","user_id":"U1","channel_id":"C1","text":"hi"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	consumeOne(t, ctl)
}

func TestWebhookRejectsGet(t *testing.T) {
	s, _ := newTestServer(t, config.GatewayConfig{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhook/{platform}", s.handleWebhook)
	req := httptest.NewRequest(http.MethodGet, "/api/webhook/webhook", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t, config.GatewayConfig{})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if _, ok := status["active_conversations"]; !ok {
		t.Error("status must report active conversations")
	}
	if _, ok := status["uptime_seconds"]; !ok {
		t.Error("status must report uptime")
	}
}
