// Webhook ingestion: slash commands, outgoing webhooks, and plain
// message posts arrive here, get normalized into canonical messages,
// and are acknowledged immediately while dispatch proceeds async.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
)

// webhookPayload is the accepted POST body. Field precedence follows
// the classic outgoing-webhook shape: user_id/channel_id win over their
// display-name counterparts.
type webhookPayload struct {
	Token string `json:"token,omitempty"`

	// Command marks a slash command invocation.
	Command string `json:"command,omitempty"`
	// TriggerWord marks an outgoing webhook.
	TriggerWord string `json:"trigger_word,omitempty"`

	Text      string `json:"text"`
	UserID    string `json:"user_id,omitempty"`
	User      string `json:"user,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
}

// POST /api/webhook/{platform}
//
// The platform path segment selects which adapter's identity the
// message carries; "webhook" targets the generic HTTP adapter. The
// endpoint acknowledges with 202 before dispatch so slow handlers never
// hit the caller's delivery timeout.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	platformName := r.PathValue("platform")
	channelType := domain.ChannelType(platformName)
	if !channelType.Valid() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform"})
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	if !s.tokenAccepted(payload.Token) {
		logger.WarnCF(component, "Webhook token rejected", map[string]interface{}{
			"platform": platformName,
		})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	msg := canonicalize(channelType, &payload)
	if msg.User == "" || msg.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user and channel required"})
		return
	}

	s.ctl.Ingest(msg)
	s.systemEvent("webhook.received", platformName, map[string]interface{}{
		"type":    msg.Type,
		"user":    msg.User,
		"channel": msg.Channel,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":   msg.ID,
		"type": msg.Type,
	})
}

func (s *Server) tokenAccepted(token string) bool {
	if len(s.cfg.Tokens) == 0 {
		return true
	}
	for _, t := range s.cfg.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// canonicalize maps a webhook payload onto a fully classified canonical
// message. Raw stays nil so adapter normalization passes it through.
func canonicalize(channelType domain.ChannelType, p *webhookPayload) *domain.Message {
	msg := domain.NewMessage(channelType, nil)

	switch {
	case p.Command != "":
		msg.Type = domain.TypeSlashCommand
	case p.TriggerWord != "":
		msg.Type = domain.TypeOutgoingWebhook
	}

	msg.User = p.UserID
	if msg.User == "" {
		msg.User = p.User
	}
	msg.Channel = p.ChannelID
	if msg.Channel == "" {
		msg.Channel = p.Channel
	}
	msg.Text = p.Text

	msg.Metadata = domain.Metadata{}
	if p.Command != "" {
		msg.Metadata.Set("command", p.Command)
	}
	if p.TriggerWord != "" {
		msg.Metadata.Set("trigger_word", p.TriggerWord)
	}
	if p.TeamID != "" {
		msg.Metadata.Set("team_id", p.TeamID)
	}
	return msg
}
