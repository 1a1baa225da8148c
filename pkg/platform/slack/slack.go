// Package slack bridges the Slack RTM stream into canonical messages.
package slack

import (
	"context"
	"strings"

	slackapi "github.com/slack-go/slack"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/platform"
)

const component = "platform.slack"

// Options configure the adapter.
type Options struct {
	Token string
}

// Adapter connects to Slack over RTM. Mention tokens arrive in the
// <@USERID> form the categorize stage expects, so no text rewriting is
// needed here.
type Adapter struct {
	api *slackapi.Client
	rtm *slackapi.RTM

	botID   string
	botName string
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a Slack adapter.
func New(opts Options) (*Adapter, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, platform.ErrMissingToken
	}
	return &Adapter{api: slackapi.New(token)}, nil
}

// Type identifies the platform.
func (a *Adapter) Type() domain.ChannelType { return domain.ChannelSlack }

// Start runs the RTM event loop until the context is canceled.
func (a *Adapter) Start(ctx context.Context, sink platform.Sink) error {
	rtm := a.api.NewRTM()
	a.rtm = rtm
	go rtm.ManageConnection()
	defer rtm.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-rtm.IncomingEvents:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case *slackapi.ConnectedEvent:
				a.botID = data.Info.User.ID
				a.botName = data.Info.User.Name
				logger.InfoCF(component, "Connected", map[string]interface{}{
					"bot_id": a.botID,
					"name":   a.botName,
				})

			case *slackapi.MessageEvent:
				sink(a.shell(data))

			case *slackapi.MemberJoinedChannelEvent:
				sink(a.shell(data))

			case *slackapi.MemberLeftChannelEvent:
				sink(a.shell(data))

			case *slackapi.RTMError:
				logger.WarnCF(component, "RTM error", map[string]interface{}{
					"error": data.Error(),
				})

			case *slackapi.InvalidAuthEvent:
				return platform.ErrMissingToken
			}
		}
	}
}

func (a *Adapter) shell(raw interface{}) *domain.Message {
	msg := domain.NewMessage(domain.ChannelSlack, raw)
	msg.Reference.BotID = a.botID
	msg.Reference.BotName = a.botName
	return msg
}

// Normalize maps the raw Slack event onto the canonical fields.
func (a *Adapter) Normalize(msg *domain.Message) error {
	switch raw := msg.Raw.(type) {
	case *slackapi.MessageEvent:
		msg.User = raw.User
		if msg.User == "" {
			msg.User = raw.BotID
		}
		msg.Channel = raw.Channel
		msg.Text = raw.Text
		msg.Subtype = raw.SubType
		// Slack 1:1 channel identifiers start with D.
		msg.DirectChannel = strings.HasPrefix(raw.Channel, "D")
		return nil

	case *slackapi.MemberJoinedChannelEvent:
		msg.Type = domain.TypeConversationUpdate
		msg.Channel = raw.Channel
		msg.Joined = []string{raw.User}
		return nil

	case *slackapi.MemberLeftChannelEvent:
		msg.Type = domain.TypeConversationUpdate
		msg.Channel = raw.Channel
		msg.Left = []string{raw.User}
		return nil

	case nil:
		// Already canonical (webhook ingest or tests).
		return nil
	}
	return platform.ErrBadPayload
}

// Send posts an outbound message. Wire, when set by format middleware,
// must be a []slack.MsgOption and replaces the plain text body.
func (a *Adapter) Send(ctx context.Context, out *domain.Outbound) error {
	opts, ok := out.Wire.([]slackapi.MsgOption)
	if !ok {
		opts = []slackapi.MsgOption{slackapi.MsgOptionText(out.Text, false)}
	}
	_, _, err := a.api.PostMessageContext(ctx, out.Channel, opts...)
	return err
}
