// Package telegram bridges Telegram long-polling updates into canonical
// messages.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/platform"
)

const component = "platform.telegram"

// Options configure the adapter.
type Options struct {
	Token string
}

// Adapter connects to Telegram via long polling. Telegram addresses the
// bot as @username, so Normalize rewrites that token into the canonical
// <@BOTID> form before categorization.
type Adapter struct {
	bot *telego.Bot

	botID   string
	botName string
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a Telegram adapter.
func New(opts Options) (*Adapter, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, platform.ErrMissingToken
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

// Type identifies the platform.
func (a *Adapter) Type() domain.ChannelType { return domain.ChannelTelegram }

// Start long-polls for updates until the context is canceled.
func (a *Adapter) Start(ctx context.Context, sink platform.Sink) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot identity: %w", err)
	}
	a.botID = strconv.FormatInt(me.ID, 10)
	a.botName = me.Username

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	logger.InfoCF(component, "Connected", map[string]interface{}{
		"bot_id": a.botID,
		"name":   a.botName,
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			if update.Message == nil {
				continue
			}
			msg := domain.NewMessage(domain.ChannelTelegram, update.Message)
			msg.Reference.BotID = a.botID
			msg.Reference.BotName = a.botName
			sink(msg)
		}
	}
}

// Normalize maps a Telegram message onto the canonical fields.
func (a *Adapter) Normalize(msg *domain.Message) error {
	raw, ok := msg.Raw.(*telego.Message)
	if !ok {
		if msg.Raw == nil {
			return nil
		}
		return platform.ErrBadPayload
	}

	chatID := strconv.FormatInt(raw.Chat.ID, 10)

	if len(raw.NewChatMembers) > 0 || raw.LeftChatMember != nil {
		msg.Type = domain.TypeConversationUpdate
		msg.Channel = chatID
		for _, member := range raw.NewChatMembers {
			msg.Joined = append(msg.Joined, strconv.FormatInt(member.ID, 10))
		}
		if raw.LeftChatMember != nil {
			msg.Left = append(msg.Left, strconv.FormatInt(raw.LeftChatMember.ID, 10))
		}
		return nil
	}

	if raw.From != nil {
		msg.User = strconv.FormatInt(raw.From.ID, 10)
	}
	msg.Channel = chatID
	msg.Text = a.canonicalMentions(raw.Text)
	msg.DirectChannel = raw.Chat.Type == telego.ChatTypePrivate
	return nil
}

// canonicalMentions rewrites @botname tokens into the <@BOTID> form the
// mention rules match on.
func (a *Adapter) canonicalMentions(text string) string {
	if a.botName == "" {
		return text
	}
	return strings.ReplaceAll(text, "@"+a.botName, "<@"+a.botID+">")
}

// Send delivers an outbound message. Wire, when set, must be a
// *telego.SendMessageParams and replaces the canonical fields.
func (a *Adapter) Send(ctx context.Context, out *domain.Outbound) error {
	params, ok := out.Wire.(*telego.SendMessageParams)
	if !ok {
		chatID, err := strconv.ParseInt(out.Channel, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram channel %q is not a chat id: %w", out.Channel, err)
		}
		params = tu.Message(tu.ID(chatID), out.Text)
	}
	_, err := a.bot.SendMessage(ctx, params)
	return err
}
