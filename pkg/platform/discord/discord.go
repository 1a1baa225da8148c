// Package discord bridges the Discord gateway into canonical messages.
package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/platform"
)

const component = "platform.discord"

// Options configure the adapter.
type Options struct {
	Token string
}

// Adapter connects to Discord through its websocket gateway. Discord
// renders mentions as <@ID> or <@!ID>; Normalize collapses the nickname
// form so one mention pattern covers both.
type Adapter struct {
	session *discordgo.Session
	botID   string
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a Discord adapter.
func New(opts Options) (*Adapter, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, platform.ErrMissingToken
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent
	return &Adapter{session: session}, nil
}

// Type identifies the platform.
func (a *Adapter) Type() domain.ChannelType { return domain.ChannelDiscord }

// Start opens the gateway connection and forwards events until the
// context is canceled.
func (a *Adapter) Start(ctx context.Context, sink platform.Sink) error {
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		sink(a.shell(m))
	})
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		sink(a.shell(m))
	})
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		sink(a.shell(m))
	})

	if err := a.session.Open(); err != nil {
		return err
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.botID = a.session.State.User.ID
	}
	logger.InfoCF(component, "Connected", map[string]interface{}{
		"bot_id": a.botID,
	})

	<-ctx.Done()
	return a.session.Close()
}

func (a *Adapter) shell(raw interface{}) *domain.Message {
	msg := domain.NewMessage(domain.ChannelDiscord, raw)
	msg.Reference.BotID = a.botID
	return msg
}

// Normalize maps a Discord event onto the canonical fields.
func (a *Adapter) Normalize(msg *domain.Message) error {
	switch raw := msg.Raw.(type) {
	case *discordgo.MessageCreate:
		if raw.Author != nil {
			msg.User = raw.Author.ID
		}
		msg.Channel = raw.ChannelID
		msg.Text = collapseNickMentions(raw.Content)
		// Direct messages carry no guild.
		msg.DirectChannel = raw.GuildID == ""
		return nil

	case *discordgo.GuildMemberAdd:
		msg.Type = domain.TypeConversationUpdate
		msg.Channel = raw.GuildID
		msg.Joined = []string{raw.User.ID}
		return nil

	case *discordgo.GuildMemberRemove:
		msg.Type = domain.TypeConversationUpdate
		msg.Channel = raw.GuildID
		msg.Left = []string{raw.User.ID}
		return nil

	case nil:
		return nil
	}
	return platform.ErrBadPayload
}

func collapseNickMentions(text string) string {
	return strings.ReplaceAll(text, "<@!", "<@")
}

// Send delivers an outbound message. Wire, when set, must be a
// *discordgo.MessageSend.
func (a *Adapter) Send(ctx context.Context, out *domain.Outbound) error {
	if wire, ok := out.Wire.(*discordgo.MessageSend); ok {
		_, err := a.session.ChannelMessageSendComplex(out.Channel, wire)
		return err
	}
	_, err := a.session.ChannelMessageSend(out.Channel, out.Text)
	return err
}
