package classify

import (
	"context"
	"testing"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/middleware"
)

const botID = "B123"

func inbound(text string) *domain.Message {
	m := domain.NewMessage(domain.ChannelSlack, nil)
	m.Reference.BotID = botID
	m.User = "U42"
	m.Channel = "C1"
	m.Text = text
	return m
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*domain.Message)
		wantType string
		wantDrop bool
		wantText string
	}{
		{
			name:     "subtype passes through verbatim",
			mutate:   func(m *domain.Message) { m.Subtype = "message_changed" },
			wantType: "message_changed",
		},
		{
			name:     "user channel join splits",
			mutate:   func(m *domain.Message) { m.Subtype = "channel_join" },
			wantType: "user_channel_join",
		},
		{
			name: "bot channel join splits on self",
			mutate: func(m *domain.Message) {
				m.Subtype = "channel_join"
				m.User = botID
			},
			wantType: "bot_channel_join",
		},
		{
			name:     "self authored content drops",
			mutate:   func(m *domain.Message) { m.User = botID },
			wantDrop: true,
		},
		{
			name: "self join still classifies before the self drop",
			mutate: func(m *domain.Message) {
				m.User = botID
				m.Subtype = "group_join"
			},
			wantType: "bot_group_join",
		},
		{
			name:     "no text drops as probable edit",
			mutate:   func(m *domain.Message) { m.Text = "" },
			wantDrop: true,
		},
		{
			name:     "direct channel",
			mutate:   func(m *domain.Message) { m.DirectChannel = true },
			wantType: domain.TypeDirectMessage,
			wantText: "hello there",
		},
		{
			name: "direct channel strips leading mention",
			mutate: func(m *domain.Message) {
				m.DirectChannel = true
				m.Text = "<@B123> hello there"
			},
			wantType: domain.TypeDirectMessage,
			wantText: "hello there",
		},
		{
			name:     "leading mention in shared channel",
			mutate:   func(m *domain.Message) { m.Text = "<@B123> hello there" },
			wantType: domain.TypeDirectMention,
			wantText: "hello there",
		},
		{
			name:     "leading mention with colon",
			mutate:   func(m *domain.Message) { m.Text = "<@B123>: hello there" },
			wantType: domain.TypeDirectMention,
			wantText: "hello there",
		},
		{
			name:     "mid-text mention",
			mutate:   func(m *domain.Message) { m.Text = "I asked <@B123> already" },
			wantType: domain.TypeMention,
			wantText: "I asked <@B123> already",
		},
		{
			name:     "ambient",
			mutate:   func(m *domain.Message) {},
			wantType: domain.TypeAmbient,
			wantText: "hello there",
		},
		{
			name:     "pre-typed slash command passes through",
			mutate:   func(m *domain.Message) { m.Type = domain.TypeSlashCommand },
			wantType: domain.TypeSlashCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{})
			msg := inbound("hello there")
			tt.mutate(msg)

			outcome := c.Classify(msg)
			if tt.wantDrop {
				if outcome.Disposition != Drop {
					t.Fatalf("disposition = %v, want Drop (%s)", outcome.Disposition, outcome.Reason)
				}
				return
			}
			if outcome.Disposition != Dispatch {
				t.Fatalf("disposition = %v, want Dispatch", outcome.Disposition)
			}
			if msg.Type != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type, tt.wantType)
			}
			if tt.wantText != "" && msg.Text != tt.wantText {
				t.Errorf("text = %q, want %q", msg.Text, tt.wantText)
			}
		})
	}
}

func TestKeepColonOption(t *testing.T) {
	c := New(Options{KeepColon: true})
	msg := inbound("<@B123>: hello")
	outcome := c.Classify(msg)
	if outcome.Disposition != Dispatch {
		t.Fatalf("disposition = %v, want Dispatch", outcome.Disposition)
	}
	if msg.Text != ": hello" {
		t.Errorf("text = %q, want %q", msg.Text, ": hello")
	}
}

func TestMentionMatchingIsCaseInsensitive(t *testing.T) {
	c := New(Options{})
	msg := inbound("<@b123> hi")
	c.Classify(msg)
	if msg.Type != domain.TypeDirectMention {
		t.Errorf("type = %q, want direct_mention", msg.Type)
	}
}

func TestRosterFanOut(t *testing.T) {
	c := New(Options{})
	msg := inbound("")
	msg.Type = domain.TypeConversationUpdate
	msg.Joined = []string{"U1", botID}
	msg.Left = []string{"U2"}

	outcome := c.Classify(msg)
	if outcome.Disposition != FanOut {
		t.Fatalf("disposition = %v, want FanOut", outcome.Disposition)
	}
	if len(outcome.Children) != 3 {
		t.Fatalf("children = %d, want 3", len(outcome.Children))
	}

	types := map[string]string{}
	for _, child := range outcome.Children {
		types[child.User] = child.Type
		if child.Text != "" || child.Subtype != "" {
			t.Errorf("child %s carries leftover text/subtype", child.User)
		}
		if len(child.Joined) != 0 || len(child.Left) != 0 {
			t.Errorf("child %s carries roster deltas", child.User)
		}
	}
	if types["U1"] != domain.TypeMemberJoin {
		t.Errorf("U1 type = %q, want member join", types["U1"])
	}
	if types[botID] != domain.TypeBotJoin {
		t.Errorf("bot type = %q, want bot join", types[botID])
	}
	if types["U2"] != domain.TypeMemberLeave {
		t.Errorf("U2 type = %q, want member leave", types["U2"])
	}
}

func TestEmptyRosterUpdateDrops(t *testing.T) {
	c := New(Options{})
	msg := inbound("")
	msg.Type = domain.TypeConversationUpdate
	if outcome := c.Classify(msg); outcome.Disposition != Drop {
		t.Errorf("disposition = %v, want Drop", outcome.Disposition)
	}
}

func TestValidateAddressing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.Message)
		want   middleware.Decision
	}{
		{
			name:   "addressed message passes",
			mutate: func(m *domain.Message) {},
			want:   middleware.Next,
		},
		{
			name:   "missing user drops",
			mutate: func(m *domain.Message) { m.User = "" },
			want:   middleware.Halt,
		},
		{
			name:   "missing channel drops",
			mutate: func(m *domain.Message) { m.Channel = "" },
			want:   middleware.Halt,
		},
		{
			name: "missing reference must not panic",
			mutate: func(m *domain.Message) {
				m.User = ""
				m.Reference = nil
			},
			want: middleware.Halt,
		},
		{
			name: "roster update passes without a user",
			mutate: func(m *domain.Message) {
				m.User = ""
				m.Type = domain.TypeConversationUpdate
			},
			want: middleware.Next,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := inbound("hello")
			tt.mutate(msg)

			dec, err := ValidateAddressing(ctx, &middleware.Frame{Message: msg})
			if err != nil {
				t.Fatal(err)
			}
			if dec != tt.want {
				t.Errorf("decision = %v, want %v", dec, tt.want)
			}
		})
	}

	if dec, err := ValidateAddressing(ctx, &middleware.Frame{}); err != nil || dec != middleware.Halt {
		t.Errorf("nil message: dec=%v err=%v, want Halt nil", dec, err)
	}
}

func TestUnknownBotIdentityStillClassifies(t *testing.T) {
	c := New(Options{})
	msg := inbound("hello")
	msg.Reference.BotID = ""
	outcome := c.Classify(msg)
	if outcome.Disposition != Dispatch || msg.Type != domain.TypeAmbient {
		t.Errorf("got %v/%q, want Dispatch/ambient", outcome.Disposition, msg.Type)
	}
}
