package controller

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botloom/loom/pkg/classify"
	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/infrastructure/eventbus"
	"github.com/botloom/loom/pkg/middleware"
	"github.com/botloom/loom/pkg/platform"
)

const botID = "B1"

// fakeAdapter records outbound sends; inbound messages in tests are
// built canonical, so Normalize passes them through.
type fakeAdapter struct {
	mu   sync.Mutex
	sent []*domain.Outbound
}

var _ platform.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) Type() domain.ChannelType { return domain.ChannelConsole }

func (a *fakeAdapter) Start(ctx context.Context, sink platform.Sink) error {
	<-ctx.Done()
	return nil
}

func (a *fakeAdapter) Normalize(msg *domain.Message) error { return nil }

func (a *fakeAdapter) Send(ctx context.Context, out *domain.Outbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, out)
	return nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, o := range a.sent {
		out[i] = o.Text
	}
	return out
}

func newController(t *testing.T) (*Controller, *fakeAdapter) {
	t.Helper()
	ctl := New(Options{Events: eventbus.New()})
	adapter := &fakeAdapter{}
	ctl.RegisterAdapter(adapter)
	return ctl, adapter
}

func inbound(user, channel, text string) *domain.Message {
	m := domain.NewMessage(domain.ChannelConsole, nil)
	m.Reference.BotID = botID
	m.User = user
	m.Channel = channel
	m.Text = text
	return m
}

func TestHearsMatchesClassifiedMessage(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	var got *domain.Message
	require.NoError(t, ctl.Hears([]string{"^hello$"}, []string{domain.TypeDirectMention},
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			got = msg
			return Stop, nil
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "<@B1> hello")))

	require.NotNil(t, got, "trigger should fire")
	assert.Equal(t, "hello", got.Text, "mention token must be stripped before matching")
	assert.Equal(t, domain.TypeDirectMention, got.Type)
}

func TestHearsTypeGate(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	fired := false
	require.NoError(t, ctl.Hears([]string{"hello"}, []string{domain.TypeDirectMessage},
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			fired = true
			return Stop, nil
		}))

	// Ambient chatter does not satisfy a direct_message gate.
	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "hello world")))
	assert.False(t, fired)

	direct := inbound("ada", "lab", "hello world")
	direct.DirectChannel = true
	require.NoError(t, ctl.Dispatch(ctx, direct))
	assert.True(t, fired)
}

func TestFirstMatchingTriggerWins(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	var order []string
	add := func(name, pattern string) {
		require.NoError(t, ctl.Hears([]string{pattern}, nil,
			func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
				order = append(order, name)
				return Stop, nil
			}))
	}
	add("broad", "hel")
	add("exact", "^hello$")

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "hello")))
	assert.Equal(t, []string{"broad"}, order)
}

func TestTriggerCapturesSubmatches(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	var matches []string
	require.NoError(t, ctl.Hears([]string{`^deploy (\w+)$`}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			matches = msg.Matches
			return Stop, nil
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "deploy api")))
	require.Len(t, matches, 2)
	assert.Equal(t, "api", matches[1])
}

func TestSelfAuthoredMessagesDrop(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	fired := false
	require.NoError(t, ctl.Hears([]string{".*"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			fired = true
			return Stop, nil
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound(botID, "lab", "echoed text")))
	assert.False(t, fired)
}

func TestOnListenerChainStopsOnStop(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	var order []string
	ctl.On([]string{domain.TypeAmbient}, func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
		order = append(order, "first")
		return Stop, nil
	})
	ctl.On([]string{domain.TypeAmbient}, func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
		order = append(order, "second")
		return Continue, nil
	})

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "just chatting")))
	assert.Equal(t, []string{"first"}, order)
}

func TestHearsShadowsEventListeners(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	heard, listened := false, false
	require.NoError(t, ctl.Hears([]string{"hello"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			heard = true
			return Stop, nil
		}))
	ctl.On([]string{domain.TypeAmbient}, func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
		listened = true
		return Continue, nil
	})

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "hello")))
	assert.True(t, heard)
	assert.False(t, listened, "pattern trigger must preempt event listeners")
}

func TestRosterFanOutRoutesChildren(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	var joined []string
	ctl.On([]string{domain.TypeMemberJoin}, func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
		joined = append(joined, msg.User)
		return Continue, nil
	})

	update := inbound("", "lab", "")
	update.Type = domain.TypeConversationUpdate
	update.Joined = []string{"U1", "U2"}

	require.NoError(t, ctl.Dispatch(ctx, update))
	assert.ElementsMatch(t, []string{"U1", "U2"}, joined)
}

func TestConversationEndToEnd(t *testing.T) {
	events := eventbus.New()
	ctl := New(Options{Events: events})
	adapter := &fakeAdapter{}
	ctl.RegisterAdapter(adapter)
	ctx := context.Background()

	var ended []conversation.EndResult
	events.Subscribe(domain.EventConversationEnded, func(ev domain.Event) {
		if r, ok := ev.Payload().(conversation.EndResult); ok {
			ended = append(ended, r)
		}
	})

	require.NoError(t, ctl.Hears([]string{"^start$"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			_, err := w.StartConversation(ctx, msg, func(c *conversation.Conversation) error {
				c.Say("welcome")
				if err := c.Ask("what is your name?", conversation.ResponseHandler{
					Default: true, Capture: "name",
					Callback: func(ctx context.Context, reply *domain.Message, c *conversation.Conversation) error {
						c.Next()
						return nil
					},
				}); err != nil {
					return err
				}
				c.Say("hi {{vars.name}}")
				return nil
			})
			return Stop, err
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "start")))
	assert.Equal(t, []string{"welcome", "what is your name?"}, adapter.texts())

	// The reply is claimed by the conversation, not by triggers.
	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "Ada")))
	assert.Equal(t, []string{"welcome", "what is your name?", "hi Ada"}, adapter.texts())

	require.Len(t, ended, 1)
	assert.Equal(t, conversation.StatusCompleted, ended[0].Status)
	assert.Equal(t, "Ada", ended[0].Vars["name"])
}

func TestInterruptsPreemptConversation(t *testing.T) {
	ctl, adapter := newController(t)
	ctx := context.Background()

	require.NoError(t, ctl.Interrupts([]string{"^help$"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			return Stop, w.Reply(ctx, msg, "help text")
		}))
	require.NoError(t, ctl.Hears([]string{"^start$"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			_, err := w.StartConversation(ctx, msg, func(c *conversation.Conversation) error {
				return c.Ask("question?")
			})
			return Stop, err
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "start")))
	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "help")))

	assert.Equal(t, []string{"question?", "help text"}, adapter.texts())
	// The conversation is still suspended on its ask step.
	_, active := ctl.Engine().Active("ada", "lab")
	assert.True(t, active)
}

func TestReceiveMiddlewareCanHaltRouting(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	fired := false
	require.NoError(t, ctl.Hears([]string{".*"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			fired = true
			return Stop, nil
		}))
	ctl.Middleware().Use(middleware.StageReceive,
		func(ctx context.Context, f *middleware.Frame) (middleware.Decision, error) {
			return middleware.Halt, nil
		})

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "anything")))
	assert.False(t, fired)
}

func TestSendRunsOutboundStages(t *testing.T) {
	ctl, adapter := newController(t)
	ctx := context.Background()

	ctl.Middleware().Use(middleware.StageSend,
		func(ctx context.Context, f *middleware.Frame) (middleware.Decision, error) {
			f.Outbound.Text = f.Outbound.Text + "!"
			return middleware.Next, nil
		})

	require.NoError(t, ctl.Send(ctx, &domain.Outbound{
		Platform: domain.ChannelConsole,
		Channel:  "lab",
		Text:     "hi",
	}))
	assert.Equal(t, []string{"hi!"}, adapter.texts())
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	ctl, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, ctl.Hears([]string{".*"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			panic("handler bug")
		}))

	err := ctl.Dispatch(ctx, inbound("ada", "lab", "boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch panic")
}

func TestClassifyOptionsPropagate(t *testing.T) {
	ctl := New(Options{Classify: classify.Options{KeepColon: true}})
	adapter := &fakeAdapter{}
	ctl.RegisterAdapter(adapter)
	ctx := context.Background()

	var got string
	require.NoError(t, ctl.Hears([]string{".*"}, nil,
		func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error) {
			got = msg.Text
			return Stop, nil
		}))

	require.NoError(t, ctl.Dispatch(ctx, inbound("ada", "lab", "<@B1>: hi")))
	assert.Equal(t, ": hi", got)
}
