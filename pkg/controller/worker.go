package controller

import (
	"context"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/middleware"
	"github.com/botloom/loom/pkg/platform"
)

// Worker is the per-dispatch bot instance handed to trigger handlers.
// It binds the controller to one adapter and one bot identity, so
// handlers can reply without knowing which platform they are on.
type Worker struct {
	ctl     *Controller
	adapter platform.Adapter
	ref     *domain.Reference
}

var _ middleware.Actor = (*Worker)(nil)

func newWorker(ctl *Controller, adapter platform.Adapter, ref *domain.Reference) *Worker {
	return &Worker{ctl: ctl, adapter: adapter, ref: ref}
}

// Platform identifies the channel type this worker serves.
func (w *Worker) Platform() domain.ChannelType { return w.adapter.Type() }

// Reference returns the bot identity for this dispatch.
func (w *Worker) Reference() *domain.Reference { return w.ref }

// Reply sends text back to the channel the message arrived on.
func (w *Worker) Reply(ctx context.Context, msg *domain.Message, text string) error {
	return w.ctl.Send(ctx, &domain.Outbound{
		Platform: w.Platform(),
		Channel:  msg.Channel,
		User:     msg.User,
		Text:     text,
	})
}

// Say delivers an outbound message, filling in the platform when the
// caller left it unset.
func (w *Worker) Say(ctx context.Context, out *domain.Outbound) error {
	if out.Platform == "" {
		out.Platform = w.Platform()
	}
	return w.ctl.Send(ctx, out)
}

// StartConversation scripts and begins a conversation with the sender
// of the source message. Fails with engine.ErrActiveExists when the
// (user, channel) pair already has an active conversation.
func (w *Worker) StartConversation(ctx context.Context, source *domain.Message, build func(*conversation.Conversation) error) (*conversation.Conversation, error) {
	return w.ctl.engine.Start(ctx, source, build)
}

// ReplaceConversation stops any active conversation for the pair, then
// scripts and begins a new one.
func (w *Worker) ReplaceConversation(ctx context.Context, source *domain.Message, build func(*conversation.Conversation) error) (*conversation.Conversation, error) {
	c, err := w.ctl.engine.Create(source)
	if err != nil {
		return nil, err
	}
	if build != nil {
		if err := build(c); err != nil {
			return nil, err
		}
	}
	if err := w.ctl.engine.BeginReplacing(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
