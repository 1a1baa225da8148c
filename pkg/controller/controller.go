// Package controller implements the dispatcher that connects platform
// adapters, the middleware pipeline, the trigger router, and the
// conversation engine. One controller serves all registered platforms.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/botloom/loom/pkg/bus"
	"github.com/botloom/loom/pkg/classify"
	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/engine"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/match"
	"github.com/botloom/loom/pkg/middleware"
	"github.com/botloom/loom/pkg/platform"
)

const component = "controller"

// Result tells the router whether to keep evaluating handlers after the
// current one returns.
type Result int

const (
	// Continue lets later handlers on the same event type run.
	Continue Result = iota
	// Stop halts the handler chain for this message.
	Stop
)

// Handler processes a routed message. The worker carries the adapter
// and bot identity needed to reply or start a conversation.
type Handler func(ctx context.Context, w *Worker, msg *domain.Message) (Result, error)

// trigger is one pattern-gated route. A trigger fires when the message
// type is accepted and any pattern matches.
type trigger struct {
	patterns []*match.Pattern
	types    map[string]bool
	handler  Handler
}

func (t *trigger) acceptsType(msgType string) bool {
	if len(t.types) == 0 {
		return domain.MessageFamily(msgType)
	}
	return t.types[msgType]
}

func (t *trigger) match(ctx context.Context, msg *domain.Message) (bool, *match.Pattern, error) {
	for _, p := range t.patterns {
		ok, err := p.Match(ctx, msg)
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, p, nil
		}
	}
	return false, nil, nil
}

// Options configure a controller.
type Options struct {
	// Classify controls categorization rule variants.
	Classify classify.Options
	// Events receives domain events. Optional.
	Events domain.EventBus
	// Bus carries traffic between adapters and the dispatch loop. A
	// private bus is created when nil.
	Bus *bus.MessageBus
}

// Controller is the shared dispatcher.
type Controller struct {
	pipeline   *middleware.Pipeline
	classifier *classify.Classifier
	engine     *engine.Engine
	events     domain.EventBus
	bus        *bus.MessageBus

	mu         sync.RWMutex
	adapters   map[domain.ChannelType]platform.Adapter
	hears      []*trigger
	interrupts []*trigger
	listeners  map[string][]Handler
}

// New creates a controller. The categorize stage is pre-loaded with the
// classifier; callers add their own middleware afterwards.
func New(opts Options) *Controller {
	ct := &Controller{
		pipeline:   middleware.New(),
		classifier: classify.New(opts.Classify),
		events:     opts.Events,
		bus:        opts.Bus,
		adapters:   make(map[domain.ChannelType]platform.Adapter),
		listeners:  make(map[string][]Handler),
	}
	if ct.bus == nil {
		ct.bus = bus.New()
	}
	ct.engine = engine.New(opts.Events, ct.transmit)
	ct.pipeline.Use(middleware.StageCategorize, ct.classifier.Middleware())
	return ct
}

// Middleware exposes the pipeline for stage registration.
func (ct *Controller) Middleware() *middleware.Pipeline { return ct.pipeline }

// Engine exposes the conversation runtime.
func (ct *Controller) Engine() *engine.Engine { return ct.engine }

// Bus exposes the message bus, e.g. for observability taps.
func (ct *Controller) Bus() *bus.MessageBus { return ct.bus }

// RegisterAdapter makes a platform adapter available for dispatch and
// outbound delivery. One adapter per channel type.
func (ct *Controller) RegisterAdapter(a platform.Adapter) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.adapters[a.Type()] = a
}

func (ct *Controller) adapter(t domain.ChannelType) (platform.Adapter, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	a, ok := ct.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownChannel, t)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Trigger registration
// ---------------------------------------------------------------------------

// Hears registers a handler fired when an ordinary (non-interrupting)
// message matches any of the string patterns. Patterns compile as
// case-insensitive regular expressions. An empty type list accepts the
// whole message family.
func (ct *Controller) Hears(patterns []string, types []string, h Handler) error {
	pats, err := compile(patterns)
	if err != nil {
		return err
	}
	ct.addTrigger(&ct.hears, pats, types, h)
	return nil
}

// HearsMatcher is Hears for pre-built patterns, including predicates.
func (ct *Controller) HearsMatcher(patterns []*match.Pattern, types []string, h Handler) {
	ct.addTrigger(&ct.hears, patterns, types, h)
}

// Interrupts registers a handler evaluated before active conversations,
// so commands like "help" or "quit" work mid-dialog.
func (ct *Controller) Interrupts(patterns []string, types []string, h Handler) error {
	pats, err := compile(patterns)
	if err != nil {
		return err
	}
	ct.addTrigger(&ct.interrupts, pats, types, h)
	return nil
}

// InterruptsMatcher is Interrupts for pre-built patterns.
func (ct *Controller) InterruptsMatcher(patterns []*match.Pattern, types []string, h Handler) {
	ct.addTrigger(&ct.interrupts, patterns, types, h)
}

// On registers a handler for one or more message types, fired when no
// pattern trigger claimed the message. Handlers run in registration
// order until one returns Stop.
func (ct *Controller) On(types []string, h Handler) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, t := range types {
		ct.listeners[t] = append(ct.listeners[t], h)
	}
}

func (ct *Controller) addTrigger(list *[]*trigger, pats []*match.Pattern, types []string, h Handler) {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	*list = append(*list, &trigger{patterns: pats, types: typeSet, handler: h})
}

func compile(patterns []string) ([]*match.Pattern, error) {
	out := make([]*match.Pattern, 0, len(patterns))
	for _, s := range patterns {
		p, err := match.Literal(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// Dispatch runs one inbound message through the full pipeline and
// routing order. Panics in handlers are contained to the dispatch.
func (ct *Controller) Dispatch(ctx context.Context, msg *domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
			logger.ErrorCF(component, "Dispatch panicked", map[string]interface{}{
				"type":  msg.Type,
				"error": err.Error(),
			})
		}
	}()

	if msg.Reference == nil {
		return fmt.Errorf("message has no reference")
	}
	adapter, err := ct.adapter(msg.Reference.Platform)
	if err != nil {
		return err
	}
	ct.publish(domain.NewEvent(domain.EventMessageReceived, msg.ID, map[string]string{
		"platform": msg.Reference.Platform.String(),
	}))

	w := newWorker(ct, adapter, msg.Reference)
	f := &middleware.Frame{Actor: w, Message: msg}

	if dec, err := ct.pipeline.Run(ctx, middleware.StageSpawn, f); dec == middleware.Halt || err != nil {
		return err
	}
	if dec, err := ct.pipeline.Run(ctx, middleware.StageIngest, f); dec == middleware.Halt || err != nil {
		return err
	}

	if err := adapter.Normalize(msg); err != nil {
		return fmt.Errorf("normalize %s payload: %w", adapter.Type(), err)
	}
	if dec, err := ct.pipeline.Run(ctx, middleware.StageNormalize, f); dec == middleware.Halt || err != nil {
		return err
	}
	if dec, err := classify.ValidateAddressing(ctx, f); dec == middleware.Halt || err != nil {
		ct.publish(domain.NewEvent(domain.EventMessageDropped, msg.ID, map[string]string{
			"reason": "unaddressable",
		}))
		return err
	}

	if dec, err := ct.pipeline.Run(ctx, middleware.StageCategorize, f); dec == middleware.Halt || err != nil {
		if err != nil {
			return err
		}
		// A halted categorize stage is either a drop or a fan-out. The
		// synthetic children re-enter routing individually.
		for _, child := range f.Fanout {
			cf := &middleware.Frame{Actor: w, Message: child}
			if routeErr := ct.route(ctx, w, cf); routeErr != nil {
				logger.ErrorCF(component, "Fan-out routing failed", map[string]interface{}{
					"type":  child.Type,
					"error": routeErr.Error(),
				})
			}
		}
		if len(f.Fanout) == 0 {
			ct.publish(domain.NewEvent(domain.EventMessageDropped, msg.ID, map[string]string{
				"reason": "categorize",
			}))
		}
		return nil
	}

	return ct.route(ctx, w, f)
}

// route applies the dispatch precedence to a fully classified message:
// interrupts first, then the active conversation for the (user,
// channel) pair, then receive middleware, then ordinary triggers, then
// plain event listeners.
func (ct *Controller) route(ctx context.Context, w *Worker, f *middleware.Frame) error {
	msg := f.Message

	ct.mu.RLock()
	interrupts := ct.interrupts
	hears := ct.hears
	ct.mu.RUnlock()

	if fired, err := ct.fire(ctx, w, msg, interrupts); fired {
		return err
	}

	if claimed, err := ct.engine.Deliver(ctx, msg); claimed {
		return err
	}

	if dec, err := ct.pipeline.Run(ctx, middleware.StageReceive, f); dec == middleware.Halt || err != nil {
		return err
	}

	if fired, err := ct.fire(ctx, w, msg, hears); fired {
		return err
	}

	ct.Trigger(ctx, w, msg)
	return nil
}

// fire evaluates triggers in registration order; the first whose type
// gate and pattern both accept the message wins.
func (ct *Controller) fire(ctx context.Context, w *Worker, msg *domain.Message, triggers []*trigger) (bool, error) {
	for _, t := range triggers {
		if !t.acceptsType(msg.Type) {
			continue
		}
		ok, p, err := t.match(ctx, msg)
		if err != nil {
			logger.WarnCF(component, "Trigger pattern error", map[string]interface{}{
				"type":  msg.Type,
				"error": err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		msg.Matches = p.FindSubmatch(msg)
		_, err = t.handler(ctx, w, msg)
		return true, err
	}
	return false, nil
}

// Trigger runs the plain event listeners for the message's type, in
// registration order, until one returns Stop. Returns whether any
// listener ran.
func (ct *Controller) Trigger(ctx context.Context, w *Worker, msg *domain.Message) bool {
	ct.mu.RLock()
	handlers := ct.listeners[msg.Type]
	ct.mu.RUnlock()

	for _, h := range handlers {
		res, err := h(ctx, w, msg)
		if err != nil {
			logger.ErrorCF(component, "Event handler failed", map[string]interface{}{
				"type":  msg.Type,
				"error": err.Error(),
			})
		}
		if res == Stop {
			break
		}
	}
	return len(handlers) > 0
}

// ---------------------------------------------------------------------------
// Outbound delivery
// ---------------------------------------------------------------------------

// Send runs an outbound message through the send and format stages,
// then delivers it via the platform adapter. A Halt from either stage
// suppresses the send without error.
func (ct *Controller) Send(ctx context.Context, out *domain.Outbound) error {
	adapter, err := ct.adapter(out.Platform)
	if err != nil {
		return err
	}

	f := &middleware.Frame{Outbound: out}
	if dec, err := ct.pipeline.Run(ctx, middleware.StageSend, f); dec == middleware.Halt || err != nil {
		return err
	}
	if dec, err := ct.pipeline.Run(ctx, middleware.StageFormat, f); dec == middleware.Halt || err != nil {
		return err
	}

	if err := adapter.Send(ctx, out); err != nil {
		return fmt.Errorf("send via %s: %w", out.Platform, err)
	}
	ct.bus.PublishOutbound(out)
	ct.publish(domain.NewEvent(domain.EventMessageSent, domain.EntityID(out.Channel), map[string]string{
		"platform": out.Platform.String(),
	}))
	return nil
}

// transmit is the conversation engine's delivery hook: step content is
// addressed from the conversation's source message and goes through the
// same outbound stages as any reply.
func (ct *Controller) transmit(ctx context.Context, c *conversation.Conversation, text string) error {
	out := &domain.Outbound{
		Platform: c.Source.Reference.Platform,
		Channel:  c.Channel(),
		User:     c.User(),
		Text:     text,
	}
	return ct.Send(ctx, out)
}

// publish forwards a domain event when an event bus is configured.
func (ct *Controller) publish(ev domain.Event) {
	if ct.events != nil {
		ct.events.Publish(ev)
	}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run starts every registered adapter and consumes the inbound queue
// until the context is canceled. Each dispatch runs on its own
// goroutine; per-conversation ordering is enforced by the engine.
func (ct *Controller) Run(ctx context.Context) error {
	ct.mu.RLock()
	adapters := make([]platform.Adapter, 0, len(ct.adapters))
	for _, a := range ct.adapters {
		adapters = append(adapters, a)
	}
	ct.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a platform.Adapter) {
			defer wg.Done()
			ct.publish(domain.NewEvent(domain.EventAdapterConnected, domain.EntityID(a.Type()), nil))
			if err := a.Start(ctx, ct.Ingest); err != nil && ctx.Err() == nil {
				logger.ErrorCF(component, "Adapter stopped", map[string]interface{}{
					"platform": a.Type().String(),
					"error":    err.Error(),
				})
				ct.publish(domain.NewEvent(domain.EventAdapterError, domain.EntityID(a.Type()), map[string]string{
					"error": err.Error(),
				}))
			}
			ct.publish(domain.NewEvent(domain.EventAdapterDisconnected, domain.EntityID(a.Type()), nil))
		}(a)
	}

	logger.InfoCF(component, "Dispatch loop running", map[string]interface{}{
		"adapters": len(adapters),
	})

	for {
		msg, ok := ct.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		go func(m *domain.Message) {
			if err := ct.Dispatch(ctx, m); err != nil {
				logger.ErrorCF(component, "Dispatch failed", map[string]interface{}{
					"type":  m.Type,
					"error": err.Error(),
				})
			}
		}(msg)
	}

	ct.engine.StopAll()
	wg.Wait()
	return ctx.Err()
}

// Ingest queues a canonical message shell for dispatch. Adapters use
// this as their sink.
func (ct *Controller) Ingest(msg *domain.Message) {
	ct.bus.PublishInbound(msg)
}

// Shutdown ends all conversations and closes the bus.
func (ct *Controller) Shutdown() {
	ct.engine.StopAll()
	ct.bus.Close()
}
