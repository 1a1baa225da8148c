// Package engine runs conversations: it owns the registry of active
// conversations keyed by (user, channel), delivers replies into the
// current ask step, and serializes all cursor mutation per key so two
// near-simultaneous events for the same pair cannot advance the same
// conversation out of order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/logger"
)

const component = "engine"

// Error is a typed error for engine operations.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrActiveExists means a conversation is already active for the
	// (user, channel) pair. Callers must reuse it or replace it
	// explicitly; two active conversations for one pair never coexist.
	ErrActiveExists Error = "an active conversation already exists for this user and channel"
	ErrNotActivatable Error = "conversation could not be activated"
	ErrBadSchedule    Error = "invalid reaper schedule expression"
)

// Transmit sends one step's rendered content to the conversation's
// (user, channel). The controller wires this through the send/format
// middleware stages and the platform adapter.
type Transmit func(ctx context.Context, c *conversation.Conversation, text string) error

// entry pairs a conversation with its per-key delivery lock.
type entry struct {
	mu    sync.Mutex
	convo *conversation.Conversation
}

// Engine is the conversation runtime.
type Engine struct {
	mu     sync.RWMutex
	active map[string]*entry

	events   domain.EventBus
	transmit Transmit
}

// New creates an engine. The event bus receives conversation.started
// and conversation.ended domain events; transmit delivers step content.
func New(events domain.EventBus, transmit Transmit) *Engine {
	return &Engine{
		active:   make(map[string]*entry),
		events:   events,
		transmit: transmit,
	}
}

func key(user, channel string) string { return user + "|" + channel }

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// Create builds an inactive conversation addressed from the source
// message. The caller assembles the script, then calls Begin. Replies
// cannot reach a conversation before Begin, so a partially built script
// never receives one.
func (en *Engine) Create(source *domain.Message) (*conversation.Conversation, error) {
	return conversation.New(source)
}

// Begin activates a conversation, registers it under its (user,
// channel) key, and runs steps until the first ask or completion.
// Returns ErrActiveExists when the pair already has an active
// conversation.
func (en *Engine) Begin(ctx context.Context, c *conversation.Conversation) error {
	k := key(c.User(), c.Channel())

	en.mu.Lock()
	if existing, ok := en.active[k]; ok && existing.convo.IsActive() {
		en.mu.Unlock()
		return ErrActiveExists
	}
	e := &entry{convo: c}
	en.active[k] = e
	en.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.Activate(); err != nil {
		en.unregister(k)
		return fmt.Errorf("%w: %w", ErrNotActivatable, err)
	}
	en.publish(c)

	logger.DebugCF(component, "Conversation started", map[string]interface{}{
		"user":    c.User(),
		"channel": c.Channel(),
	})

	en.run(ctx, c)
	en.settle(k, c)
	return nil
}

// BeginReplacing stops any active conversation for the pair (emitting
// its end event), then begins the new one.
func (en *Engine) BeginReplacing(ctx context.Context, c *conversation.Conversation) error {
	if existing, ok := en.Active(c.User(), c.Channel()); ok {
		en.StopConversation(existing)
	}
	return en.Begin(ctx, c)
}

// Start creates a conversation, hands it to build for scripting, then
// begins it. This is the single-call path for trigger handlers.
func (en *Engine) Start(ctx context.Context, source *domain.Message, build func(*conversation.Conversation) error) (*conversation.Conversation, error) {
	c, err := en.Create(source)
	if err != nil {
		return nil, err
	}
	if build != nil {
		if err := build(c); err != nil {
			return nil, fmt.Errorf("build conversation script: %w", err)
		}
	}
	if err := en.Begin(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Active returns the active conversation for a (user, channel) pair.
func (en *Engine) Active(user, channel string) (*conversation.Conversation, bool) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	e, ok := en.active[key(user, channel)]
	if !ok || !e.convo.IsActive() {
		return nil, false
	}
	return e.convo, true
}

// ActiveCount returns the number of registered active conversations.
func (en *Engine) ActiveCount() int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return len(en.active)
}

// StopConversation force-ends a conversation, emitting its end event.
func (en *Engine) StopConversation(c *conversation.Conversation) {
	k := key(c.User(), c.Channel())

	en.mu.RLock()
	e, ok := en.active[k]
	en.mu.RUnlock()
	if !ok || e.convo != c {
		// Not registered (never begun, or already settled); still honor
		// the stop so end listeners are not starved.
		c.Stop()
		en.publish(c)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.Stop()
	en.settle(k, c)
}

// StopAll ends every active conversation, e.g. during shutdown.
func (en *Engine) StopAll() {
	en.mu.RLock()
	convos := make([]*conversation.Conversation, 0, len(en.active))
	for _, e := range en.active {
		convos = append(convos, e.convo)
	}
	en.mu.RUnlock()

	for _, c := range convos {
		en.StopConversation(c)
	}
}

// ---------------------------------------------------------------------------
// Reply delivery
// ---------------------------------------------------------------------------

// Deliver routes an inbound message to the active conversation for its
// (user, channel) pair, if any. Returns true when the conversation
// claimed the message. Only message-family types participate.
func (en *Engine) Deliver(ctx context.Context, msg *domain.Message) (bool, error) {
	if !domain.MessageFamily(msg.Type) {
		return false, nil
	}

	k := key(msg.User, msg.Channel)
	en.mu.RLock()
	e, ok := en.active[k]
	en.mu.RUnlock()
	if !ok {
		return false, nil
	}

	// Per-key serialization: one reply at a time mutates this
	// conversation's cursor. A racing second event waits here and then
	// re-checks state.
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convo
	if !c.IsActive() {
		en.unregister(k)
		return false, nil
	}

	step, ok := c.CurrentStep()
	if !ok || step.Kind != conversation.StepAsk {
		// Active but not awaiting a reply; do not claim.
		return false, nil
	}

	topicBefore, idxBefore := c.Cursor()
	handled, err := en.deliverToStep(ctx, c, step, msg)
	if err != nil {
		logger.ErrorCF(component, "Reply handler failed", map[string]interface{}{
			"user":  msg.User,
			"error": err.Error(),
		})
	}
	if !handled {
		return false, nil
	}

	c.Touch()
	if c.ConsumeRepeat() {
		en.send(ctx, c, step.Text)
	} else if c.IsActive() {
		if topicAfter, idxAfter := c.Cursor(); topicAfter != topicBefore || idxAfter != idxBefore {
			en.run(ctx, c)
		}
		// Cursor untouched and no repeat: the callback chose to stay
		// suspended on the same ask step.
	}
	en.settle(k, c)
	return true, nil
}

// deliverToStep evaluates the ask step's handlers in order; the first
// matching pattern wins, the default fires when nothing else matches.
func (en *Engine) deliverToStep(ctx context.Context, c *conversation.Conversation, step conversation.Step, msg *domain.Message) (bool, error) {
	var fallback *conversation.ResponseHandler

	for i := range step.Handlers {
		h := &step.Handlers[i]
		if h.Default {
			if fallback == nil {
				fallback = h
			}
			continue
		}
		matched, err := h.Pattern.Match(ctx, msg)
		if err != nil {
			logger.WarnCF(component, "Response pattern error", map[string]interface{}{
				"pattern": h.Pattern.String(),
				"error":   err.Error(),
			})
			continue
		}
		if matched {
			return true, en.invoke(ctx, h, c, msg)
		}
	}

	if fallback == nil {
		// AddQuestion guarantees a default; reaching this point means
		// the step was built outside the aggregate's constructor.
		return false, conversation.ErrNilCallback
	}
	return true, en.invoke(ctx, fallback, c, msg)
}

func (en *Engine) invoke(ctx context.Context, h *conversation.ResponseHandler, c *conversation.Conversation, msg *domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("response handler panic: %v", r)
		}
	}()
	if h.Capture != "" {
		c.SetVar(h.Capture, msg.Text)
	}
	return h.Callback(ctx, msg, c)
}

// ---------------------------------------------------------------------------
// Step execution
// ---------------------------------------------------------------------------

// run sends steps from the cursor forward until the conversation
// suspends on an ask or reaches a terminal state. Caller holds the
// entry lock.
func (en *Engine) run(ctx context.Context, c *conversation.Conversation) {
	for c.IsActive() {
		step, ok := c.CurrentStep()
		if !ok {
			// Empty topic: advancing completes the conversation.
			c.Next()
			continue
		}
		en.send(ctx, c, step.Text)
		c.Touch()
		if step.Kind == conversation.StepAsk {
			return
		}
		c.Next()
	}
}

// send renders and transmits one step's content. Transport errors are
// surfaced to the log and do not abort the conversation.
func (en *Engine) send(ctx context.Context, c *conversation.Conversation, text string) {
	if en.transmit == nil {
		return
	}
	if err := en.transmit(ctx, c, c.RenderText(text)); err != nil {
		logger.ErrorCF(component, "Step send failed", map[string]interface{}{
			"user":    c.User(),
			"channel": c.Channel(),
			"error":   err.Error(),
		})
	}
}

// settle publishes pending domain events and unregisters the
// conversation once terminal. The end event (with captured variables)
// is published before the aggregate becomes garbage-eligible.
func (en *Engine) settle(k string, c *conversation.Conversation) {
	en.publish(c)
	if c.Status().Terminal() {
		en.unregister(k)
		logger.DebugCF(component, "Conversation ended", map[string]interface{}{
			"user":   c.User(),
			"status": c.Status().String(),
		})
	}
}

func (en *Engine) publish(c *conversation.Conversation) {
	if en.events == nil {
		c.PullEvents()
		return
	}
	for _, ev := range c.PullEvents() {
		en.events.Publish(ev)
	}
}

func (en *Engine) unregister(k string) {
	en.mu.Lock()
	delete(en.active, k)
	en.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Idle reaper
// ---------------------------------------------------------------------------

// Reap stops every active conversation idle for longer than idleFor,
// emitting the usual end event so listeners are not starved. Returns
// the number of conversations stopped.
func (en *Engine) Reap(idleFor time.Duration) int {
	en.mu.RLock()
	stale := make([]*conversation.Conversation, 0)
	now := time.Now().UTC()
	for _, e := range en.active {
		if now.Sub(e.convo.LastActiveAt().Time) > idleFor {
			stale = append(stale, e.convo)
		}
	}
	en.mu.RUnlock()

	for _, c := range stale {
		en.StopConversation(c)
	}
	return len(stale)
}

// RunReaper periodically reaps idle conversations whenever the cron
// schedule is due. Blocks until the context is canceled.
func (en *Engine) RunReaper(ctx context.Context, schedule string, idleFor time.Duration) error {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return fmt.Errorf("%w: %q", ErrBadSchedule, schedule)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	logger.InfoCF(component, "Idle reaper running", map[string]interface{}{
		"schedule": schedule,
		"idle_for": idleFor.String(),
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := g.IsDue(schedule, time.Now())
			if err != nil || !due {
				continue
			}
			if n := en.Reap(idleFor); n > 0 {
				logger.InfoCF(component, "Reaped idle conversations", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}
