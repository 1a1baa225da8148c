// Package conversation defines the Conversation bounded context: a
// scripted multi-turn exchange with one (user, channel) pair, built
// from named topics of say/ask steps with captured variables.
//
// The aggregate holds script structure, cursor, and state transitions.
// Delivery of replies, sending of step content, and per-key
// serialization live in the engine package.
package conversation

import (
	"context"
	"regexp"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/match"
)

// DefaultTopic is the implicit topic used by Say and Ask.
const DefaultTopic = "default"

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether the conversation has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// StepKind discriminates say steps from ask steps.
type StepKind string

const (
	// StepSay sends content and advances.
	StepSay StepKind = "say"
	// StepAsk sends content, then suspends awaiting a matching reply.
	StepAsk StepKind = "ask"
)

// Callback handles a reply delivered into an ask step. It must drive
// the conversation explicitly via Next, Repeat, ChangeTopic, or Stop;
// the engine never auto-advances.
type Callback func(ctx context.Context, reply *domain.Message, c *Conversation) error

// ResponseHandler pairs a pattern with a callback for one ask step.
type ResponseHandler struct {
	// Pattern is nil for the default handler, which always matches.
	Pattern *match.Pattern
	// Default marks the mandatory catch-all. Exactly one per ask step.
	Default bool
	// Capture, when set, stores the raw reply text under this variable
	// key before the callback runs.
	Capture string
	Callback Callback
}

// Step is one entry in a topic's script.
type Step struct {
	Kind     StepKind
	Text     string
	Handlers []ResponseHandler
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a typed error for conversation configuration and state.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotActive        Error = "conversation is not active"
	ErrAlreadyActive    Error = "conversation is already active"
	ErrAlreadyEnded     Error = "conversation has already ended"
	ErrUnknownTopic     Error = "unknown topic"
	ErrMultipleDefaults Error = "ask step declares more than one default handler"
	ErrNilCallback      Error = "response handler requires a callback"
	ErrNilPattern       Error = "non-default response handler requires a pattern"
	ErrNoSource         Error = "conversation requires a source message"
)

// ---------------------------------------------------------------------------
// Conversation aggregate
// ---------------------------------------------------------------------------

// EndResult is the payload of the conversation.ended domain event. It
// stays readable after the aggregate is discarded.
type EndResult struct {
	Status Status            `json:"status"`
	Vars   map[string]string `json:"vars,omitempty"`
	User   string            `json:"user"`
	Channel string           `json:"channel"`
}

// Conversation is the aggregate root for one scripted exchange.
type Conversation struct {
	domain.AggregateRoot

	// Source is the canonical message that triggered the conversation;
	// its (user, channel) pair is the affinity key.
	Source *domain.Message

	status Status
	topics map[string][]Step

	topic string
	step  int

	vars map[string]string

	repeatRequested bool

	lastActiveAt domain.Timestamp
	createdAt    domain.Timestamp
}

// New creates an inactive conversation addressed to the (user, channel)
// of the source message. Callers build the script with AddMessage and
// AddQuestion, then call Activate.
func New(source *domain.Message) (*Conversation, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	c := &Conversation{
		Source:    source,
		status:    StatusInactive,
		topics:    map[string][]Step{DefaultTopic: nil},
		topic:     DefaultTopic,
		vars:      make(map[string]string),
		createdAt: domain.Now(),
	}
	c.SetID(domain.NewID())
	return c, nil
}

// User returns the affinity user identifier.
func (c *Conversation) User() string { return c.Source.User }

// Channel returns the affinity channel identifier.
func (c *Conversation) Channel() string { return c.Source.Channel }

// Status returns the lifecycle state.
func (c *Conversation) Status() Status { return c.status }

// IsActive reports whether the conversation claims inbound messages.
func (c *Conversation) IsActive() bool { return c.status == StatusActive }

// LastActiveAt returns the time of the last send or delivered reply,
// used by the idle reaper.
func (c *Conversation) LastActiveAt() domain.Timestamp { return c.lastActiveAt }

// Touch records activity. Called by the engine on every send/delivery.
func (c *Conversation) Touch() { c.lastActiveAt = domain.Now() }

// ---------------------------------------------------------------------------
// Script construction
// ---------------------------------------------------------------------------

// AddMessage appends a say step to a topic, creating the topic if absent.
func (c *Conversation) AddMessage(text, topic string) {
	if topic == "" {
		topic = DefaultTopic
	}
	c.topics[topic] = append(c.topics[topic], Step{Kind: StepSay, Text: text})
}

// AddQuestion appends an ask step to a topic. The handler list must
// contain at most one default; if none is supplied, one that simply
// advances is synthesized so the conversation can never wedge on an
// unmatched reply.
func (c *Conversation) AddQuestion(text string, handlers []ResponseHandler, topic string) error {
	if topic == "" {
		topic = DefaultTopic
	}

	defaults := 0
	for _, h := range handlers {
		if h.Callback == nil {
			return ErrNilCallback
		}
		if h.Default {
			defaults++
			continue
		}
		if h.Pattern == nil {
			return ErrNilPattern
		}
	}
	if defaults > 1 {
		return ErrMultipleDefaults
	}
	if defaults == 0 {
		handlers = append(handlers, ResponseHandler{
			Default: true,
			Callback: func(ctx context.Context, reply *domain.Message, c *Conversation) error {
				c.Next()
				return nil
			},
		})
	}

	c.topics[topic] = append(c.topics[topic], Step{Kind: StepAsk, Text: text, Handlers: handlers})
	return nil
}

// Say appends a say step to the default topic.
func (c *Conversation) Say(text string) {
	c.AddMessage(text, DefaultTopic)
}

// Ask appends an ask step to the default topic.
func (c *Conversation) Ask(text string, handlers ...ResponseHandler) error {
	return c.AddQuestion(text, handlers, DefaultTopic)
}

// Topics returns the names of all defined topics.
func (c *Conversation) Topics() []string {
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	return names
}

// HasTopic reports whether a topic exists.
func (c *Conversation) HasTopic(name string) bool {
	_, ok := c.topics[name]
	return ok
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Activate transitions INACTIVE → ACTIVE. A fully built script is
// required; activating twice is an error.
func (c *Conversation) Activate() error {
	switch c.status {
	case StatusActive:
		return ErrAlreadyActive
	case StatusCompleted, StatusStopped:
		return ErrAlreadyEnded
	}
	c.status = StatusActive
	c.Touch()
	c.RecordEvent(domain.NewEvent(domain.EventConversationStarted, c.ID(), map[string]string{
		"user":    c.User(),
		"channel": c.Channel(),
	}))
	return nil
}

// Stop force-transitions to STOPPED and records the end event. Callers
// can distinguish cancellation from completion via Status.
func (c *Conversation) Stop() {
	if c.status.Terminal() {
		return
	}
	c.status = StatusStopped
	c.recordEnd()
}

// complete transitions to COMPLETED once the cursor runs past the last
// step of the current topic.
func (c *Conversation) complete() {
	if c.status.Terminal() {
		return
	}
	c.status = StatusCompleted
	c.recordEnd()
}

func (c *Conversation) recordEnd() {
	c.RecordEvent(domain.NewEvent(domain.EventConversationEnded, c.ID(), EndResult{
		Status:  c.status,
		Vars:    c.Vars(),
		User:    c.User(),
		Channel: c.Channel(),
	}))
}

// ---------------------------------------------------------------------------
// Cursor control — called from ask callbacks and the engine
// ---------------------------------------------------------------------------

// CurrentStep returns the step under the cursor. ok is false when the
// cursor is past the end of the current topic.
func (c *Conversation) CurrentStep() (Step, bool) {
	steps := c.topics[c.topic]
	if c.step < 0 || c.step >= len(steps) {
		return Step{}, false
	}
	return steps[c.step], true
}

// Cursor returns the current (topic, step index) pair.
func (c *Conversation) Cursor() (string, int) { return c.topic, c.step }

// Next advances the cursor within the current topic. Past the last step
// the conversation transitions to COMPLETED and the end event fires.
func (c *Conversation) Next() {
	if c.status != StatusActive {
		return
	}
	c.step++
	if c.step >= len(c.topics[c.topic]) {
		c.complete()
	}
}

// Repeat asks the engine to re-send the current step's content without
// advancing the cursor. A subsequent reply is evaluated against the
// same ask step's handlers.
func (c *Conversation) Repeat() {
	if c.status != StatusActive {
		return
	}
	c.repeatRequested = true
}

// ConsumeRepeat returns and clears the repeat request. Engine use only.
func (c *Conversation) ConsumeRepeat() bool {
	r := c.repeatRequested
	c.repeatRequested = false
	return r
}

// ChangeTopic resets the cursor to the start of another topic, used for
// branching scripts.
func (c *Conversation) ChangeTopic(name string) error {
	if c.status != StatusActive {
		return ErrNotActive
	}
	if !c.HasTopic(name) {
		return ErrUnknownTopic
	}
	c.topic = name
	c.step = 0
	return nil
}

// ---------------------------------------------------------------------------
// Captured variables
// ---------------------------------------------------------------------------

// SetVar stores a captured variable.
func (c *Conversation) SetVar(key, value string) {
	c.vars[key] = value
}

// Var returns a captured variable, or empty string if unset.
func (c *Conversation) Var(key string) string { return c.vars[key] }

// Vars returns a copy of all captured variables.
func (c *Conversation) Vars() map[string]string {
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

var varToken = regexp.MustCompile(`\{\{\s*vars\.([A-Za-z0-9_]+)\s*\}\}`)

// RenderText substitutes {{vars.key}} tokens in step content with
// captured variables. Unknown keys render as empty strings.
func (c *Conversation) RenderText(text string) string {
	return varToken.ReplaceAllStringFunc(text, func(tok string) string {
		m := varToken.FindStringSubmatch(tok)
		return c.vars[m[1]]
	})
}
