// Package classify computes the semantic type of a canonical message
// from platform hints: reported subtypes, direct-channel flags, and
// mention-of-bot tokens. It is installed as the categorize stage of the
// middleware pipeline.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/middleware"
)

const component = "classify"

// Options control the divergent rule choices left open by older bot
// frameworks. Defaults match the stricter rule set: trailing colons
// after a mention are stripped, and self-authored messages are dropped
// after the subtype check (so the bot's own join still classifies).
type Options struct {
	// KeepColon disables stripping of a colon that directly follows a
	// mention token.
	KeepColon bool
}

// Disposition says what the dispatcher should do with a classified message.
type Disposition int

const (
	// Dispatch routes the message onward; Type is final.
	Dispatch Disposition = iota
	// Drop discards the event silently. Not an error.
	Drop
	// FanOut replaces the event with the synthetic children.
	FanOut
)

// Outcome is the result of classification.
type Outcome struct {
	Disposition Disposition
	// Reason is set for Drop, for logging only.
	Reason string
	// Children holds the synthetic per-member events for FanOut. Each
	// child has already been classified.
	Children []*domain.Message
}

// Classifier applies the categorization rules.
type Classifier struct {
	opts Options
}

// New creates a classifier.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// Subtypes that split into bot_/user_ variants depending on who acted.
var splitSubtypes = map[string]bool{
	"channel_join":  true,
	"channel_leave": true,
	"group_join":    true,
	"group_leave":   true,
}

// Classify determines the final type for a message whose Type is still
// the generic message tag. Rules are evaluated in precedence order and
// the first match wins.
func (c *Classifier) Classify(msg *domain.Message) Outcome {
	// Roster updates fan out into one event per affected member before
	// any other rule applies.
	if msg.Type == domain.TypeConversationUpdate {
		return c.fanOut(msg)
	}

	// Pre-typed messages (slash commands, outgoing webhooks) arrive
	// classified by their ingest path.
	if msg.Type != domain.TypeMessage {
		return Outcome{Disposition: Dispatch}
	}

	// Rule 1: platform-reported subtype.
	if msg.Subtype != "" {
		if splitSubtypes[msg.Subtype] {
			if msg.SelfAuthored() {
				msg.Type = "bot_" + msg.Subtype
			} else {
				msg.Type = "user_" + msg.Subtype
			}
		} else {
			msg.Type = msg.Subtype
		}
		return Outcome{Disposition: Dispatch}
	}

	// Self-authored content never triggers anything past this point.
	if msg.SelfAuthored() {
		return Outcome{Disposition: Drop, Reason: "self-authored"}
	}

	// Rule 2: a message-shaped event without text is probably an edit.
	if !msg.HasText() {
		return Outcome{Disposition: Drop, Reason: "no text"}
	}

	botID := ""
	if msg.Reference != nil {
		botID = msg.Reference.BotID
	}
	leading, anywhere := mentionPatterns(botID)

	// Rule 3: direct (1:1) channel.
	if msg.DirectChannel {
		if leading != nil {
			msg.Text = c.stripMention(msg.Text, leading)
		}
		msg.Type = domain.TypeDirectMessage
		return Outcome{Disposition: Dispatch}
	}

	// Rule 4: mention scan in shared channels.
	if leading != nil && leading.MatchString(msg.Text) {
		msg.Text = c.stripMention(msg.Text, leading)
		msg.Type = domain.TypeDirectMention
		return Outcome{Disposition: Dispatch}
	}
	if anywhere != nil && anywhere.MatchString(msg.Text) {
		msg.Type = domain.TypeMention
		return Outcome{Disposition: Dispatch}
	}

	msg.Type = domain.TypeAmbient
	return Outcome{Disposition: Dispatch}
}

// fanOut expands a roster-change event into per-member join/leave
// events, each re-entering classification.
func (c *Classifier) fanOut(msg *domain.Message) Outcome {
	botID := ""
	if msg.Reference != nil {
		botID = msg.Reference.BotID
	}

	var children []*domain.Message
	emit := func(member, joinType, leaveType string, joined bool) {
		child := msg.Clone()
		child.User = member
		child.Text = ""
		child.Subtype = ""
		child.Joined, child.Left = nil, nil
		if joined {
			child.Type = joinType
		} else {
			child.Type = leaveType
		}
		children = append(children, child)
	}

	for _, member := range msg.Joined {
		if member == botID && botID != "" {
			emit(member, domain.TypeBotJoin, "", true)
		} else {
			emit(member, domain.TypeMemberJoin, "", true)
		}
	}
	for _, member := range msg.Left {
		if member == botID && botID != "" {
			emit(member, "", domain.TypeBotLeave, false)
		} else {
			emit(member, "", domain.TypeMemberLeave, false)
		}
	}

	if len(children) == 0 {
		return Outcome{Disposition: Drop, Reason: "empty roster update"}
	}
	return Outcome{Disposition: FanOut, Children: children}
}

// stripMention removes a leading mention token plus any immediately
// following colon and whitespace, leaving a trimmed remainder.
func (c *Classifier) stripMention(text string, leading *regexp.Regexp) string {
	out := leading.ReplaceAllString(text, "")
	out = strings.TrimLeft(out, " \t")
	if !c.opts.KeepColon {
		out = strings.TrimPrefix(out, ":")
	}
	return strings.TrimLeft(out, " \t")
}

// mentionPatterns builds the leading and anywhere mention regexps for a
// bot identity. Returns nils when the identity is unknown.
func mentionPatterns(botID string) (leading, anywhere *regexp.Regexp) {
	if botID == "" {
		return nil, nil
	}
	quoted := regexp.QuoteMeta(botID)
	leading = regexp.MustCompile(`(?i)^<@` + quoted + `>`)
	anywhere = regexp.MustCompile(`(?i)<@` + quoted + `>`)
	return leading, anywhere
}

// ---------------------------------------------------------------------------
// Pipeline integration
// ---------------------------------------------------------------------------

// ValidateAddressing is a normalize-stage tail handler: a payload that
// still lacks user or channel after normalization cannot be routed, so
// the pipeline is aborted for that event. Log and drop, never throw.
func ValidateAddressing(ctx context.Context, f *middleware.Frame) (middleware.Decision, error) {
	msg := f.Message
	if msg == nil {
		return middleware.Halt, nil
	}
	if msg.Type == domain.TypeConversationUpdate {
		// Roster events address members, not a single user.
		return middleware.Next, nil
	}
	if msg.User == "" || msg.Channel == "" {
		plat := ""
		if msg.Reference != nil {
			plat = string(msg.Reference.Platform)
		}
		logger.WarnCF(component, "Dropping unaddressable payload", map[string]interface{}{
			"platform": plat,
			"type":     msg.Type,
		})
		return middleware.Halt, nil
	}
	return middleware.Next, nil
}

// Middleware returns the categorize-stage handler. Fan-out children are
// appended to the frame for the dispatcher to route individually; the
// triggering roster event itself is halted.
func (c *Classifier) Middleware() middleware.Handler {
	return func(ctx context.Context, f *middleware.Frame) (middleware.Decision, error) {
		msg := f.Message
		if msg == nil {
			return middleware.Halt, nil
		}
		outcome := c.Classify(msg)
		switch outcome.Disposition {
		case Drop:
			logger.DebugCF(component, "Dropped message", map[string]interface{}{
				"reason": outcome.Reason,
				"user":   msg.User,
			})
			return middleware.Halt, nil
		case FanOut:
			f.Fanout = append(f.Fanout, outcome.Children...)
			return middleware.Halt, nil
		default:
			return middleware.Next, nil
		}
	}
}
