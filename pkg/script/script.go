// Package script compiles declarative YAML dialog scripts into
// conversation builders, so common dialogs can ship as data instead of
// code. Each script is a set of named topics of say/ask steps; ask
// responses bind patterns to cursor actions.
package script

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/match"
)

// Actions a response can take on the conversation cursor.
const (
	ActionNext   = "next"
	ActionRepeat = "repeat"
	ActionStop   = "stop"
	ActionGoto   = "goto"
)

// ResponseSpec is one pattern-action binding on an ask step.
type ResponseSpec struct {
	// Pattern is a case-insensitive regular expression. Empty only for
	// the default response.
	Pattern string `yaml:"pattern,omitempty"`
	// Default marks the catch-all response.
	Default bool `yaml:"default,omitempty"`
	// Capture stores the reply text under this variable key.
	Capture string `yaml:"capture,omitempty"`
	// Action is next, repeat, stop, or goto. Defaults to next.
	Action string `yaml:"action,omitempty"`
	// Topic names the goto target.
	Topic string `yaml:"topic,omitempty"`
}

// StepSpec is one script step. Exactly one of Say or Ask is set.
type StepSpec struct {
	Say string `yaml:"say,omitempty"`
	Ask string `yaml:"ask,omitempty"`
	// Capture applies to every response that has no capture of its own.
	Capture   string         `yaml:"capture,omitempty"`
	Responses []ResponseSpec `yaml:"responses,omitempty"`
}

// Script is a parsed dialog script.
type Script struct {
	Name   string                `yaml:"name"`
	Topics map[string][]StepSpec `yaml:"topics"`
}

// Parse reads a YAML script and validates it.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	if len(s.Topics) == 0 {
		return fmt.Errorf("script %q has no topics", s.Name)
	}
	// Conversations begin at the default topic, so a script without one
	// would complete instantly without sending anything.
	if _, ok := s.Topics[conversation.DefaultTopic]; !ok {
		return fmt.Errorf("script %q: missing entry topic %q", s.Name, conversation.DefaultTopic)
	}
	for topic, steps := range s.Topics {
		if len(steps) == 0 {
			return fmt.Errorf("script %q: topic %q is empty", s.Name, topic)
		}
		for i, step := range steps {
			where := fmt.Sprintf("script %q: topic %q step %d", s.Name, topic, i)
			if (step.Say == "") == (step.Ask == "") {
				return fmt.Errorf("%s: exactly one of say or ask required", where)
			}
			for _, r := range step.Responses {
				if step.Say != "" {
					return fmt.Errorf("%s: say steps take no responses", where)
				}
				if !r.Default && r.Pattern == "" {
					return fmt.Errorf("%s: non-default response requires a pattern", where)
				}
				switch r.Action {
				case "", ActionNext, ActionRepeat, ActionStop:
				case ActionGoto:
					if _, ok := s.Topics[r.Topic]; !ok {
						return fmt.Errorf("%s: goto unknown topic %q", where, r.Topic)
					}
				default:
					return fmt.Errorf("%s: unknown action %q", where, r.Action)
				}
			}
		}
	}
	return nil
}

// Compile returns a conversation builder that installs the script's
// topics and steps.
func (s *Script) Compile() func(*conversation.Conversation) error {
	return func(c *conversation.Conversation) error {
		for topic, steps := range s.Topics {
			for _, step := range steps {
				if step.Say != "" {
					c.AddMessage(step.Say, topic)
					continue
				}
				handlers, err := s.compileResponses(step)
				if err != nil {
					return err
				}
				if err := c.AddQuestion(step.Ask, handlers, topic); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func (s *Script) compileResponses(step StepSpec) ([]conversation.ResponseHandler, error) {
	handlers := make([]conversation.ResponseHandler, 0, len(step.Responses))
	for _, r := range step.Responses {
		capture := r.Capture
		if capture == "" {
			capture = step.Capture
		}
		h := conversation.ResponseHandler{
			Default:  r.Default,
			Capture:  capture,
			Callback: actionCallback(r),
		}
		if !r.Default {
			p, err := match.Literal(r.Pattern)
			if err != nil {
				return nil, err
			}
			h.Pattern = p
		}
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 && step.Capture != "" {
		// Bare capture ask: record the reply and move on.
		handlers = append(handlers, conversation.ResponseHandler{
			Default: true,
			Capture: step.Capture,
			Callback: func(ctx context.Context, reply *domain.Message, c *conversation.Conversation) error {
				c.Next()
				return nil
			},
		})
	}
	return handlers, nil
}

func actionCallback(r ResponseSpec) conversation.Callback {
	action, topic := r.Action, r.Topic
	return func(ctx context.Context, reply *domain.Message, c *conversation.Conversation) error {
		switch action {
		case "", ActionNext:
			c.Next()
		case ActionRepeat:
			c.Repeat()
		case ActionStop:
			c.Stop()
		case ActionGoto:
			return c.ChangeTopic(topic)
		}
		return nil
	}
}
