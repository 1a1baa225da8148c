// Package console is a local terminal adapter for developing bots
// without any platform credentials. Every line typed is a direct
// message from the configured operator user.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/platform"
)

const (
	// ChannelID is the single pseudo-channel the console serves.
	ChannelID = "console"

	botID = "loom"
)

// Options configure the adapter.
type Options struct {
	// User is the identifier attributed to typed lines.
	User string
	// Prompt overrides the default readline prompt.
	Prompt string
}

// Adapter reads lines with readline and prints replies.
type Adapter struct {
	user   string
	prompt string

	rl *readline.Instance
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a console adapter.
func New(opts Options) *Adapter {
	user := opts.User
	if user == "" {
		user = "operator"
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "you> "
	}
	return &Adapter{user: user, prompt: prompt}
}

// Type identifies the platform.
func (a *Adapter) Type() domain.ChannelType { return domain.ChannelConsole }

// Start reads lines until EOF or context cancellation.
func (a *Adapter) Start(ctx context.Context, sink platform.Sink) error {
	rl, err := readline.New(a.prompt)
	if err != nil {
		return err
	}
	a.rl = rl
	defer rl.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := rl.Readline()
			if err == readline.ErrInterrupt {
				continue
			}
			if err != nil { // io.EOF on close
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			msg := domain.NewMessage(domain.ChannelConsole, line)
			msg.Reference.BotID = botID
			sink(msg)
		}
	}
}

// Normalize maps a typed line onto the canonical fields.
func (a *Adapter) Normalize(msg *domain.Message) error {
	line, ok := msg.Raw.(string)
	if !ok {
		if msg.Raw == nil {
			return nil
		}
		return platform.ErrBadPayload
	}
	msg.User = a.user
	msg.Channel = ChannelID
	msg.Text = strings.TrimSpace(line)
	msg.DirectChannel = true
	return nil
}

// Send prints the reply above the prompt.
func (a *Adapter) Send(ctx context.Context, out *domain.Outbound) error {
	var w io.Writer = os.Stdout
	if a.rl != nil {
		w = a.rl.Stdout()
	}
	_, err := fmt.Fprintf(w, "bot> %s\n", out.Text)
	return err
}
