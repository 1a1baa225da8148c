// Package platform defines the capability interface every chat
// platform adapter implements. The shared router and conversation
// engine never branch on platform; all platform-specific behavior is
// injected through this seam.
package platform

import (
	"context"

	"github.com/botloom/loom/pkg/domain"
)

// Sink receives canonical message shells produced by an adapter. The
// adapter sets Raw, Reference (including the bot identity), and any
// platform hints; the pipeline's normalize/categorize stages finish the
// job.
type Sink func(msg *domain.Message)

// Adapter is the per-platform capability set.
type Adapter interface {
	// Type identifies the platform.
	Type() domain.ChannelType

	// Start connects to the platform and forwards inbound events to
	// sink until the context is canceled. Blocking.
	Start(ctx context.Context, sink Sink) error

	// Normalize derives the canonical user/channel/text fields from the
	// raw payload carried by the message.
	Normalize(msg *domain.Message) error

	// Send delivers an outbound message. The send and format middleware
	// stages have already run; adapters prefer Wire when set.
	Send(ctx context.Context, out *domain.Outbound) error
}

// Error is a typed error for adapter failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotConnected   Error = "adapter is not connected"
	ErrBadPayload     Error = "payload shape not recognized"
	ErrMissingToken   Error = "adapter token is required"
	ErrUnknownChannel Error = "no adapter registered for channel type"
)
