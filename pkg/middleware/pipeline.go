// Package middleware implements the named-stage processing pipeline
// that every inbound and outbound message passes through. Handlers run
// strictly in registration order and may mutate the frame in place;
// later stages observe mutations from earlier ones.
//
// Handlers return a Decision instead of invoking a continuation: Next
// keeps the stage running, Halt short-circuits it. An error also halts
// and is reported to the stage's caller.
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/botloom/loom/pkg/domain"
)

// Stage names the pipeline's extension points.
type Stage string

const (
	// StageSpawn configures a freshly created bot actor before first use.
	StageSpawn Stage = "spawn"
	// StageIngest is first contact with a raw inbound payload.
	StageIngest Stage = "ingest"
	// StageNormalize derives canonical user/channel/text fields.
	StageNormalize Stage = "normalize"
	// StageCategorize computes the final message type.
	StageCategorize Stage = "categorize"
	// StageReceive is the last hook before trigger dispatch.
	StageReceive Stage = "receive"
	// StageSend transforms an outbound message before delivery.
	StageSend Stage = "send"
	// StageFormat maps a canonical outbound message onto the wire shape.
	StageFormat Stage = "format"
)

// Stages lists all stages in processing order.
func Stages() []Stage {
	return []Stage{
		StageSpawn, StageIngest, StageNormalize, StageCategorize,
		StageReceive, StageSend, StageFormat,
	}
}

// Decision tells the pipeline whether to keep running a stage's handlers.
type Decision int

const (
	// Next continues with the following handler in the stage.
	Next Decision = iota
	// Halt stops the stage; remaining handlers do not run.
	Halt
)

// Actor is the per-dispatch bot instance stages may configure. The
// concrete worker type lives in the controller package; the pipeline
// only needs an opaque handle with a platform identity.
type Actor interface {
	Platform() domain.ChannelType
}

// Frame is the mutable context threaded through a stage run.
type Frame struct {
	// Actor is the bot instance handling this dispatch. Nil during
	// outbound-only runs initiated outside a dispatch.
	Actor Actor

	// Message is the inbound canonical message. Nil for outbound stages.
	Message *domain.Message

	// Outbound is the reply under construction. Nil for inbound stages.
	Outbound *domain.Outbound

	// Fanout collects synthetic sub-events produced during categorize
	// (e.g. per-member join events from one roster update). The
	// dispatcher routes each one after the stage completes.
	Fanout []*domain.Message
}

// Handler is one middleware function.
type Handler func(ctx context.Context, f *Frame) (Decision, error)

// Pipeline holds the ordered handler lists per stage. Registration
// happens during setup; Run is read-only and safe for concurrent use
// once traffic starts.
type Pipeline struct {
	mu     sync.RWMutex
	stages map[Stage][]Handler
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{stages: make(map[Stage][]Handler)}
}

// Use appends handlers to a stage, preserving registration order.
func (p *Pipeline) Use(stage Stage, handlers ...Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages[stage] = append(p.stages[stage], handlers...)
}

// Len returns the number of handlers registered for a stage.
func (p *Pipeline) Len(stage Stage) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages[stage])
}

// Run invokes a stage's handlers in registration order. It returns Halt
// if any handler short-circuited, and the first error encountered. An
// empty stage completes immediately with Next.
func (p *Pipeline) Run(ctx context.Context, stage Stage, f *Frame) (Decision, error) {
	p.mu.RLock()
	handlers := p.stages[stage]
	p.mu.RUnlock()

	for i, h := range handlers {
		decision, err := h(ctx, f)
		if err != nil {
			return Halt, fmt.Errorf("%s middleware %d: %w", stage, i, err)
		}
		if decision == Halt {
			return Halt, nil
		}
		if err := ctx.Err(); err != nil {
			return Halt, err
		}
	}
	return Next, nil
}
