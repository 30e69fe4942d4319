// Package event defines the tagged event variants dispatched to user
// handlers: LogEvent, BlockEvent, TraceEvent, and SetupEvent.
package event

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ponder-sh/ponder/internal/checkpoint"
)

// SourceID identifies the (contract, eventName) a handler is registered
// under.
type SourceID struct {
	Network   string
	Contract  string
	EventName string
}

// Event is implemented by LogEvent, BlockEvent, TraceEvent, and SetupEvent.
// It is a closed variant: callers type-switch on the concrete type to
// dispatch to the right handler, mirroring the teacher's
// EventLogHandlerRouter but generalized beyond logs.
type Event interface {
	Checkpoint() checkpoint.Checkpoint
	Source() SourceID
	isEvent()
}

type base struct {
	cp  checkpoint.Checkpoint
	src SourceID
}

func (b base) Checkpoint() checkpoint.Checkpoint { return b.cp }
func (b base) Source() SourceID                  { return b.src }
func (base) isEvent()                            {}

// LogEvent wraps a decoded contract log.
type LogEvent struct {
	base
	Log         types.Log
	Payload     any
	Block       *types.Header
	Transaction *types.Transaction
	Receipt     *types.Receipt
}

// NewLogEvent constructs a LogEvent.
func NewLogEvent(cp checkpoint.Checkpoint, src SourceID, log types.Log, payload any) *LogEvent {
	return &LogEvent{base: base{cp: cp, src: src}, Log: log, Payload: payload}
}

// BlockEvent fires once per matched block (block-interval sources).
type BlockEvent struct {
	base
	Block *types.Header
}

// NewBlockEvent constructs a BlockEvent.
func NewBlockEvent(cp checkpoint.Checkpoint, src SourceID, header *types.Header) *BlockEvent {
	return &BlockEvent{base: base{cp: cp, src: src}, Block: header}
}

// TraceEvent wraps a decoded internal call trace.
type TraceEvent struct {
	base
	Payload     any
	Block       *types.Header
	Transaction *types.Transaction
}

// NewTraceEvent constructs a TraceEvent.
func NewTraceEvent(cp checkpoint.Checkpoint, src SourceID, payload any) *TraceEvent {
	return &TraceEvent{base: base{cp: cp, src: src}, Payload: payload}
}

// SetupEvent is synthesized once per (contract, network) with checkpoint
// equal to the contract's startBlock, giving handlers a chance to seed
// state before any on-chain event arrives.
type SetupEvent struct {
	base
}

// NewSetupEvent constructs a SetupEvent at the given startBlock checkpoint.
func NewSetupEvent(cp checkpoint.Checkpoint, src SourceID) *SetupEvent {
	return &SetupEvent{base: base{cp: cp, src: src}}
}
