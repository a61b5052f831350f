package engine

import (
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
)

// EventKind tags what kind of caller-visible progress ReadEvent reports.
// Frame types the Connection fully handles itself (SETTINGS, PING,
// WINDOW_UPDATE, PRIORITY, the non-final fragments of a header block) are
// never surfaced — only the events endpoints need to assemble a
// request/response or react to connection/stream teardown.
type EventKind int

const (
	// EventHeaders reports a complete, decoded header block — either the
	// stream's leading headers or, if Trailers is true, its trailers.
	EventHeaders EventKind = iota
	// EventData reports one DATA frame's payload.
	EventData
	// EventStreamClosed reports a stream closed by a received RST_STREAM
	// (Reset is then true). A clean END_STREAM close is not reported by
	// this event; it shows as EndStream on EventHeaders or EventData.
	EventStreamClosed
	// EventGoAway reports a received GOAWAY.
	EventGoAway
	// EventPushPromise reports a complete, decoded PUSH_PROMISE header
	// block. The promised stream is left Reserved; nothing further
	// happens automatically — there is no promise-acceptance tracking.
	EventPushPromise
)

// Event is one unit of caller-visible progress from Connection.ReadEvent.
type Event struct {
	Kind EventKind

	StreamID  uint32
	Headers   []hpackadapter.Header
	Trailers  bool
	Data      []byte
	EndStream bool

	Reset     bool // EventStreamClosed: true if closed via RST_STREAM
	ErrorCode frame.ErrCode

	PromisedStreamID uint32 // EventPushPromise

	LastStreamID uint32 // EventGoAway
}
