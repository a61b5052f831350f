// Package streams implements the per-stream state machine and the
// Manager that owns a connection's active stream set, id allocation,
// continuation-mode tracking, and header/trailer validation.
package streams

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/perbu/VTest2/internal/flowcontrol"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
)

// State is one of the seven stream states from RFC 7540 §5.1.
type State int

const (
	StateIdle State = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedLocal:
		return "reserved(local)"
	case StateReservedRemote:
		return "reserved(remote)"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed(local)"
	case StateHalfClosedRemote:
		return "half-closed(remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Priority records the last PRIORITY (or HEADERS-carried priority)
// observed for a stream. This is bookkeeping only — no scheduling tree
// is built or consulted.
type Priority struct {
	Dependency uint32
	Weight     uint8
	Exclusive  bool
}

// Stream is one HTTP/2 stream: its state, its two flow-control windows,
// and the buffers used to assemble an in-progress header block and body.
type Stream struct {
	mu sync.Mutex

	ID    uint32
	state State

	SendWindow *flowcontrol.Window
	RecvWindow *flowcontrol.Window

	priority      Priority
	headerBlock   bytes.Buffer // accumulates fragments across HEADERS+CONTINUATION
	Headers       []hpackadapter.Header
	Trailers      []hpackadapter.Header
	Body          bytes.Buffer
	endHeadersRecv bool
	endStreamRecv  bool
	endStreamSent  bool
	closedByReset  bool
	pendingEndStream bool // END_STREAM seen on the HEADERS that opened continuation mode
	headersDone      bool // leading header block already decoded (next one is trailers)
}

func newStream(id uint32, peerInitialWindow, localInitialWindow int32) *Stream {
	return &Stream{
		ID:         id,
		state:      StateIdle,
		SendWindow: flowcontrol.New(peerInitialWindow),
		RecvWindow: flowcontrol.New(localInitialWindow),
	}
}

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// ClosedByReset reports whether the stream was terminated by RST_STREAM
// (as opposed to a clean bilateral END_STREAM close).
func (s *Stream) ClosedByReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByReset
}

// SetPriority records the most recently observed priority fields.
func (s *Stream) SetPriority(p Priority) {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
}

// GetPriority returns the most recently observed priority fields.
func (s *Stream) GetPriority() Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// AppendHeaderFragment buffers one HPACK fragment of a HEADERS/
// CONTINUATION/PUSH_PROMISE sequence.
func (s *Stream) AppendHeaderFragment(b []byte) {
	s.mu.Lock()
	s.headerBlock.Write(b)
	s.mu.Unlock()
}

// HeaderBlock returns the accumulated, not-yet-decoded header block bytes.
func (s *Stream) HeaderBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerBlock.Bytes()
}

// ResetHeaderBlock clears the accumulator, e.g. after decoding or before
// buffering trailers.
func (s *Stream) ResetHeaderBlock() {
	s.mu.Lock()
	s.headerBlock.Reset()
	s.mu.Unlock()
}

// SetPendingEndStream records whether the HEADERS/PUSH_PROMISE frame that
// opened the current header block carried END_STREAM, so the eventual
// CONTINUATION-terminated completion can apply it.
func (s *Stream) SetPendingEndStream(v bool) {
	s.mu.Lock()
	s.pendingEndStream = v
	s.mu.Unlock()
}

// PendingEndStream returns the value last set by SetPendingEndStream.
func (s *Stream) PendingEndStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingEndStream
}

// HeadersDone reports whether the stream's leading header block has
// already been decoded, so a subsequent HEADERS frame must be trailers.
func (s *Stream) HeadersDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersDone
}

// MarkHeadersDone records that the leading header block has been decoded.
func (s *Stream) MarkHeadersDone() {
	s.mu.Lock()
	s.headersDone = true
	s.mu.Unlock()
}

// AppendBody buffers DATA payload bytes for the response/request assembly
// performed by the client and server endpoints.
func (s *Stream) AppendBody(b []byte) {
	s.mu.Lock()
	s.Body.Write(b)
	s.mu.Unlock()
}

// ---- state transitions ----

// Open transitions Idle -> Open on send/recv HEADERS (without END_STREAM).
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return &frame.StreamError{StreamID: s.ID, Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("cannot open stream in state %v", s.state)}
	}
	s.state = StateOpen
	return nil
}

// ReserveLocal transitions Idle -> ReservedLocal (we sent PUSH_PROMISE).
func (s *Stream) ReserveLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return &frame.StreamError{StreamID: s.ID, Code: frame.ErrCodeProtocol, Msg: "cannot reserve non-idle stream"}
	}
	s.state = StateReservedLocal
	return nil
}

// ReserveRemote transitions Idle -> ReservedRemote (peer sent PUSH_PROMISE).
func (s *Stream) ReserveRemote() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return &frame.StreamError{StreamID: s.ID, Code: frame.ErrCodeProtocol, Msg: "cannot reserve non-idle stream"}
	}
	s.state = StateReservedRemote
	return nil
}

// HalfCloseLocal records that we sent END_STREAM.
func (s *Stream) HalfCloseLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endStreamSent = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
}

// HalfCloseRemote records that the peer sent END_STREAM.
func (s *Stream) HalfCloseRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endStreamRecv = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
}

// Reset transitions the stream to Closed via RST_STREAM, from either side.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.state = StateClosed
	s.closedByReset = true
	s.mu.Unlock()
}

// CanReceiveFrame reports whether ft is legal to receive in the stream's
// current state, per RFC 7540 §5.1's state table. Frames always legal
// regardless of state (PRIORITY, and briefly after closure
// WINDOW_UPDATE/RST_STREAM) are handled by the caller before consulting
// this.
func (s *Stream) CanReceiveFrame(ft frame.Type) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateIdle:
		if ft != frame.TypeHeaders && ft != frame.TypePriority {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("%v frame on idle stream", ft)}
		}
	case StateHalfClosedRemote:
		if ft == frame.TypeData || ft == frame.TypeHeaders || ft == frame.TypeContinuation {
			return &frame.StreamError{StreamID: s.ID, Code: frame.ErrCodeStreamClosed, Msg: fmt.Sprintf("%v frame on half-closed(remote) stream", ft)}
		}
	case StateClosed:
		if ft != frame.TypePriority && ft != frame.TypeRSTStream && ft != frame.TypeWindowUpdate {
			return &frame.StreamError{StreamID: s.ID, Code: frame.ErrCodeStreamClosed, Msg: fmt.Sprintf("%v frame on closed stream", ft)}
		}
	}
	return nil
}

// ---- Manager ----

// Manager owns a connection's active stream set: id allocation, the
// highest-seen id per initiator, the inbound concurrency cap, and
// continuation-mode tracking.
type Manager struct {
	mu sync.Mutex

	isClient bool // true: we allocate odd ids; false: we allocate even ids

	streams map[uint32]*Stream

	nextLocalID              uint32
	highestLocal             uint32
	highestRemote            uint32
	localMaxConcurrentStreams uint32 // caps streams the remote may open on us
	peerMaxConcurrentStreams  uint32 // caps streams we may open on the peer

	peerInitialWindow  int32
	localInitialWindow int32

	continuationActive   bool
	continuationStreamID uint32 // wire stream id CONTINUATION frames must carry (RFC 7540 §6.10)
	continuationTargetID uint32 // stream id whose header block the fragments accumulate onto
}

// NewManager returns a Manager for a client (isClient=true, allocates odd
// ids starting at 1) or server (isClient=false, allocates even ids
// starting at 2) endpoint.
func NewManager(isClient bool) *Manager {
	m := &Manager{
		isClient:                  isClient,
		streams:                   make(map[uint32]*Stream),
		localMaxConcurrentStreams: ^uint32(0),
		peerMaxConcurrentStreams:  ^uint32(0),
		peerInitialWindow:         flowcontrol.DefaultInitialWindowSize,
		localInitialWindow:        flowcontrol.DefaultInitialWindowSize,
	}
	if isClient {
		m.nextLocalID = 1
	} else {
		m.nextLocalID = 2
	}
	return m
}

// SetLocalMaxConcurrentStreams sets the cap this endpoint advertises to
// the peer (how many streams the peer may open on us).
func (m *Manager) SetLocalMaxConcurrentStreams(n uint32) {
	m.mu.Lock()
	m.localMaxConcurrentStreams = n
	m.mu.Unlock()
}

// SetPeerMaxConcurrentStreams records the cap the peer advertised to us
// (how many streams we may open on them).
func (m *Manager) SetPeerMaxConcurrentStreams(n uint32) {
	m.mu.Lock()
	m.peerMaxConcurrentStreams = n
	m.mu.Unlock()
}

// SetPeerInitialWindow sets the send-window size new locally-allocated
// streams start with (the peer's current SETTINGS_INITIAL_WINDOW_SIZE).
func (m *Manager) SetPeerInitialWindow(v int32) {
	m.mu.Lock()
	m.peerInitialWindow = v
	m.mu.Unlock()
}

// SetLocalInitialWindow sets the receive-window size new streams start
// with (our own SETTINGS_INITIAL_WINDOW_SIZE).
func (m *Manager) SetLocalInitialWindow(v int32) {
	m.mu.Lock()
	m.localInitialWindow = v
	m.mu.Unlock()
}

// AllocateLocalStream reserves and opens the next locally-initiated stream
// id. It fails synchronously (a caller error, no wire effect) if doing so
// would exceed the peer's advertised MAX_CONCURRENT_STREAMS.
func (m *Manager) AllocateLocalStream() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(m.countActiveLocked())+1 > m.peerMaxConcurrentStreams {
		return nil, fmt.Errorf("streams: local open refused: would exceed peer max_concurrent_streams=%d", m.peerMaxConcurrentStreams)
	}

	id := m.nextLocalID
	m.nextLocalID += 2
	m.highestLocal = id

	st := newStream(id, m.peerInitialWindow, m.localInitialWindow)
	if err := st.Open(); err != nil {
		return nil, err
	}
	m.streams[id] = st
	return st, nil
}

// AcceptRemoteStream validates and opens a remote-initiated stream id
// (first seen in a HEADERS frame). It returns a StreamError
// (REFUSED_STREAM) if the local concurrency cap is already met; the
// caller sends RST_STREAM and does not treat the connection as dead.
func (m *Manager) AcceptRemoteStream(id uint32) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantParity := uint32(1)
	if m.isClient {
		wantParity = 0 // we're odd, so peer-initiated ids are even
	}
	if id%2 != wantParity {
		return nil, &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("stream id %d has wrong parity for remote-initiated stream", id)}
	}
	if id <= m.highestRemote {
		return nil, &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("stream id %d does not exceed highest seen remote id %d", id, m.highestRemote)}
	}
	if uint32(m.countActiveLocked())+1 > m.localMaxConcurrentStreams {
		return nil, &frame.StreamError{StreamID: id, Code: frame.ErrCodeRefusedStream, Msg: "max_concurrent_streams exceeded"}
	}

	m.highestRemote = id
	st := newStream(id, m.peerInitialWindow, m.localInitialWindow)
	if err := st.Open(); err != nil {
		return nil, err
	}
	m.streams[id] = st
	return st, nil
}

// AllocateLocalPushStream reserves the next local-parity id in
// ReservedLocal state, for an outgoing PUSH_PROMISE.
func (m *Manager) AllocateLocalPushStream() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(m.countActiveLocked())+1 > m.peerMaxConcurrentStreams {
		return nil, fmt.Errorf("streams: push reservation refused: would exceed peer max_concurrent_streams=%d", m.peerMaxConcurrentStreams)
	}

	id := m.nextLocalID
	m.nextLocalID += 2
	m.highestLocal = id

	st := newStream(id, m.peerInitialWindow, m.localInitialWindow)
	if err := st.ReserveLocal(); err != nil {
		return nil, err
	}
	m.streams[id] = st
	return st, nil
}

// ReserveRemoteFor reserves an even (server-push) stream id announced by a
// peer PUSH_PROMISE, without opening it.
func (m *Manager) ReserveRemoteFor(id uint32) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= m.highestRemote {
		return nil, &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "promised stream id not increasing"}
	}
	m.highestRemote = id
	st := newStream(id, m.peerInitialWindow, m.localInitialWindow)
	if err := st.ReserveRemote(); err != nil {
		return nil, err
	}
	m.streams[id] = st
	return st, nil
}

// GetStream looks up a stream by id.
func (m *Manager) GetStream(id uint32) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	return st, ok
}

// DeleteStream removes a closed stream from the active set, freeing it to
// be garbage collected.
func (m *Manager) DeleteStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// StreamCount returns the number of streams still tracked (open or
// recently closed but not yet deleted).
func (m *Manager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) countActiveLocked() int {
	n := 0
	for _, st := range m.streams {
		switch st.State() {
		case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
			n++
		}
	}
	return n
}

// SendWindows returns the SendWindow of every tracked stream, for
// SETTINGS_INITIAL_WINDOW_SIZE re-application.
func (m *Manager) SendWindows() []*flowcontrol.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*flowcontrol.Window, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st.SendWindow)
	}
	return out
}

// HighestRemote returns the highest-seen peer-initiated stream id, used as
// GOAWAY's last_stream_id.
func (m *Manager) HighestRemote() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestRemote
}

// HighestLocal returns the highest locally-allocated stream id.
func (m *Manager) HighestLocal() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestLocal
}

// ---- continuation-mode tracking ----

// BeginContinuation marks wireStreamID (the id CONTINUATION frames on the
// wire must carry, per RFC 7540 §6.10 — the HEADERS or PUSH_PROMISE
// frame's own stream id) as having an open header block. targetStreamID
// is the stream whose header block the fragments accumulate onto; for
// HEADERS these are the same id, for PUSH_PROMISE targetStreamID is the
// promised (even) stream while wireStreamID is the stream the
// PUSH_PROMISE was sent on.
func (m *Manager) BeginContinuation(wireStreamID, targetStreamID uint32) {
	m.mu.Lock()
	m.continuationActive = true
	m.continuationStreamID = wireStreamID
	m.continuationTargetID = targetStreamID
	m.mu.Unlock()
}

// EndContinuation clears continuation mode, called once END_HEADERS is
// observed.
func (m *Manager) EndContinuation() {
	m.mu.Lock()
	m.continuationActive = false
	m.continuationStreamID = 0
	m.continuationTargetID = 0
	m.mu.Unlock()
}

// ExpectingContinuation reports whether continuation mode is active and,
// if so, which wire stream id CONTINUATION frames must carry.
func (m *Manager) ExpectingContinuation() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continuationStreamID, m.continuationActive
}

// ContinuationTarget returns the stream id whose header block is
// currently accumulating CONTINUATION fragments.
func (m *Manager) ContinuationTarget() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continuationTargetID
}

// CheckContinuationFrame enforces that while continuation mode is
// active, only a CONTINUATION frame on the same stream is legal;
// anything else is connection-fatal COMPRESSION_ERROR.
func (m *Manager) CheckContinuationFrame(ft frame.Type, streamID uint32) error {
	expected, active := m.ExpectingContinuation()
	if !active {
		return nil
	}
	if ft != frame.TypeContinuation || streamID != expected {
		return &frame.ConnectionError{Code: frame.ErrCodeCompression, Msg: fmt.Sprintf("expected CONTINUATION on stream %d, got %v on stream %d", expected, ft, streamID)}
	}
	return nil
}

// ---- header / trailer validation ----

// ValidateHeaderBlock enforces pseudo-header ordering (all pseudo-headers
// must precede any regular header) and the required
// :method/:scheme/:path pseudo-headers for a request, plus
// connection-specific header rejection.
func ValidateHeaderBlock(headers []hpackadapter.Header) error {
	var hasMethod, hasScheme, hasPath, seenRegular bool
	seenPseudo := make(map[string]bool)

	for _, h := range headers {
		name := h.Name
		if name != strings.ToLower(name) {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("header name not lowercase: %s", name)}
		}
		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("pseudo-header %s after regular header", name)}
			}
			if seenPseudo[name] {
				return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("duplicate pseudo-header %s", name)}
			}
			seenPseudo[name] = true
			switch name {
			case ":method":
				hasMethod = true
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if h.Value == "" {
					return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "empty :path pseudo-header"}
				}
			case ":authority", ":status", ":protocol":
				// :status belongs to responses, :authority/:protocol to requests;
				// the caller (client vs server) is responsible for which set applies.
			default:
				return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("unknown pseudo-header %s", name)}
			}
			continue
		}
		seenRegular = true
		if err := validateConnectionSpecific(name, h.Value); err != nil {
			return err
		}
	}

	if seenPseudo[":status"] {
		return nil // response headers have no :method/:scheme/:path requirement
	}
	if !hasMethod || !hasScheme || !hasPath {
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "missing required request pseudo-header"}
	}
	return nil
}

// ValidateTrailerBlock enforces that trailers carry no pseudo-headers and
// otherwise obey the same connection-specific header restrictions.
func ValidateTrailerBlock(headers []hpackadapter.Header) error {
	for _, h := range headers {
		if h.Name != strings.ToLower(h.Name) {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("header name not lowercase: %s", h.Name)}
		}
		if strings.HasPrefix(h.Name, ":") {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("pseudo-header %s not allowed in trailers", h.Name)}
		}
		if err := validateConnectionSpecific(h.Name, h.Value); err != nil {
			return err
		}
	}
	return nil
}

func validateConnectionSpecific(name, value string) error {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("connection-specific header not allowed in HTTP/2: %s", name)}
	case "te":
		if value != "trailers" {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("TE header must be trailers, got %q", value)}
		}
	}
	return nil
}
