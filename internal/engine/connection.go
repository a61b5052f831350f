package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/perbu/VTest2/internal/flowcontrol"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
	"github.com/perbu/VTest2/internal/settings"
	"github.com/perbu/VTest2/internal/streams"
	"github.com/perbu/VTest2/internal/transport"
)

// state is the connection's own lifecycle, distinct from any one stream's.
type state int

const (
	stateIdle state = iota
	stateActive
	stateClosed
)

// Connection is the shared machinery a client or server endpoint drives:
// the handshake, the frame codec, HPACK, flow control, and the stream
// table, wired together the same way for both roles. Endpoints add only
// the request/response-shaped conveniences on top.
type Connection struct {
	conn transport.Conn
	cfg  Config

	state state

	Streams *streams.Manager

	localSettings          settings.Settings
	peerSettings           settings.Settings
	awaitingOwnSettingsAck bool
	receivedPeerSettings   bool

	pendingEvent *Event

	connSendWindow *flowcontrol.Window
	connRecvWindow *flowcontrol.Window

	enc *hpackadapter.Encoder
	dec *hpackadapter.Decoder

	localMaxFrameSize uint32
	peerMaxFrameSize  uint32

	goawayReceived   bool
	goawaySent       bool
	peerLastStreamID uint32

	pushOrigins map[uint32]uint32 // promised stream id -> origin stream id, for in-flight PUSH_PROMISE continuations
}

// New wires up a Connection over an already-established transport. It does
// not perform the handshake; call Handshake for that.
func New(conn transport.Conn, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Connection{
		conn:              conn,
		cfg:               cfg,
		Streams:           streams.NewManager(cfg.IsClient),
		localSettings:     cfg.LocalSettings,
		peerSettings:      settings.Default(),
		connSendWindow:    flowcontrol.New(flowcontrol.DefaultConnectionWindow),
		connRecvWindow:    flowcontrol.New(flowcontrol.DefaultConnectionWindow),
		enc:               hpackadapter.NewEncoder(),
		dec:               hpackadapter.NewDecoder(cfg.LocalSettings.HeaderTableSizeOr(settings.DefaultHeaderTableSize)),
		localMaxFrameSize: cfg.LocalSettings.MaxFrameSizeOr(settings.DefaultMaxFrameSize),
		peerMaxFrameSize:  settings.DefaultMaxFrameSize,
		pushOrigins:       make(map[uint32]uint32),
	}
	c.Streams.SetLocalMaxConcurrentStreams(cfg.LocalSettings.MaxConcurrentStreamsOr(settings.UnboundedMaxConcurrent))
	c.Streams.SetLocalInitialWindow(int32(cfg.LocalSettings.InitialWindowSizeOr(settings.DefaultInitialWindowSize)))
	if v := cfg.LocalSettings.MaxHeaderListSizeOr(settings.UnboundedMaxHeaderList); v != settings.UnboundedMaxHeaderList {
		c.dec.SetMaxHeaderListSize(uint64(v))
	}
	return c, nil
}

// IsClient reports which role this connection plays.
func (c *Connection) IsClient() bool { return c.cfg.IsClient }

// PeerMaxFrameSize returns the peer's advertised SETTINGS_MAX_FRAME_SIZE,
// the bound endpoints must fragment outgoing DATA/HEADERS against.
func (c *Connection) PeerMaxFrameSize() uint32 { return c.peerMaxFrameSize }

// Handshake performs the preface and SETTINGS exchange: the client
// writes the preface then its SETTINGS; the server reads and validates
// the preface then writes its own SETTINGS; both then exchange
// SETTINGS-ACKs before returning. ctx's deadline, if any, bounds the
// wait for the peer's SETTINGS-ACK; expiry surfaces as a
// SETTINGS_TIMEOUT ConnectionError.
func (c *Connection) Handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}

	if c.cfg.IsClient {
		if _, err := c.conn.Write(frame.Preface); err != nil {
			return fmt.Errorf("engine: write preface: %w", err)
		}
	} else {
		if err := c.readPreface(); err != nil {
			return err
		}
	}

	if err := c.sendLocalSettings(); err != nil {
		return err
	}

	for !c.handshakeComplete() {
		if err := c.pump(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &frame.ConnectionError{Code: frame.ErrCodeSettingsTimeout, Msg: "settings-ack deadline exceeded"}
			}
			return err
		}
	}
	c.state = stateActive
	c.cfg.Logger.Printf("engine: handshake complete, client=%v", c.cfg.IsClient)
	return nil
}

func (c *Connection) handshakeComplete() bool {
	return !c.awaitingOwnSettingsAck && c.receivedPeerSettings
}

func (c *Connection) readPreface() error {
	buf := make([]byte, len(frame.Preface))
	n := 0
	for n < len(buf) {
		m, err := c.conn.Read(buf[n:])
		if err != nil {
			return fmt.Errorf("engine: read preface: %w", err)
		}
		n += m
	}
	if string(buf[:]) != string(frame.Preface) {
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "bad connection preface"}
	}
	return nil
}

func (c *Connection) sendLocalSettings() error {
	var params []frame.SettingParam
	if v := c.localSettings.HeaderTableSize; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingHeaderTableSize, Value: *v})
	}
	if v := c.localSettings.EnablePush; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingEnablePush, Value: *v})
	}
	if v := c.localSettings.MaxConcurrentStreams; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingMaxConcurrentStreams, Value: *v})
	}
	if v := c.localSettings.InitialWindowSize; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingInitialWindowSize, Value: *v})
	}
	if v := c.localSettings.MaxFrameSize; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingMaxFrameSize, Value: *v})
	}
	if v := c.localSettings.MaxHeaderListSize; v != nil {
		params = append(params, frame.SettingParam{ID: frame.SettingMaxHeaderListSize, Value: *v})
	}
	b, err := frame.EncodeSettings(frame.SettingsFrame{Params: params})
	if err != nil {
		return err
	}
	c.awaitingOwnSettingsAck = true
	_, err = c.conn.Write(b)
	return err
}

// pump reads exactly one frame and dispatches it, returning nil once it
// has been fully handled — whether or not that involved producing a
// caller-visible Event. It is the single place frames arrive from the
// wire; both Handshake and ReadEvent call it.
func (c *Connection) pump() error {
	raw, err := frame.ReadRawFrame(c.conn, c.localMaxFrameSize)
	if err != nil {
		if connErr, ok := err.(*frame.ConnectionError); ok {
			c.fatal(connErr)
			return connErr
		}
		c.conn.Close()
		return fmt.Errorf("engine: read frame: %w", err)
	}

	if err := c.Streams.CheckContinuationFrame(raw.Header.Type, raw.Header.StreamID); err != nil {
		if connErr, ok := err.(*frame.ConnectionError); ok {
			c.fatal(connErr)
		}
		return err
	}

	c.pendingEvent = nil
	if err := c.dispatch(raw); err != nil {
		if se, ok := err.(*frame.SizeError); ok {
			err = &frame.ConnectionError{Code: frame.ErrCodeFrameSize, Msg: se.Error()}
		}
		if connErr, ok := err.(*frame.ConnectionError); ok {
			c.fatal(connErr)
		}
		return err
	}
	return nil
}

// ReadEvent pumps frames off the wire until one produces caller-visible
// progress (a complete header block, a DATA chunk, a stream closing, or a
// GOAWAY) and returns it. Connection-fatal errors close the transport
// before returning. Stream-scoped errors detected locally are answered
// with RST_STREAM on the wire and are neither returned as a Go error nor
// surfaced as an Event; a peer's RST_STREAM is reported as
// EventStreamClosed.
func (c *Connection) ReadEvent() (Event, error) {
	for {
		if err := c.pump(); err != nil {
			return Event{}, err
		}
		if c.pendingEvent != nil {
			ev := *c.pendingEvent
			c.pendingEvent = nil
			return ev, nil
		}
	}
}

func (c *Connection) fatal(err *frame.ConnectionError) {
	if c.state == stateClosed {
		return
	}
	c.cfg.Logger.Printf("engine: connection fatal: %v", err)
	lastStreamID := c.Streams.HighestRemote()
	b, encErr := frame.EncodeGoAway(frame.GoAwayFrame{LastStreamID: lastStreamID, ErrorCode: err.Code, DebugData: []byte(err.Msg)})
	if encErr == nil {
		c.conn.Write(b)
	}
	c.goawaySent = true
	c.state = stateClosed
	c.conn.Close()
}

// SendGoAway sends a graceful GOAWAY without closing the transport —
// callers that want to stop accepting new streams but drain in-flight
// ones use this, then Close once draining finishes.
func (c *Connection) SendGoAway(code frame.ErrCode, debug []byte) error {
	b, err := frame.EncodeGoAway(frame.GoAwayFrame{LastStreamID: c.Streams.HighestRemote(), ErrorCode: code, DebugData: debug})
	if err != nil {
		return err
	}
	c.goawaySent = true
	_, err = c.conn.Write(b)
	return err
}

// SendRSTStream sends a stream-scoped RST_STREAM; the connection stays
// alive.
func (c *Connection) SendRSTStream(streamID uint32, code frame.ErrCode) error {
	b, err := frame.EncodeRSTStream(frame.RSTStreamFrame{StreamID: streamID, ErrorCode: code})
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	c.state = stateClosed
	return c.conn.Close()
}

// GoAwayReceived reports whether the peer has sent GOAWAY.
func (c *Connection) GoAwayReceived() bool { return c.goawayReceived }

// PeerLastStreamID is the last_stream_id from a received GOAWAY.
func (c *Connection) PeerLastStreamID() uint32 { return c.peerLastStreamID }

// AllocateStream opens a new locally-initiated stream, refusing (a caller
// error, no wire effect) if the peer's MAX_CONCURRENT_STREAMS would be
// exceeded or if GOAWAY has already been received: no new streams are
// allocated once draining.
func (c *Connection) AllocateStream() (*streams.Stream, error) {
	if c.goawayReceived {
		return nil, fmt.Errorf("engine: refusing to open stream: GOAWAY already received")
	}
	return c.Streams.AllocateLocalStream()
}

// EncodeHeaderBlock HPACK-encodes an ordered header list using the
// connection's single encoder instance.
func (c *Connection) EncodeHeaderBlock(h []hpackadapter.Header) ([]byte, error) {
	return c.enc.Encode(h)
}
