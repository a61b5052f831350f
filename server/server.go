// Package server implements the server-role HTTP/2 endpoint: connection
// handshake plus request/response framing on top of internal/engine's
// blocking Connection.
package server

import (
	"context"
	"fmt"

	"github.com/perbu/VTest2/internal/engine"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
	"github.com/perbu/VTest2/internal/transport"
)

// Conn is a server-role HTTP/2 connection.
type Conn struct {
	c *engine.Connection
}

// Request is an assembled request: pseudo/regular headers, body, and
// any trailers, as returned by RecvRequest.
type Request struct {
	StreamID uint32
	Headers  []hpackadapter.Header
	Body     []byte
	Trailers []hpackadapter.Header
}

// Method and Path read back the :method/:path pseudo-headers.
func (r *Request) Method() string { return r.pseudo(":method") }
func (r *Request) Path() string   { return r.pseudo(":path") }
func (r *Request) Scheme() string { return r.pseudo(":scheme") }

func (r *Request) pseudo(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Accept performs the server side of the preface/SETTINGS handshake over
// an already-accepted transport.
func Accept(ctx context.Context, conn transport.Conn, cfg engine.Config) (*Conn, error) {
	cfg.IsClient = false
	ec, err := engine.New(conn, cfg)
	if err != nil {
		return nil, err
	}
	if err := ec.Handshake(ctx); err != nil {
		return nil, err
	}
	return &Conn{c: ec}, nil
}

// RecvRequest drives the receive loop until some client-initiated
// stream reaches HalfClosedRemote, then returns the assembled request.
// PUSH_PROMISE events are skipped, and a stream reset by the peer is
// dropped from the pending set; a GOAWAY ends the call with an error.
func (sv *Conn) RecvRequest() (*Request, error) {
	pending := map[uint32]*Request{}
	for {
		ev, err := sv.c.ReadEvent()
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case engine.EventHeaders:
			req := pending[ev.StreamID]
			if req == nil {
				req = &Request{StreamID: ev.StreamID}
				pending[ev.StreamID] = req
			}
			if ev.Trailers {
				req.Trailers = ev.Headers
			} else {
				req.Headers = ev.Headers
			}
			if ev.EndStream {
				delete(pending, ev.StreamID)
				return req, nil
			}
		case engine.EventData:
			req := pending[ev.StreamID]
			if req == nil {
				continue // data for a stream we never saw headers for: drop
			}
			req.Body = append(req.Body, ev.Data...)
			if ev.EndStream {
				delete(pending, ev.StreamID)
				return req, nil
			}
		case engine.EventStreamClosed:
			delete(pending, ev.StreamID)
		case engine.EventGoAway:
			return nil, fmt.Errorf("server: peer sent GOAWAY(%v) before completing a request", ev.ErrorCode)
		}
	}
}

// SendResponse emits HEADERS carrying :status ahead of the caller's
// headers, then fragments body into DATA frames with END_STREAM on the
// last one.
func (sv *Conn) SendResponse(streamID uint32, status string, headers []hpackadapter.Header, body []byte) error {
	full := make([]hpackadapter.Header, 0, 1+len(headers))
	full = append(full, hpackadapter.Header{Name: ":status", Value: status})
	full = append(full, headers...)

	endStream := len(body) == 0
	if err := sv.c.SendHeaders(streamID, full, endStream); err != nil {
		return err
	}
	if !endStream {
		return sv.c.SendData(streamID, body, true)
	}
	return nil
}

// PushPromise emits a server push announcement: a PUSH_PROMISE on
// streamID reserving a new even-numbered stream for the given
// method/path, ahead of (or instead of) a matching response on that
// new stream. This is the frame constructor only — there is no
// client-side promise-acceptance bookkeeping, so the caller is
// responsible for later calling SendResponse on the promised id.
func (sv *Conn) PushPromise(streamID uint32, method, scheme, authority, path string, headers []hpackadapter.Header) (uint32, error) {
	promised, err := sv.c.ReservePushStream()
	if err != nil {
		return 0, err
	}
	full := make([]hpackadapter.Header, 0, 4+len(headers))
	full = append(full,
		hpackadapter.Header{Name: ":method", Value: method},
		hpackadapter.Header{Name: ":scheme", Value: scheme},
		hpackadapter.Header{Name: ":authority", Value: authority},
		hpackadapter.Header{Name: ":path", Value: path},
	)
	full = append(full, headers...)
	if err := sv.c.SendPushPromise(streamID, promised.ID, full); err != nil {
		return 0, err
	}
	return promised.ID, nil
}

// SendRSTStream resets a stream with the given error code, e.g. CANCEL
// or REFUSED_STREAM.
func (sv *Conn) SendRSTStream(streamID uint32, code frame.ErrCode) error {
	return sv.c.SendRSTStream(streamID, code)
}

// SendGoAway begins graceful shutdown: the peer should not expect any
// stream above the id this connection has already seen to be serviced.
func (sv *Conn) SendGoAway(code frame.ErrCode, debug []byte) error {
	return sv.c.SendGoAway(code, debug)
}

// Close closes the underlying connection.
func (sv *Conn) Close() error { return sv.c.Close() }
