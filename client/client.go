// Package client implements the client-role HTTP/2 endpoint: connection
// handshake plus request/response framing on top of internal/engine's
// blocking Connection.
package client

import (
	"context"
	"fmt"

	"github.com/perbu/VTest2/internal/engine"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
	"github.com/perbu/VTest2/internal/transport"
)

// Conn is a client-role HTTP/2 connection.
type Conn struct {
	c *engine.Connection

	draining     bool
	lastStreamID uint32
}

// Response is the result of RecvResponse: a status line's worth of
// pseudo/regular headers, the concatenated body, and any trailers.
type Response struct {
	Headers  []hpackadapter.Header
	Body     []byte
	Trailers []hpackadapter.Header
}

// Status returns the value of the ":status" pseudo-header, or "" if
// absent (it always should be present on a well-formed response).
func (r *Response) Status() string {
	for _, h := range r.Headers {
		if h.Name == ":status" {
			return h.Value
		}
	}
	return ""
}

// ErrGoAwayDraining is returned by SendRequest once a GOAWAY has been
// received: no new streams are allocated from that point on.
var ErrGoAwayDraining = fmt.Errorf("client: connection draining after GOAWAY")

// ErrStreamCancelled is returned by RecvResponse for a stream allocated
// after the peer's GOAWAY last_stream_id: it was never actually put on
// the wire, so there is nothing to drain it from, but the caller still
// needs a definite outcome.
var ErrStreamCancelled = fmt.Errorf("client: stream cancelled by GOAWAY before send")

// Connect performs the client side of the preface/SETTINGS handshake
// over an already-dialed transport.
func Connect(ctx context.Context, conn transport.Conn, cfg engine.Config) (*Conn, error) {
	cfg.IsClient = true
	ec, err := engine.New(conn, cfg)
	if err != nil {
		return nil, err
	}
	if err := ec.Handshake(ctx); err != nil {
		return nil, err
	}
	return &Conn{c: ec}, nil
}

// SendRequest allocates a new stream, emits the request HEADERS (with
// :method/:scheme/:authority/:path ahead of the caller's headers), and
// fragments body into DATA frames. It returns the allocated stream id
// for use with RecvResponse.
func (cl *Conn) SendRequest(method, scheme, authority, path string, headers []hpackadapter.Header, body []byte) (uint32, error) {
	if cl.c.GoAwayReceived() {
		return 0, ErrGoAwayDraining
	}
	st, err := cl.c.AllocateStream()
	if err != nil {
		return 0, err
	}
	if cl.c.GoAwayReceived() && st.ID > cl.c.PeerLastStreamID() {
		return st.ID, ErrStreamCancelled
	}

	full := make([]hpackadapter.Header, 0, 4+len(headers))
	full = append(full,
		hpackadapter.Header{Name: ":method", Value: method},
		hpackadapter.Header{Name: ":scheme", Value: scheme},
		hpackadapter.Header{Name: ":authority", Value: authority},
		hpackadapter.Header{Name: ":path", Value: path},
	)
	full = append(full, headers...)

	endStream := len(body) == 0
	if err := cl.c.SendHeaders(st.ID, full, endStream); err != nil {
		return st.ID, err
	}
	if !endStream {
		if err := cl.c.SendData(st.ID, body, true); err != nil {
			return st.ID, err
		}
	}
	return st.ID, nil
}

// Get is the send_request convenience for a bodyless GET.
func (cl *Conn) Get(scheme, authority, path string, headers []hpackadapter.Header) (uint32, error) {
	return cl.SendRequest("GET", scheme, authority, path, headers, nil)
}

// Post is the send_request convenience for a request carrying a body.
func (cl *Conn) Post(scheme, authority, path string, headers []hpackadapter.Header, body []byte) (uint32, error) {
	return cl.SendRequest("POST", scheme, authority, path, headers, body)
}

// RecvResponse drives the receive loop until streamID reaches
// HalfClosedRemote or Closed, returning the assembled response. Events
// for other streams (e.g. interleaved pushes) are observed and discarded
// by this call; a caller juggling several concurrent streams should
// drive ReadEvent itself instead.
func (cl *Conn) RecvResponse(streamID uint32) (*Response, error) {
	resp := &Response{}
	for {
		ev, err := cl.c.ReadEvent()
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case engine.EventGoAway:
			cl.draining = true
			cl.lastStreamID = ev.LastStreamID
			if streamID > ev.LastStreamID {
				return nil, ErrStreamCancelled
			}
		case engine.EventHeaders:
			if ev.StreamID != streamID {
				continue
			}
			if ev.Trailers {
				resp.Trailers = ev.Headers
			} else {
				resp.Headers = ev.Headers
			}
			if ev.EndStream {
				return resp, nil
			}
		case engine.EventData:
			if ev.StreamID != streamID {
				continue
			}
			resp.Body = append(resp.Body, ev.Data...)
			if ev.EndStream {
				return resp, nil
			}
		case engine.EventStreamClosed:
			if ev.StreamID != streamID {
				continue
			}
			if ev.Reset {
				return nil, &frame.StreamError{StreamID: streamID, Code: ev.ErrorCode, Msg: "stream reset by peer"}
			}
			return resp, nil
		}
	}
}

// GoAwayReceived reports whether the peer has sent GOAWAY.
func (cl *Conn) GoAwayReceived() bool { return cl.c.GoAwayReceived() }

// Close closes the underlying connection.
func (cl *Conn) Close() error { return cl.c.Close() }
