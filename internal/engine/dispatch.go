package engine

import (
	"fmt"

	"github.com/perbu/VTest2/internal/flowcontrol"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/settings"
	"github.com/perbu/VTest2/internal/streams"
)

// dispatch handles exactly one already-read raw frame. It either resolves
// the frame entirely in-place (SETTINGS, PING, WINDOW_UPDATE, PRIORITY,
// a non-final header fragment) or sets c.pendingEvent for ReadEvent to
// return. A non-nil return is always a connection-fatal error; the
// dispatch itself is responsible for emitting RST_STREAM on stream-scoped
// violations rather than returning an error for those.
func (c *Connection) dispatch(raw frame.Raw) error {
	switch raw.Header.Type {
	case frame.TypeSettings:
		return c.dispatchSettings(raw)
	case frame.TypePing:
		return c.dispatchPing(raw)
	case frame.TypeWindowUpdate:
		return c.dispatchWindowUpdate(raw)
	case frame.TypeGoAway:
		return c.dispatchGoAway(raw)
	case frame.TypeRSTStream:
		return c.dispatchRSTStream(raw)
	case frame.TypePriority:
		return c.dispatchPriority(raw)
	case frame.TypeHeaders:
		return c.dispatchHeaders(raw)
	case frame.TypeContinuation:
		return c.dispatchContinuation(raw)
	case frame.TypePushPromise:
		return c.dispatchPushPromise(raw)
	case frame.TypeData:
		return c.dispatchData(raw)
	default:
		return nil // unknown frame type: ignore, per RFC 7540 forward-compat rule
	}
}

func (c *Connection) dispatchSettings(raw frame.Raw) error {
	f, err := frame.DecodeSettings(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	if f.Ack {
		if !c.awaitingOwnSettingsAck {
			return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "unexpected SETTINGS ACK"}
		}
		c.awaitingOwnSettingsAck = false
		return nil
	}

	next, delta, err := settings.Parse(c.peerSettings, f.Params)
	if err != nil {
		return err
	}
	if delta.InitialWindowSizeChanged {
		windowDelta := int32(delta.NewInitialWindowSize) - int32(delta.OldInitialWindowSize)
		if err := flowcontrol.ApplyInitialWindowChange(c.Streams.SendWindows(), windowDelta); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
		c.Streams.SetPeerInitialWindow(int32(delta.NewInitialWindowSize))
	}
	if delta.HeaderTableSizeChanged {
		c.enc.SetTableSize(delta.NewHeaderTableSize)
	}
	c.peerSettings = next
	c.peerMaxFrameSize = next.MaxFrameSizeOr(settings.DefaultMaxFrameSize)
	c.Streams.SetPeerMaxConcurrentStreams(next.MaxConcurrentStreamsOr(settings.UnboundedMaxConcurrent))
	c.receivedPeerSettings = true

	ackBytes, err := frame.EncodeSettings(frame.SettingsFrame{Ack: true})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(ackBytes); err != nil {
		return fmt.Errorf("engine: write settings ack: %w", err)
	}
	return nil
}

func (c *Connection) dispatchPing(raw frame.Raw) error {
	f, err := frame.DecodePing(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	if f.Ack {
		return nil
	}
	b, err := frame.EncodePing(frame.PingFrame{Ack: true, Data: f.Data})
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

func (c *Connection) dispatchWindowUpdate(raw frame.Raw) error {
	f, err := frame.DecodeWindowUpdate(raw.Header, raw.Payload)
	if err != nil {
		if se, ok := err.(*frame.StreamError); ok {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: se.Msg}
		}
		return err
	}
	if raw.Header.StreamID == 0 {
		if err := c.connSendWindow.Grow(int32(f.Increment)); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
		return nil
	}
	st, ok := c.Streams.GetStream(raw.Header.StreamID)
	if !ok {
		return nil // stream already closed/unknown: WINDOW_UPDATE on it is harmless
	}
	if err := st.SendWindow.Grow(int32(f.Increment)); err != nil {
		return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
	}
	return nil
}

func (c *Connection) dispatchGoAway(raw frame.Raw) error {
	f, err := frame.DecodeGoAway(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	c.goawayReceived = true
	c.peerLastStreamID = f.LastStreamID
	c.pendingEvent = &Event{Kind: EventGoAway, LastStreamID: f.LastStreamID, ErrorCode: f.ErrorCode}
	return nil
}

func (c *Connection) dispatchRSTStream(raw frame.Raw) error {
	f, err := frame.DecodeRSTStream(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	if st, ok := c.Streams.GetStream(raw.Header.StreamID); ok {
		st.Reset()
	}
	c.pendingEvent = &Event{Kind: EventStreamClosed, StreamID: raw.Header.StreamID, Reset: true, ErrorCode: f.ErrorCode}
	return nil
}

func (c *Connection) dispatchPriority(raw frame.Raw) error {
	f, err := frame.DecodePriorityFrame(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	if st, ok := c.Streams.GetStream(raw.Header.StreamID); ok {
		st.SetPriority(streams.Priority{Dependency: f.Priority.Dependency, Weight: f.Priority.Weight, Exclusive: f.Priority.Exclusive})
	}
	return nil
}

func (c *Connection) dispatchHeaders(raw frame.Raw) error {
	if raw.Header.StreamID == 0 {
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "HEADERS on stream 0"}
	}
	f, err := frame.DecodeHeaders(raw.Header, raw.Payload)
	if err != nil {
		return err
	}

	st, ok := c.Streams.GetStream(raw.Header.StreamID)
	if !ok {
		st, err = c.Streams.AcceptRemoteStream(raw.Header.StreamID)
		if err != nil {
			if se, ok := err.(*frame.StreamError); ok {
				c.SendRSTStream(se.StreamID, se.Code)
				return nil
			}
			return err
		}
	}
	if err := st.CanReceiveFrame(frame.TypeHeaders); err != nil {
		if se, ok := err.(*frame.StreamError); ok {
			c.SendRSTStream(se.StreamID, se.Code)
			return nil
		}
		return err
	}

	if f.HasPriority {
		st.SetPriority(streams.Priority{Dependency: f.Priority.Dependency, Weight: f.Priority.Weight, Exclusive: f.Priority.Exclusive})
	}
	st.AppendHeaderFragment(f.HeaderBlockFragment)
	st.SetPendingEndStream(f.EndStream)

	if !f.EndHeaders {
		c.Streams.BeginContinuation(raw.Header.StreamID, raw.Header.StreamID)
		return nil
	}
	return c.completeHeaderBlock(st)
}

func (c *Connection) dispatchContinuation(raw frame.Raw) error {
	targetID := c.Streams.ContinuationTarget()
	st, ok := c.Streams.GetStream(targetID)
	if !ok {
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "CONTINUATION on unknown stream"}
	}
	f, err := frame.DecodeContinuation(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	st.AppendHeaderFragment(f.HeaderBlockFragment)
	if !f.EndHeaders {
		return nil
	}
	c.Streams.EndContinuation()
	return c.completeHeaderBlock(st)
}

// completeHeaderBlock decodes, validates, and stores an accumulated header
// block once END_HEADERS has been seen (whether on the original
// HEADERS/PUSH_PROMISE or on a terminating CONTINUATION), and produces the
// corresponding Event.
func (c *Connection) completeHeaderBlock(st *streams.Stream) error {
	if origin, ok := c.pushOrigins[st.ID]; ok {
		delete(c.pushOrigins, st.ID)
		return c.completePushPromise(origin, st)
	}

	block := st.HeaderBlock()
	headers, err := c.dec.Decode(block)
	st.ResetHeaderBlock()
	if err != nil {
		return &frame.ConnectionError{Code: frame.ErrCodeCompression, Msg: err.Error()}
	}

	trailers := st.HeadersDone()
	if trailers {
		if err := streams.ValidateTrailerBlock(headers); err != nil {
			return err
		}
		st.Trailers = headers
	} else {
		if err := streams.ValidateHeaderBlock(headers); err != nil {
			return err
		}
		st.Headers = headers
		st.MarkHeadersDone()
	}

	endStream := st.PendingEndStream()
	if endStream {
		st.HalfCloseRemote()
	}
	c.pendingEvent = &Event{Kind: EventHeaders, StreamID: st.ID, Headers: headers, Trailers: trailers, EndStream: endStream}
	return nil
}

// completePushPromise decodes and validates a promised stream's request
// header block (request-style, never trailers) and surfaces
// EventPushPromise. origin is the stream the PUSH_PROMISE was sent on.
func (c *Connection) completePushPromise(origin uint32, promised *streams.Stream) error {
	block := promised.HeaderBlock()
	headers, err := c.dec.Decode(block)
	promised.ResetHeaderBlock()
	if err != nil {
		return &frame.ConnectionError{Code: frame.ErrCodeCompression, Msg: err.Error()}
	}
	if err := streams.ValidateHeaderBlock(headers); err != nil {
		return err
	}
	promised.Headers = headers
	promised.MarkHeadersDone()
	c.pendingEvent = &Event{Kind: EventPushPromise, StreamID: origin, PromisedStreamID: promised.ID, Headers: headers}
	return nil
}

func (c *Connection) dispatchPushPromise(raw frame.Raw) error {
	f, err := frame.DecodePushPromise(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	promised, err := c.Streams.ReserveRemoteFor(f.PromisedStreamID)
	if err != nil {
		return err
	}
	promised.AppendHeaderFragment(f.HeaderBlockFragment)
	if !f.EndHeaders {
		c.pushOrigins[f.PromisedStreamID] = raw.Header.StreamID
		c.Streams.BeginContinuation(raw.Header.StreamID, f.PromisedStreamID)
		return nil
	}
	return c.completePushPromise(raw.Header.StreamID, promised)
}

func (c *Connection) dispatchData(raw frame.Raw) error {
	if raw.Header.StreamID == 0 {
		return &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: "DATA on stream 0"}
	}
	wireLen := int32(raw.Header.Length)
	if err := c.connRecvWindow.Consume(wireLen); err != nil {
		return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
	}

	f, err := frame.DecodeData(raw.Header, raw.Payload)
	if err != nil {
		return err
	}
	st, ok := c.Streams.GetStream(raw.Header.StreamID)
	if !ok {
		c.SendRSTStream(raw.Header.StreamID, frame.ErrCodeStreamClosed)
		return nil
	}
	if err := st.CanReceiveFrame(frame.TypeData); err != nil {
		if se, ok := err.(*frame.StreamError); ok {
			c.SendRSTStream(se.StreamID, se.Code)
			return nil
		}
		return err
	}
	if err := st.RecvWindow.Consume(wireLen); err != nil {
		return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
	}
	st.AppendBody(f.Data)
	if f.EndStream {
		st.HalfCloseRemote()
	}
	if err := c.grantWindowUpdate(raw.Header.StreamID, wireLen); err != nil {
		return err
	}
	if err := c.grantWindowUpdate(0, wireLen); err != nil {
		return err
	}
	c.pendingEvent = &Event{Kind: EventData, StreamID: raw.Header.StreamID, Data: f.Data, EndStream: f.EndStream}
	return nil
}

// grantWindowUpdate replenishes our own bookkeeping for how much more the
// peer may send on streamID (or the connection, for streamID 0) by n bytes
// and tells the peer so via a WINDOW_UPDATE frame. Called immediately
// after consuming n bytes of DATA, so received traffic never permanently
// shrinks a window: a flow-controlled sender can always finish within
// its advertised window.
func (c *Connection) grantWindowUpdate(streamID uint32, n int32) error {
	if n <= 0 {
		return nil
	}
	if streamID == 0 {
		if err := c.connRecvWindow.Grow(n); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
	} else if st, ok := c.Streams.GetStream(streamID); ok {
		if err := st.RecvWindow.Grow(n); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
	}
	b, err := frame.EncodeWindowUpdate(frame.WindowUpdateFrame{StreamID: streamID, Increment: uint32(n)})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("engine: write window update: %w", err)
	}
	return nil
}
