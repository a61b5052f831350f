package engine

import (
	"fmt"

	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
	"github.com/perbu/VTest2/internal/streams"
)

// maxContinuationChunk bounds how much of an already-HPACK-encoded header
// block goes into one HEADERS/CONTINUATION frame.
func (c *Connection) maxContinuationChunk() int {
	m := int(c.peerMaxFrameSize)
	if m <= 0 {
		m = int(frame.DefaultMaxFrameSize)
	}
	return m
}

// SendHeaders HPACK-encodes headers and writes them as a HEADERS frame
// followed by as many CONTINUATION frames as needed to stay within the
// peer's MAX_FRAME_SIZE, setting END_HEADERS only on the last fragment.
func (c *Connection) SendHeaders(streamID uint32, headers []hpackadapter.Header, endStream bool) error {
	block, err := c.enc.Encode(headers)
	if err != nil {
		return fmt.Errorf("engine: encode headers: %w", err)
	}

	chunk := c.maxContinuationChunk()
	first := block
	rest := []byte(nil)
	if len(first) > chunk {
		first, rest = block[:chunk], block[chunk:]
	}

	b, err := frame.EncodeHeaders(frame.HeadersFrame{
		StreamID:            streamID,
		EndStream:           endStream,
		EndHeaders:          len(rest) == 0,
		HeaderBlockFragment: first,
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("engine: write headers: %w", err)
	}

	for len(rest) > 0 {
		part := rest
		last := true
		if len(part) > chunk {
			part, rest = rest[:chunk], rest[chunk:]
			last = false
		} else {
			rest = nil
		}
		cb, err := frame.EncodeContinuation(frame.ContinuationFrame{StreamID: streamID, EndHeaders: last, HeaderBlockFragment: part})
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(cb); err != nil {
			return fmt.Errorf("engine: write continuation: %w", err)
		}
	}
	return nil
}

// SendData fragments data into DATA frames no larger than the peer's
// MAX_FRAME_SIZE, blocking (by pumping incoming frames, since this engine
// has no other thread that could deliver a WINDOW_UPDATE) whenever the
// connection or stream send window is too small to fit the next fragment.
// The final fragment carries END_STREAM when endStream is true, and no
// other fragment does. A fragment is sent as soon as either window allows
// at least one byte, so it is smaller than MAX_FRAME_SIZE whenever a window
// is; the frame count is ⌈L/M⌉ only when the windows never hold a fragment
// below M.
func (c *Connection) SendData(streamID uint32, data []byte, endStream bool) error {
	st, ok := c.Streams.GetStream(streamID)
	if !ok {
		return fmt.Errorf("engine: send data: unknown stream %d", streamID)
	}

	if len(data) == 0 {
		return c.writeDataFrame(streamID, nil, endStream)
	}

	for len(data) > 0 {
		maxFrame := int32(c.peerMaxFrameSize)
		n, err := c.waitForSendRoom(st, maxFrame)
		if err != nil {
			return err
		}
		if n > int32(len(data)) {
			n = int32(len(data))
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0

		if err := c.connSendWindow.Consume(n); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
		if err := st.SendWindow.Consume(n); err != nil {
			return &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: err.Error()}
		}
		if err := c.writeDataFrame(streamID, chunk, last && endStream); err != nil {
			return err
		}
	}
	return nil
}

// waitForSendRoom returns how many bytes (up to maxFrame) may currently be
// sent on st, pumping incoming frames (to receive WINDOW_UPDATEs) until
// both the connection and stream windows allow at least one byte.
func (c *Connection) waitForSendRoom(st *streams.Stream, maxFrame int32) (int32, error) {
	for {
		room := maxFrame
		if cw := c.connSendWindow.Current(); cw < room {
			room = cw
		}
		if sw := st.SendWindow.Current(); sw < room {
			room = sw
		}
		if room > 0 {
			return room, nil
		}
		if err := c.pump(); err != nil {
			return 0, err
		}
	}
}

// ReservePushStream reserves the next server-initiated even stream id in
// ReservedLocal state for an outgoing PUSH_PROMISE.
func (c *Connection) ReservePushStream() (*streams.Stream, error) {
	return c.Streams.AllocateLocalPushStream()
}

// SendPushPromise HPACK-encodes the promised request headers and writes
// them as a PUSH_PROMISE frame (plus CONTINUATION frames as needed to
// respect the peer's MAX_FRAME_SIZE) on streamID, announcing promisedID.
func (c *Connection) SendPushPromise(streamID, promisedID uint32, headers []hpackadapter.Header) error {
	block, err := c.enc.Encode(headers)
	if err != nil {
		return fmt.Errorf("engine: encode push promise headers: %w", err)
	}

	chunk := c.maxContinuationChunk()
	first := block
	rest := []byte(nil)
	if len(first) > chunk {
		first, rest = block[:chunk], block[chunk:]
	}

	b, err := frame.EncodePushPromise(frame.PushPromiseFrame{
		StreamID:            streamID,
		PromisedStreamID:    promisedID,
		EndHeaders:          len(rest) == 0,
		HeaderBlockFragment: first,
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("engine: write push promise: %w", err)
	}

	for len(rest) > 0 {
		part := rest
		last := true
		if len(part) > chunk {
			part, rest = rest[:chunk], rest[chunk:]
			last = false
		} else {
			rest = nil
		}
		cb, err := frame.EncodeContinuation(frame.ContinuationFrame{StreamID: streamID, EndHeaders: last, HeaderBlockFragment: part})
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(cb); err != nil {
			return fmt.Errorf("engine: write continuation: %w", err)
		}
	}
	return nil
}

func (c *Connection) writeDataFrame(streamID uint32, data []byte, endStream bool) error {
	b, err := frame.EncodeData(frame.DataFrame{StreamID: streamID, EndStream: endStream, Data: data})
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	if err != nil {
		return fmt.Errorf("engine: write data: %w", err)
	}
	return nil
}
