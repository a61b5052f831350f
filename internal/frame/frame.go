// Package frame implements the HTTP/2 binary framing layer: the 9-byte
// frame header codec and the ten typed frame payloads defined by RFC 7540.
//
// Unlike a conformance-minded framer, the codec here does not refuse to
// build most malformed frames. Callers constructing adversarial traffic for
// a test harness can set an inconsistent length (WriteRawFrame) or an
// out-of-range flag. Encoding does check that length and stream id fit
// their fields and always clears the reserved stream-id bit, and
// EncodeSettings rejects an ACK carrying parameters; the per-type
// validation otherwise happens on decode.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/net/http2"
)

// Type identifies one of the ten HTTP/2 frame variants.
type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypePriority:
		return "PRIORITY"
	case TypeRSTStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
	}
}

// Flags is a type-specific bitmask. The same bit means different things on
// different frame types (e.g. 0x1 is END_STREAM on DATA/HEADERS, ACK on
// SETTINGS/PING).
type Flags uint8

const (
	FlagEndStream  Flags = 0x1
	FlagAck        Flags = 0x1
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ErrCode is a wire error code as defined by RFC 7540 §7. It is kept
// assignable to/from golang.org/x/net/http2.ErrCode so the engine can
// interoperate with that package's ConnectionError/StreamError types.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

// HTTP2 maps ErrCode to the equivalent golang.org/x/net/http2.ErrCode so
// callers can raise ConnectionError/StreamError values that the rest of the
// ecosystem understands.
func (e ErrCode) HTTP2() http2.ErrCode { return http2.ErrCode(e) }

func (e ErrCode) String() string { return http2.ErrCode(e).String() }

const (
	// HeaderLen is the fixed size of the frame header.
	HeaderLen = 9
	// MaxLength24 is the largest value the 24-bit length field can hold.
	MaxLength24 = 1<<24 - 1
	// MaxStreamID is the largest value the 31-bit stream-id field can hold.
	MaxStreamID = 1<<31 - 1
	// DefaultMaxFrameSize is SETTINGS_MAX_FRAME_SIZE's RFC default.
	DefaultMaxFrameSize = 16384
	// MinMaxFrameSize is the smallest legal value for SETTINGS_MAX_FRAME_SIZE.
	MinMaxFrameSize = 16384
	// MaxMaxFrameSize is the largest legal value for SETTINGS_MAX_FRAME_SIZE.
	MaxMaxFrameSize = MaxLength24
)

// Preface is the fixed 24-byte connection preface a client sends first.
var Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Header is the decoded form of a frame's 9-byte header.
type Header struct {
	Length   uint32
	Type     Type
	Flags    Flags
	StreamID uint32
}

// EncodeHeader renders h as 9 bytes in network byte order. The reserved bit
// in the stream-id field is cleared, per RFC. length or streamID exceeding
// their field widths is a caller error.
func EncodeHeader(h Header) ([HeaderLen]byte, error) {
	var buf [HeaderLen]byte
	if h.Length > MaxLength24 {
		return buf, fmt.Errorf("frame: length %d exceeds 24-bit field", h.Length)
	}
	if h.StreamID > MaxStreamID {
		return buf, fmt.Errorf("frame: stream id %d exceeds 31-bit field", h.StreamID)
	}
	buf[0] = byte(h.Length >> 16)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length)
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[5:9], h.StreamID&MaxStreamID)
	return buf, nil
}

// DecodeHeader parses the first 9 bytes of b into a Header. The reserved
// bit is preserved by the caller's buffer but masked off in the returned
// StreamID, per RFC 7540 §4.1 ("this bit... MUST be ignored when receiving").
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("frame: %w", &SizeError{Have: len(b), Want: HeaderLen})
	}
	return Header{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     Type(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & MaxStreamID,
	}, nil
}

// SizeError reports that a decode step did not get the number of bytes it
// required. DecodeHeader and the PRIORITY and RST_STREAM decoders return
// it; the other per-type decoders report FRAME_SIZE_ERROR as a
// ConnectionError instead.
type SizeError struct {
	Have, Want int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("frame: have %d bytes, want at least %d", e.Have, e.Want)
}

// Raw is an undecoded frame: a header plus its payload bytes, exactly as
// seen on (or about to go on) the wire. Per-type decoders consume a Raw;
// per-type encoders produce one.
type Raw struct {
	Header  Header
	Payload []byte
}

// WriteRawFrame writes header and payload verbatim, without reconciling
// header.Length against len(payload). This is the low-level primitive
// adversarial traffic is built from — a caller can deliberately set a
// length that doesn't match the payload it supplies.
func WriteRawFrame(w io.Writer, h Header, payload []byte) error {
	buf, err := EncodeHeader(h)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// Encode renders a well-formed Raw frame, setting header.Length to
// len(payload) regardless of what the caller put there.
func (r Raw) Encode() ([]byte, error) {
	h := r.Header
	h.Length = uint32(len(r.Payload))
	buf, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderLen+len(r.Payload))
	out = append(out, buf[:]...)
	out = append(out, r.Payload...)
	return out, nil
}

// ReadRawFrame reads one frame header and its payload from r, enforcing
// maxFrameSize (the local endpoint's SETTINGS_MAX_FRAME_SIZE) against the
// advertised length before allocating or reading the payload.
func ReadRawFrame(r io.Reader, maxFrameSize uint32) (Raw, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Raw{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Raw{}, err
	}
	if h.Length > maxFrameSize {
		return Raw{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: fmt.Sprintf("frame length %d exceeds max frame size %d", h.Length, maxFrameSize)}
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Raw{}, err
		}
	}
	return Raw{Header: h, Payload: payload}, nil
}

// ConnectionError is a connection-fatal protocol violation; callers surface
// it by sending GOAWAY(Code) and closing the transport.
type ConnectionError struct {
	Code ErrCode
	Msg  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("http2: connection error %v: %s", e.Code, e.Msg)
}

// StreamError is a stream-scoped violation; callers surface it by sending
// RST_STREAM(StreamID, Code) and keeping the connection alive.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Msg      string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d error %v: %s", e.StreamID, e.Code, e.Msg)
}
