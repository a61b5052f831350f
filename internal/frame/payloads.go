package frame

import (
	"encoding/binary"
	"fmt"
)

// Priority is the 5-byte stream-dependency/weight/exclusive record shared
// by HEADERS (when FlagPriority is set) and PRIORITY frames.
type Priority struct {
	Exclusive  bool
	Dependency uint32
	Weight     uint8 // wire value is weight-1; Weight here is the true 1-256 weight
}

func encodePriority(p Priority) [5]byte {
	var buf [5]byte
	dep := p.Dependency & MaxStreamID
	if p.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(buf[0:4], dep)
	buf[4] = p.Weight - 1
	return buf
}

func decodePriority(b []byte) Priority {
	raw := binary.BigEndian.Uint32(b[0:4])
	return Priority{
		Exclusive:  raw&(1<<31) != 0,
		Dependency: raw & MaxStreamID,
		Weight:     b[4] + 1,
	}
}

// DataFrame is the decoded/to-be-encoded payload of a DATA frame.
type DataFrame struct {
	StreamID  uint32
	EndStream bool
	Padded    bool
	PadLength uint8
	Data      []byte
}

// EncodeData builds a complete DATA frame. Setting Padded sets the PADDED
// flag even when PadLength is 0, to preserve roundtrip fidelity of
// malformed-traffic tests that care about the flag independent of content.
func EncodeData(f DataFrame) ([]byte, error) {
	if f.Padded && int(f.PadLength) > MaxLength24 {
		return nil, fmt.Errorf("frame: pad length %d invalid", f.PadLength)
	}
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	payload := make([]byte, 0, 1+len(f.Data)+int(f.PadLength))
	if f.Padded {
		flags |= FlagPadded
		payload = append(payload, f.PadLength)
	}
	payload = append(payload, f.Data...)
	if f.Padded && f.PadLength > 0 {
		payload = append(payload, make([]byte, f.PadLength)...)
	}
	r := Raw{Header: Header{Type: TypeData, Flags: flags, StreamID: f.StreamID}, Payload: payload}
	return r.Encode()
}

// DecodeData parses a DATA payload given its already-decoded header.
func DecodeData(h Header, payload []byte) (DataFrame, error) {
	f := DataFrame{
		StreamID:  h.StreamID,
		EndStream: h.Flags.Has(FlagEndStream),
		Padded:    h.Flags.Has(FlagPadded),
	}
	if !f.Padded {
		f.Data = payload
		return f, nil
	}
	if len(payload) < 1 {
		return DataFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "DATA frame too short for pad length byte"}
	}
	f.PadLength = payload[0]
	rest := payload[1:]
	if int(f.PadLength) > len(rest) {
		return DataFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "DATA pad length exceeds payload"}
	}
	f.Data = rest[:len(rest)-int(f.PadLength)]
	return f, nil
}

// HeadersFrame is the decoded/to-be-encoded payload of a HEADERS frame.
// HeaderBlockFragment is opaque HPACK-encoded bytes.
type HeadersFrame struct {
	StreamID            uint32
	EndStream           bool
	EndHeaders          bool
	Padded              bool
	PadLength           uint8
	HasPriority         bool
	Priority            Priority
	HeaderBlockFragment []byte
}

// EncodeHeaders builds a complete HEADERS frame. It does not fragment into
// CONTINUATION frames; see internal/engine for fragmentation by peer
// max-frame-size.
func EncodeHeaders(f HeadersFrame) ([]byte, error) {
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	payload := make([]byte, 0, 6+len(f.HeaderBlockFragment)+int(f.PadLength))
	if f.Padded {
		flags |= FlagPadded
		payload = append(payload, f.PadLength)
	}
	if f.HasPriority {
		flags |= FlagPriority
		pb := encodePriority(f.Priority)
		payload = append(payload, pb[:]...)
	}
	payload = append(payload, f.HeaderBlockFragment...)
	if f.Padded && f.PadLength > 0 {
		payload = append(payload, make([]byte, f.PadLength)...)
	}
	r := Raw{Header: Header{Type: TypeHeaders, Flags: flags, StreamID: f.StreamID}, Payload: payload}
	return r.Encode()
}

// DecodeHeaders parses a HEADERS payload given its already-decoded header.
func DecodeHeaders(h Header, payload []byte) (HeadersFrame, error) {
	f := HeadersFrame{
		StreamID:   h.StreamID,
		EndStream:  h.Flags.Has(FlagEndStream),
		EndHeaders: h.Flags.Has(FlagEndHeaders),
		Padded:     h.Flags.Has(FlagPadded),
	}
	rest := payload
	if f.Padded {
		if len(rest) < 1 {
			return HeadersFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "HEADERS too short for pad length byte"}
		}
		f.PadLength = rest[0]
		rest = rest[1:]
	}
	if h.Flags.Has(FlagPriority) {
		f.HasPriority = true
		if len(rest) < 5 {
			return HeadersFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "HEADERS too short for priority"}
		}
		f.Priority = decodePriority(rest[:5])
		rest = rest[5:]
	}
	if int(f.PadLength) > len(rest) {
		return HeadersFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "HEADERS pad length exceeds payload"}
	}
	f.HeaderBlockFragment = rest[:len(rest)-int(f.PadLength)]
	return f, nil
}

// PriorityFrame is the decoded/to-be-encoded payload of a PRIORITY frame.
type PriorityFrame struct {
	StreamID uint32
	Priority Priority
}

func EncodePriorityFrame(f PriorityFrame) ([]byte, error) {
	pb := encodePriority(f.Priority)
	r := Raw{Header: Header{Type: TypePriority, StreamID: f.StreamID}, Payload: pb[:]}
	return r.Encode()
}

func DecodePriorityFrame(h Header, payload []byte) (PriorityFrame, error) {
	if len(payload) != 5 {
		return PriorityFrame{}, &SizeError{Have: len(payload), Want: 5}
	}
	return PriorityFrame{StreamID: h.StreamID, Priority: decodePriority(payload)}, nil
}

// RSTStreamFrame is the decoded/to-be-encoded payload of a RST_STREAM frame.
type RSTStreamFrame struct {
	StreamID  uint32
	ErrorCode ErrCode
}

func EncodeRSTStream(f RSTStreamFrame) ([]byte, error) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(f.ErrorCode))
	r := Raw{Header: Header{Type: TypeRSTStream, StreamID: f.StreamID}, Payload: payload[:]}
	return r.Encode()
}

func DecodeRSTStream(h Header, payload []byte) (RSTStreamFrame, error) {
	if len(payload) != 4 {
		return RSTStreamFrame{}, &SizeError{Have: len(payload), Want: 4}
	}
	return RSTStreamFrame{StreamID: h.StreamID, ErrorCode: ErrCode(binary.BigEndian.Uint32(payload))}, nil
}

// SettingParam is one (id, value) pair inside a SETTINGS payload.
type SettingParam struct {
	ID    SettingID
	Value uint32
}

// SettingID identifies a SETTINGS parameter, per RFC 7540 §6.5.2 and
// RFC 8441/9113 extensions.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
	SettingEnableConnectProto   SettingID = 0x8
	SettingNoRFC7540Priorities  SettingID = 0x9
)

func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "MAX_HEADER_LIST_SIZE"
	case SettingEnableConnectProto:
		return "ENABLE_CONNECT_PROTOCOL"
	case SettingNoRFC7540Priorities:
		return "NO_RFC7540_PRIORITIES"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint16(s))
	}
}

// SettingsFrame is the decoded/to-be-encoded payload of a SETTINGS frame.
type SettingsFrame struct {
	Ack    bool
	Params []SettingParam
}

func EncodeSettings(f SettingsFrame) ([]byte, error) {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
		if len(f.Params) != 0 {
			return nil, fmt.Errorf("frame: SETTINGS ACK must carry no parameters")
		}
	}
	payload := make([]byte, len(f.Params)*6)
	for i, p := range f.Params {
		binary.BigEndian.PutUint16(payload[i*6:], uint16(p.ID))
		binary.BigEndian.PutUint32(payload[i*6+2:], p.Value)
	}
	r := Raw{Header: Header{Type: TypeSettings, Flags: flags}, Payload: payload}
	return r.Encode()
}

func DecodeSettings(h Header, payload []byte) (SettingsFrame, error) {
	if h.StreamID != 0 {
		return SettingsFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "SETTINGS on non-zero stream"}
	}
	ack := h.Flags.Has(FlagAck)
	if ack {
		if len(payload) != 0 {
			return SettingsFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "SETTINGS ACK with non-empty payload"}
		}
		return SettingsFrame{Ack: true}, nil
	}
	if len(payload)%6 != 0 {
		return SettingsFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "SETTINGS payload length not a multiple of 6"}
	}
	params := make([]SettingParam, len(payload)/6)
	for i := range params {
		off := i * 6
		params[i] = SettingParam{
			ID:    SettingID(binary.BigEndian.Uint16(payload[off:])),
			Value: binary.BigEndian.Uint32(payload[off+2:]),
		}
	}
	return SettingsFrame{Params: params}, nil
}

// PushPromiseFrame is the decoded/to-be-encoded payload of a PUSH_PROMISE
// frame.
type PushPromiseFrame struct {
	StreamID            uint32
	PromisedStreamID    uint32
	EndHeaders          bool
	Padded              bool
	PadLength           uint8
	HeaderBlockFragment []byte
}

func EncodePushPromise(f PushPromiseFrame) ([]byte, error) {
	var flags Flags
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	payload := make([]byte, 0, 5+len(f.HeaderBlockFragment)+int(f.PadLength))
	if f.Padded {
		flags |= FlagPadded
		payload = append(payload, f.PadLength)
	}
	var pid [4]byte
	binary.BigEndian.PutUint32(pid[:], f.PromisedStreamID&MaxStreamID)
	payload = append(payload, pid[:]...)
	payload = append(payload, f.HeaderBlockFragment...)
	if f.Padded && f.PadLength > 0 {
		payload = append(payload, make([]byte, f.PadLength)...)
	}
	r := Raw{Header: Header{Type: TypePushPromise, Flags: flags, StreamID: f.StreamID}, Payload: payload}
	return r.Encode()
}

func DecodePushPromise(h Header, payload []byte) (PushPromiseFrame, error) {
	f := PushPromiseFrame{StreamID: h.StreamID, EndHeaders: h.Flags.Has(FlagEndHeaders), Padded: h.Flags.Has(FlagPadded)}
	rest := payload
	if f.Padded {
		if len(rest) < 1 {
			return PushPromiseFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "PUSH_PROMISE too short for pad length byte"}
		}
		f.PadLength = rest[0]
		rest = rest[1:]
	}
	if len(rest) < 4 {
		return PushPromiseFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "PUSH_PROMISE too short for promised stream id"}
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(rest[0:4]) & MaxStreamID
	rest = rest[4:]
	if int(f.PadLength) > len(rest) {
		return PushPromiseFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "PUSH_PROMISE pad length exceeds payload"}
	}
	f.HeaderBlockFragment = rest[:len(rest)-int(f.PadLength)]
	return f, nil
}

// PingFrame is the decoded/to-be-encoded payload of a PING frame.
type PingFrame struct {
	Ack  bool
	Data [8]byte
}

func EncodePing(f PingFrame) ([]byte, error) {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
	}
	r := Raw{Header: Header{Type: TypePing, Flags: flags}, Payload: f.Data[:]}
	return r.Encode()
}

func DecodePing(h Header, payload []byte) (PingFrame, error) {
	if h.StreamID != 0 {
		return PingFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "PING on non-zero stream"}
	}
	if len(payload) != 8 {
		return PingFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "PING payload must be 8 bytes"}
	}
	f := PingFrame{Ack: h.Flags.Has(FlagAck)}
	copy(f.Data[:], payload)
	return f, nil
}

// GoAwayFrame is the decoded/to-be-encoded payload of a GOAWAY frame.
type GoAwayFrame struct {
	LastStreamID uint32
	ErrorCode    ErrCode
	DebugData    []byte
}

func EncodeGoAway(f GoAwayFrame) ([]byte, error) {
	payload := make([]byte, 8+len(f.DebugData))
	binary.BigEndian.PutUint32(payload[0:4], f.LastStreamID&MaxStreamID)
	binary.BigEndian.PutUint32(payload[4:8], uint32(f.ErrorCode))
	copy(payload[8:], f.DebugData)
	r := Raw{Header: Header{Type: TypeGoAway}, Payload: payload}
	return r.Encode()
}

func DecodeGoAway(h Header, payload []byte) (GoAwayFrame, error) {
	if h.StreamID != 0 {
		return GoAwayFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "GOAWAY on non-zero stream"}
	}
	if len(payload) < 8 {
		return GoAwayFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "GOAWAY payload too short"}
	}
	return GoAwayFrame{
		LastStreamID: binary.BigEndian.Uint32(payload[0:4]) & MaxStreamID,
		ErrorCode:    ErrCode(binary.BigEndian.Uint32(payload[4:8])),
		DebugData:    payload[8:],
	}, nil
}

// WindowUpdateFrame is the decoded/to-be-encoded payload of a
// WINDOW_UPDATE frame.
type WindowUpdateFrame struct {
	StreamID  uint32
	Increment uint32
}

func EncodeWindowUpdate(f WindowUpdateFrame) ([]byte, error) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], f.Increment&MaxStreamID)
	r := Raw{Header: Header{Type: TypeWindowUpdate, StreamID: f.StreamID}, Payload: payload[:]}
	return r.Encode()
}

func DecodeWindowUpdate(h Header, payload []byte) (WindowUpdateFrame, error) {
	if len(payload) != 4 {
		return WindowUpdateFrame{}, &ConnectionError{Code: ErrCodeFrameSize, Msg: "WINDOW_UPDATE payload must be 4 bytes"}
	}
	inc := binary.BigEndian.Uint32(payload) & MaxStreamID
	if inc == 0 {
		if h.StreamID == 0 {
			return WindowUpdateFrame{}, &ConnectionError{Code: ErrCodeProtocol, Msg: "WINDOW_UPDATE increment must be nonzero"}
		}
		return WindowUpdateFrame{}, &StreamError{StreamID: h.StreamID, Code: ErrCodeProtocol, Msg: "WINDOW_UPDATE increment must be nonzero"}
	}
	return WindowUpdateFrame{StreamID: h.StreamID, Increment: inc}, nil
}

// ContinuationFrame is the decoded/to-be-encoded payload of a
// CONTINUATION frame.
type ContinuationFrame struct {
	StreamID            uint32
	EndHeaders          bool
	HeaderBlockFragment []byte
}

func EncodeContinuation(f ContinuationFrame) ([]byte, error) {
	var flags Flags
	if f.EndHeaders {
		flags |= FlagEndHeaders
	}
	r := Raw{Header: Header{Type: TypeContinuation, Flags: flags, StreamID: f.StreamID}, Payload: f.HeaderBlockFragment}
	return r.Encode()
}

func DecodeContinuation(h Header, payload []byte) (ContinuationFrame, error) {
	return ContinuationFrame{StreamID: h.StreamID, EndHeaders: h.Flags.Has(FlagEndHeaders), HeaderBlockFragment: payload}, nil
}
