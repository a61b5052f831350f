// Package hpackadapter wraps golang.org/x/net/http2/hpack behind an
// opaque encoder/decoder contract: callers pass ordered (name, value)
// header lists in and out, never touching the dynamic-table bookkeeping
// directly.
package hpackadapter

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// Header is one (name, value) pair. Order matters: pseudo-headers
// (names starting with ":") must precede regular headers in anything
// passed to Encode — see internal/streams for the decode-side ordering
// check.
type Header struct {
	Name  string
	Value string
}

// Encoder is an opaque HPACK encoder with its own dynamic table.
type Encoder struct {
	enc *hpack.Encoder
	buf *bytes.Buffer
}

// NewEncoder returns an Encoder with the RFC default dynamic table size.
func NewEncoder() *Encoder {
	buf := new(bytes.Buffer)
	return &Encoder{enc: hpack.NewEncoder(buf), buf: buf}
}

// SetTableSize adjusts the encoder's notion of the peer's dynamic table
// size, per a received SETTINGS_HEADER_TABLE_SIZE.
func (e *Encoder) SetTableSize(size uint32) { e.enc.SetMaxDynamicTableSize(size) }

// Encode HPACK-encodes headers, in order, into a single header block
// fragment. The caller is responsible for pseudo-header ordering; this
// layer performs no validation of the names or values it is given.
func (e *Encoder) Encode(headers []Header) ([]byte, error) {
	e.buf.Reset()
	for _, h := range headers {
		if err := e.enc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return nil, fmt.Errorf("hpackadapter: encode %q: %w", h.Name, err)
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// Decoder is an opaque HPACK decoder with its own dynamic table.
type Decoder struct {
	dec               *hpack.Decoder
	maxHeaderListSize uint64
}

// NewDecoder returns a Decoder whose dynamic table never exceeds
// maxDynamicTableSize bytes (our locally advertised
// SETTINGS_HEADER_TABLE_SIZE).
func NewDecoder(maxDynamicTableSize uint32) *Decoder {
	return &Decoder{dec: hpack.NewDecoder(maxDynamicTableSize, nil)}
}

// SetTableSize adjusts the decoder's dynamic table size limit to match a
// locally-changed SETTINGS_HEADER_TABLE_SIZE.
func (d *Decoder) SetTableSize(size uint32) { d.dec.SetMaxDynamicTableSize(size) }

// SetMaxHeaderListSize bounds the total decoded header list size; Decode
// fails with a CompressionError once that bound would be exceeded.
func (d *Decoder) SetMaxHeaderListSize(size uint64) {
	d.maxHeaderListSize = size
}

// Decode parses a complete HPACK header block (possibly assembled from
// HEADERS + zero or more CONTINUATION fragments) into an ordered header
// list.
func (d *Decoder) Decode(block []byte) ([]Header, error) {
	var out []Header
	var total uint64
	d.dec.SetEmitFunc(func(hf hpack.HeaderField) {
		out = append(out, Header{Name: hf.Name, Value: hf.Value})
		total += uint64(len(hf.Name)) + uint64(len(hf.Value)) + 32 // RFC 7541 §4.1 accounting overhead
	})
	if _, err := d.dec.Write(block); err != nil {
		return nil, &CompressionError{Err: err}
	}
	if d.maxHeaderListSize > 0 && total > d.maxHeaderListSize {
		return nil, &CompressionError{Err: fmt.Errorf("decoded header list size %d exceeds max %d", total, d.maxHeaderListSize)}
	}
	return out, nil
}

// CompressionError reports an HPACK decode failure, which is always
// connection-fatal (COMPRESSION_ERROR).
type CompressionError struct {
	Err error
}

func (e *CompressionError) Error() string { return fmt.Sprintf("hpackadapter: compression error: %v", e.Err) }
func (e *CompressionError) Unwrap() error { return e.Err }
