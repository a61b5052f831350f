// Package transport models the byte-stream collaborator an HTTP/2
// connection runs over as a capability set — read, write, close, set a
// deadline — rather than a concrete net.Conn or *tls.Conn type. The
// engine only ever sees a transport.Conn; TLS and ALPN negotiation are
// handled here, once, at connection setup, and never again.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Conn is the capability set the engine needs from a byte stream: ordered
// reads and writes, closing, and deadlines. A plain TCP socket and a
// TLS-wrapped socket both satisfy it identically once connected.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamConn adapts a net.Conn to Conn, buffering reads (frame headers and
// payloads are read in small pieces) while leaving writes unbuffered so a
// caller building adversarial frames controls exactly what hits the wire
// and when.
type streamConn struct {
	nc net.Conn
	r  *bufio.Reader
}

func wrap(nc net.Conn) *streamConn {
	return &streamConn{nc: nc, r: bufio.NewReaderSize(nc, 4096)}
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.nc.Write(p) }
func (c *streamConn) Close() error                { return c.nc.Close() }

func (c *streamConn) SetDeadline(t time.Time) error      { return c.nc.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }

// ALPNError reports that a TLS handshake completed but did not negotiate
// the "h2" protocol.
type ALPNError struct {
	Negotiated string
}

func (e *ALPNError) Error() string {
	if e.Negotiated == "" {
		return "transport: TLS handshake did not negotiate a protocol (peer may not support ALPN)"
	}
	return fmt.Sprintf("transport: TLS handshake negotiated %q, want \"h2\"", e.Negotiated)
}

// DialPlain opens a plain (cleartext) TCP connection — h2 over an
// insecure channel, useful for adversarial/lab traffic generation.
func DialPlain(ctx context.Context, network, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return wrap(nc), nil
}

// DialTLS opens a TLS connection and verifies ALPN negotiated "h2". config
// is cloned and given NextProtos: []string{"h2"} if the caller left it
// unset; a caller that explicitly set a different list is left alone (and
// will likely fail the post-handshake ALPN check here, which is the point
// of a conformance harness being able to probe that path too).
func DialTLS(ctx context.Context, network, addr string, config *tls.Config) (Conn, error) {
	cfg := cloneOrDefaultH2(config)
	d := tls.Dialer{Config: cfg}
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tc := nc.(*tls.Conn)
	if got := tc.ConnectionState().NegotiatedProtocol; got != "h2" {
		tc.Close()
		return nil, &ALPNError{Negotiated: got}
	}
	return wrap(tc), nil
}

func cloneOrDefaultH2(config *tls.Config) *tls.Config {
	var cfg *tls.Config
	if config != nil {
		cfg = config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2"}
	}
	return cfg
}

// Listener accepts inbound connections and returns them as transport.Conn,
// performing the ALPN check on the TLS path before handing a connection to
// the caller.
type Listener struct {
	ln  net.Listener
	tls bool
}

// ListenPlain listens for cleartext connections.
func ListenPlain(network, addr string) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// ListenTLS listens for TLS connections, requiring ALPN "h2" to be offered
// by config (defaulted the same way DialTLS defaults it).
func ListenTLS(network, addr string, config *tls.Config) (*Listener, error) {
	cfg := cloneOrDefaultH2(config)
	ln, err := tls.Listen(network, addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, tls: true}, nil
}

// Accept blocks for the next inbound connection. On the TLS listener it
// drives the handshake to completion and rejects the connection with
// ALPNError if "h2" was not negotiated.
func (l *Listener) Accept() (Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if !l.tls {
		return wrap(nc), nil
	}
	tc := nc.(*tls.Conn)
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return nil, err
	}
	if got := tc.ConnectionState().NegotiatedProtocol; got != "h2" {
		tc.Close()
		return nil, &ALPNError{Negotiated: got}
	}
	return wrap(tc), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
