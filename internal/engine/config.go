// Package engine implements the connection machinery shared by the client
// and server endpoints: the preface/SETTINGS handshake, the blocking
// frame-dispatch loop, and the GOAWAY/RST_STREAM error taxonomy.
// Endpoints compose a *Connection rather than re-implementing any of
// this.
package engine

import (
	"io"
	"log"

	"github.com/perbu/VTest2/internal/settings"
)

// Config configures a Connection. It is shared by client and server; the
// IsClient flag selects stream-id parity and preface direction.
type Config struct {
	IsClient bool

	// Logger receives handshake completion and connection-fatal errors
	// (each of which sends a GOAWAY). Frame dispatch, graceful GOAWAY and
	// RST_STREAM are not logged. Defaults to a discarding logger when nil.
	Logger *log.Logger

	// LocalSettings are advertised to the peer during the handshake.
	// Nil fields are not advertised and are treated as their RFC defaults.
	LocalSettings settings.Settings
}

func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with RFC-default local settings and a
// silent logger.
func DefaultConfig(isClient bool) Config {
	return Config{
		IsClient:      isClient,
		Logger:        newSilentLogger(),
		LocalSettings: settings.Default(),
	}
}

// Validate clamps out-of-range local settings to RFC bounds and fills in
// a logger if none was set.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
	mfs := c.LocalSettings.MaxFrameSizeOr(settings.DefaultMaxFrameSize)
	if mfs < settings.MinMaxFrameSize {
		mfs = settings.MinMaxFrameSize
	}
	if mfs > settings.MaxMaxFrameSize {
		mfs = settings.MaxMaxFrameSize
	}
	v := mfs
	c.LocalSettings.MaxFrameSize = &v

	iws := c.LocalSettings.InitialWindowSizeOr(settings.DefaultInitialWindowSize)
	if iws > settings.MaxInitialWindowSize {
		iws = settings.MaxInitialWindowSize
	}
	w := iws
	c.LocalSettings.InitialWindowSize = &w
	return nil
}
