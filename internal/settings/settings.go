// Package settings provides a typed view of HTTP/2 SETTINGS parameters,
// their RFC defaults, and the validation RFC 7540 §6.5.2 requires when
// applying a received SETTINGS frame.
package settings

import (
	"fmt"
	"math"

	"github.com/perbu/VTest2/internal/frame"
)

// Settings is a typed record of the SETTINGS parameters this engine knows
// about. Fields are pointers so "unset" (fall back to default / leave
// peer's prior value untouched) is distinguishable from "explicitly zero".
type Settings struct {
	HeaderTableSize       *uint32
	EnablePush            *uint32
	MaxConcurrentStreams  *uint32
	InitialWindowSize     *uint32
	MaxFrameSize          *uint32
	MaxHeaderListSize     *uint32
	EnableConnectProtocol *uint32
	NoRFC7540Priorities   *uint32
}

// RFC 7540 §6.5.2 defaults and bounds.
const (
	DefaultHeaderTableSize   = 4096
	DefaultEnablePush        = 1
	DefaultInitialWindowSize = 65535
	DefaultMaxFrameSize      = 16384
	MinMaxFrameSize          = 16384
	MaxMaxFrameSize          = 1<<24 - 1
	MaxInitialWindowSize     = 1<<31 - 1
	UnboundedMaxConcurrent   = math.MaxUint32
	UnboundedMaxHeaderList   = math.MaxUint32
)

// Default returns a Settings populated with RFC defaults for the six RFC
// 7540 parameters (max_concurrent_streams and max_header_list_size default
// to "unbounded", represented as math.MaxUint32). The two extension
// parameters, EnableConnectProtocol and NoRFC7540Priorities, are left nil.
func Default() Settings {
	return Settings{
		HeaderTableSize:      u32p(DefaultHeaderTableSize),
		EnablePush:           u32p(DefaultEnablePush),
		MaxConcurrentStreams: u32p(UnboundedMaxConcurrent),
		InitialWindowSize:    u32p(DefaultInitialWindowSize),
		MaxFrameSize:         u32p(DefaultMaxFrameSize),
		MaxHeaderListSize:    u32p(UnboundedMaxHeaderList),
	}
}

func u32p(v uint32) *uint32 { return &v }

// HeaderTableSizeOr returns the configured header table size or def.
func (s Settings) HeaderTableSizeOr(def uint32) uint32 { return valOr(s.HeaderTableSize, def) }

// EnablePushOr returns the configured enable_push or def.
func (s Settings) EnablePushOr(def uint32) uint32 { return valOr(s.EnablePush, def) }

// MaxConcurrentStreamsOr returns the configured max_concurrent_streams or def.
func (s Settings) MaxConcurrentStreamsOr(def uint32) uint32 {
	return valOr(s.MaxConcurrentStreams, def)
}

// InitialWindowSizeOr returns the configured initial_window_size or def.
func (s Settings) InitialWindowSizeOr(def uint32) uint32 { return valOr(s.InitialWindowSize, def) }

// MaxFrameSizeOr returns the configured max_frame_size or def.
func (s Settings) MaxFrameSizeOr(def uint32) uint32 { return valOr(s.MaxFrameSize, def) }

// MaxHeaderListSizeOr returns the configured max_header_list_size or def.
func (s Settings) MaxHeaderListSizeOr(def uint32) uint32 { return valOr(s.MaxHeaderListSize, def) }

func valOr(p *uint32, def uint32) uint32 {
	if p == nil {
		return def
	}
	return *p
}

// Delta reports which parameters differ between old and new, used by
// callers deciding whether e.g. a HPACK dynamic table resize or a window
// re-application is needed.
type Delta struct {
	InitialWindowSizeChanged bool
	OldInitialWindowSize     uint32
	NewInitialWindowSize     uint32
	HeaderTableSizeChanged   bool
	NewHeaderTableSize       uint32
}

// Parse validates params against RFC 7540 §6.5.2 and returns a Settings
// layered atop current (current's fields are kept for any parameter not
// present in params), plus the Delta needed to apply side effects.
//
// Unknown parameter ids are ignored for forward compatibility, per RFC
// 7540 §6.5.2 — they neither populate a field nor produce an error.
func Parse(current Settings, params []frame.SettingParam) (Settings, Delta, error) {
	next := current
	var delta Delta
	delta.OldInitialWindowSize = current.InitialWindowSizeOr(DefaultInitialWindowSize)
	delta.NewInitialWindowSize = delta.OldInitialWindowSize

	for _, p := range params {
		switch p.ID {
		case frame.SettingHeaderTableSize:
			v := p.Value
			next.HeaderTableSize = &v
			delta.HeaderTableSizeChanged = true
			delta.NewHeaderTableSize = v
		case frame.SettingEnablePush:
			if p.Value != 0 && p.Value != 1 {
				return Settings{}, Delta{}, &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("ENABLE_PUSH must be 0 or 1, got %d", p.Value)}
			}
			v := p.Value
			next.EnablePush = &v
		case frame.SettingMaxConcurrentStreams:
			v := p.Value
			next.MaxConcurrentStreams = &v
		case frame.SettingInitialWindowSize:
			if p.Value > MaxInitialWindowSize {
				return Settings{}, Delta{}, &frame.ConnectionError{Code: frame.ErrCodeFlowControl, Msg: fmt.Sprintf("INITIAL_WINDOW_SIZE %d exceeds 2^31-1", p.Value)}
			}
			v := p.Value
			next.InitialWindowSize = &v
			delta.InitialWindowSizeChanged = true
			delta.NewInitialWindowSize = v
		case frame.SettingMaxFrameSize:
			if p.Value < MinMaxFrameSize || p.Value > MaxMaxFrameSize {
				return Settings{}, Delta{}, &frame.ConnectionError{Code: frame.ErrCodeProtocol, Msg: fmt.Sprintf("MAX_FRAME_SIZE %d out of [%d, %d]", p.Value, MinMaxFrameSize, MaxMaxFrameSize)}
			}
			v := p.Value
			next.MaxFrameSize = &v
		case frame.SettingMaxHeaderListSize:
			v := p.Value
			next.MaxHeaderListSize = &v
		case frame.SettingEnableConnectProto:
			v := p.Value
			next.EnableConnectProtocol = &v
		case frame.SettingNoRFC7540Priorities:
			v := p.Value
			next.NoRFC7540Priorities = &v
		default:
			// Unknown: ignore.
		}
	}
	return next, delta, nil
}
