// Package flowcontrol implements the signed flow-control windows used at
// both connection and stream scope, per RFC 7540 §6.9.
package flowcontrol

import "fmt"

// MaxWindowSize is the largest value a flow-control window may hold.
const MaxWindowSize = 1<<31 - 1

// DefaultConnectionWindow is the fixed connection-scope window size. Unlike
// stream windows, the connection window is never affected by
// SETTINGS_INITIAL_WINDOW_SIZE (RFC 7540 §6.9.2).
const DefaultConnectionWindow = 65535

// DefaultInitialWindowSize is the RFC default for SETTINGS_INITIAL_WINDOW_SIZE.
const DefaultInitialWindowSize = 65535

// Window is a signed 32-bit flow-control counter. A negative value can
// occur transiently after SETTINGS_INITIAL_WINDOW_SIZE shrinks a window
// that already had data in flight; it must still obey the [−2^31, 2^31−1]
// bound on its positive side.
type Window struct {
	cur int32
}

// New returns a Window initialized to v.
func New(v int32) *Window { return &Window{cur: v} }

// Current returns the window's current value.
func (w *Window) Current() int32 { return w.cur }

// CanSend reports whether n bytes may be sent without exceeding the window.
func (w *Window) CanSend(n int32) bool { return n <= w.cur }

// Consume subtracts n (the size of an outgoing/incoming DATA payload,
// including any padding) from the window. It fails with FLOW_CONTROL_ERROR
// semantics if n exceeds the current window.
func (w *Window) Consume(n int32) error {
	if n < 0 {
		return fmt.Errorf("flowcontrol: negative consume %d", n)
	}
	if n > w.cur {
		return &Error{Op: "consume", Requested: n, Current: w.cur}
	}
	w.cur -= n
	return nil
}

// Grow adds delta (from a received WINDOW_UPDATE) to the window. A zero
// delta or a result exceeding MaxWindowSize is FLOW_CONTROL_ERROR.
func (w *Window) Grow(delta int32) error {
	if delta == 0 {
		return &Error{Op: "grow", Requested: delta, Current: w.cur, Msg: "zero increment"}
	}
	next := int64(w.cur) + int64(delta)
	if next > MaxWindowSize {
		return &Error{Op: "grow", Requested: delta, Current: w.cur, Msg: "would exceed 2^31-1"}
	}
	w.cur = int32(next)
	return nil
}

// Error reports a flow-control violation: an over-consume, an overflowing
// or zero grow, or an overflowing SETTINGS_INITIAL_WINDOW_SIZE adjustment.
type Error struct {
	Op        string
	Requested int32
	Current   int32
	Msg       string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("flowcontrol: %s(%d) on window %d: %s", e.Op, e.Requested, e.Current, e.Msg)
	}
	return fmt.Sprintf("flowcontrol: %s(%d) exceeds window %d", e.Op, e.Requested, e.Current)
}

// ApplyInitialWindowChange adjusts every window in windows by delta
// (new − old SETTINGS_INITIAL_WINDOW_SIZE), per RFC 7540 §6.9.2. It
// stops at the first window that would overflow and returns that error:
// windows before it are left adjusted and windows after it are not
// touched. The connection fails as a whole when any stream overflows, so
// the caller closes the connection as soon as this returns a non-nil
// error.
func ApplyInitialWindowChange(windows []*Window, delta int32) error {
	for _, w := range windows {
		next := int64(w.cur) + int64(delta)
		if next > MaxWindowSize || next < -MaxWindowSize-1 {
			return &Error{Op: "apply_initial_window_change", Requested: delta, Current: w.cur, Msg: "stream window would overflow"}
		}
		w.cur = int32(next)
	}
	return nil
}
