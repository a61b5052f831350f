package streams

import (
	"testing"

	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
)

func TestClientAllocatesOddIDs(t *testing.T) {
	m := NewManager(true)
	m.SetPeerMaxConcurrentStreams(100)
	s1, err := m.AllocateLocalStream()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.AllocateLocalStream()
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != 1 || s2.ID != 3 {
		t.Fatalf("got ids %d, %d; want 1, 3", s1.ID, s2.ID)
	}
}

func TestServerAllocatesEvenIDs(t *testing.T) {
	m := NewManager(false)
	m.SetPeerMaxConcurrentStreams(100)
	s1, err := m.AllocateLocalStream()
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != 2 {
		t.Fatalf("got id %d, want 2", s1.ID)
	}
}

func TestAcceptRemoteStreamRejectsWrongParity(t *testing.T) {
	m := NewManager(false) // server: remote (client) streams are odd
	m.SetLocalMaxConcurrentStreams(100)
	if _, err := m.AcceptRemoteStream(2); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for even client-initiated stream id")
	}
	if _, err := m.AcceptRemoteStream(1); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptRemoteStreamRejectsNonIncreasing(t *testing.T) {
	m := NewManager(false)
	m.SetLocalMaxConcurrentStreams(100)
	if _, err := m.AcceptRemoteStream(3); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcceptRemoteStream(3); err == nil {
		t.Fatal("expected error for repeated stream id")
	}
	if _, err := m.AcceptRemoteStream(1); err == nil {
		t.Fatal("expected error for decreasing stream id")
	}
}

func TestAcceptRemoteStreamRefusedOverConcurrencyCap(t *testing.T) {
	m := NewManager(false)
	m.SetLocalMaxConcurrentStreams(1)
	if _, err := m.AcceptRemoteStream(1); err != nil {
		t.Fatal(err)
	}
	_, err := m.AcceptRemoteStream(3)
	if err == nil {
		t.Fatal("expected REFUSED_STREAM")
	}
	se, ok := err.(*frame.StreamError)
	if !ok || se.Code != frame.ErrCodeRefusedStream {
		t.Fatalf("expected StreamError(REFUSED_STREAM), got %v", err)
	}
}

func TestAllocateLocalStreamRefusedOverPeerCap(t *testing.T) {
	m := NewManager(true)
	m.SetPeerMaxConcurrentStreams(1)
	if _, err := m.AllocateLocalStream(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AllocateLocalStream(); err == nil {
		t.Fatal("expected caller error exceeding peer max_concurrent_streams")
	}
}

func TestStreamStateTransitions(t *testing.T) {
	m := NewManager(true)
	m.SetPeerMaxConcurrentStreams(10)
	s, err := m.AllocateLocalStream()
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateOpen {
		t.Fatalf("expected open after allocate, got %v", s.State())
	}
	s.HalfCloseLocal()
	if s.State() != StateHalfClosedLocal {
		t.Fatalf("expected half-closed(local), got %v", s.State())
	}
	s.HalfCloseRemote()
	if s.State() != StateClosed {
		t.Fatalf("expected closed after both sides half-close, got %v", s.State())
	}
}

func TestStreamResetMarksClosedByReset(t *testing.T) {
	m := NewManager(true)
	m.SetPeerMaxConcurrentStreams(10)
	s, _ := m.AllocateLocalStream()
	s.Reset()
	if s.State() != StateClosed || !s.ClosedByReset() {
		t.Fatalf("expected closed-by-reset, got state=%v resetFlag=%v", s.State(), s.ClosedByReset())
	}
}

func TestCanReceiveFrameOnIdleStream(t *testing.T) {
	st := newStream(5, 65535, 65535)
	if err := st.CanReceiveFrame(frame.TypeData); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for DATA on idle stream")
	}
	if err := st.CanReceiveFrame(frame.TypeHeaders); err != nil {
		t.Fatal(err)
	}
}

func TestCanReceiveFrameOnClosedStream(t *testing.T) {
	st := newStream(5, 65535, 65535)
	st.Reset()
	if err := st.CanReceiveFrame(frame.TypeData); err == nil {
		t.Fatal("expected error for DATA on closed stream")
	}
	if err := st.CanReceiveFrame(frame.TypeWindowUpdate); err != nil {
		t.Fatal(err)
	}
}

func TestContinuationModeTracking(t *testing.T) {
	m := NewManager(false)
	if _, active := m.ExpectingContinuation(); active {
		t.Fatal("expected no continuation mode initially")
	}
	m.BeginContinuation(7, 7)
	if err := m.CheckContinuationFrame(frame.TypeData, 7); err == nil {
		t.Fatal("expected COMPRESSION_ERROR: DATA while continuation active")
	}
	if err := m.CheckContinuationFrame(frame.TypeContinuation, 9); err == nil {
		t.Fatal("expected COMPRESSION_ERROR: wrong stream")
	}
	if err := m.CheckContinuationFrame(frame.TypeContinuation, 7); err != nil {
		t.Fatal(err)
	}
	m.EndContinuation()
	if err := m.CheckContinuationFrame(frame.TypeData, 99); err != nil {
		t.Fatal("expected no restriction once continuation mode ends")
	}
}

func TestValidateHeaderBlockRequiresPseudoHeaders(t *testing.T) {
	ok := []hpackadapter.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
		{Name: "user-agent", Value: "h2lab"},
	}
	if err := ValidateHeaderBlock(ok); err != nil {
		t.Fatal(err)
	}

	missing := []hpackadapter.Header{{Name: ":method", Value: "GET"}}
	if err := ValidateHeaderBlock(missing); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for missing :scheme/:path")
	}
}

func TestValidateHeaderBlockRejectsPseudoAfterRegular(t *testing.T) {
	bad := []hpackadapter.Header{
		{Name: "user-agent", Value: "h2lab"},
		{Name: ":method", Value: "GET"},
	}
	if err := ValidateHeaderBlock(bad); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for pseudo-header after regular header")
	}
}

func TestValidateHeaderBlockRejectsConnectionSpecific(t *testing.T) {
	bad := []hpackadapter.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: "connection", Value: "keep-alive"},
	}
	if err := ValidateHeaderBlock(bad); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for connection header")
	}
}

func TestValidateHeaderBlockAcceptsTEWithTrailersOnly(t *testing.T) {
	base := []hpackadapter.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
	}
	good := append(base, hpackadapter.Header{Name: "te", Value: "trailers"})
	if err := ValidateHeaderBlock(good); err != nil {
		t.Fatal(err)
	}
	bad := append(base, hpackadapter.Header{Name: "te", Value: "gzip"})
	if err := ValidateHeaderBlock(bad); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for TE != trailers")
	}
}

func TestValidateTrailerBlockRejectsPseudoHeaders(t *testing.T) {
	bad := []hpackadapter.Header{{Name: ":status", Value: "200"}}
	if err := ValidateTrailerBlock(bad); err == nil {
		t.Fatal("expected PROTOCOL_ERROR for pseudo-header in trailers")
	}
	good := []hpackadapter.Header{{Name: "x-checksum", Value: "abc"}}
	if err := ValidateTrailerBlock(good); err != nil {
		t.Fatal(err)
	}
}

func TestResponseHeadersSkipRequestPseudoRequirement(t *testing.T) {
	resp := []hpackadapter.Header{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}
	if err := ValidateHeaderBlock(resp); err != nil {
		t.Fatal(err)
	}
}
