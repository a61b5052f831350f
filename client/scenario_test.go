package client

import (
	"context"
	"testing"
	"time"

	"github.com/perbu/VTest2/internal/engine"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/server"
)

func u32p(v uint32) *uint32 { return &v }

// TestFlowControlledBodyRespectsPeerWindow sends a body far larger than the
// peer's advertised initial window and max frame size, and checks that the
// body is fragmented to exactly the window/frame-size boundaries the peer
// advertised, with only the final fragment carrying END_STREAM. This only
// completes because the receiving side replenishes its window with
// WINDOW_UPDATE as it consumes each DATA frame — without that, the send
// blocks forever once the window is exhausted.
func TestFlowControlledBodyRespectsPeerWindow(t *testing.T) {
	ca, cb := dialPair(t)
	rec := &recordingConn{Conn: ca}

	serverCfg := engine.DefaultConfig(false)
	serverCfg.LocalSettings.InitialWindowSize = u32p(16384)
	serverCfg.LocalSettings.MaxFrameSize = u32p(16384)

	type clRes struct {
		cl  *Conn
		err error
	}
	clCh := make(chan clRes, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cl, err := Connect(ctx, rec, engine.DefaultConfig(true))
		clCh <- clRes{cl, err}
	}()

	svCtx, svCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer svCancel()
	sv, err := server.Accept(svCtx, cb, serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sv.Close()

	clr := <-clCh
	if clr.err != nil {
		t.Fatal(clr.err)
	}
	cl := clr.cl
	defer cl.Close()

	body := make([]byte, 40000)
	for i := range body {
		body[i] = byte(i)
	}

	sendDone := make(chan error, 1)
	go func() {
		_, err := cl.Post("https", "example.com", "/upload", nil, body)
		sendDone <- err
	}()

	req, err := sv.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Body) != len(body) {
		t.Fatalf("got %d body bytes, want %d", len(req.Body), len(body))
	}
	if err := <-sendDone; err != nil {
		t.Fatal(err)
	}

	lens := rec.dataFrameLengths(t)
	want := []int{16384, 16384, 7232}
	if len(lens) != len(want) {
		t.Fatalf("got %d DATA frames %v, want %v", len(lens), lens, want)
	}
	for i, l := range lens {
		if l != want[i] {
			t.Fatalf("DATA frame %d: got length %d, want %d", i, l, want[i])
		}
	}
}

// TestConcurrencyCapRefusesSecondStream checks that once the peer's
// MAX_CONCURRENT_STREAMS is reached, a further SendRequest is refused
// locally, synchronously, without writing anything to the wire.
func TestConcurrencyCapRefusesSecondStream(t *testing.T) {
	serverCfg := engine.DefaultConfig(false)
	serverCfg.LocalSettings.MaxConcurrentStreams = u32p(1)

	cl, sv := connectPairWithConfig(t, engine.DefaultConfig(true), serverCfg)
	defer cl.Close()
	defer sv.Close()

	if _, err := cl.Get("https", "example.com", "/first", nil); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	if _, err := cl.Get("https", "example.com", "/second", nil); err == nil {
		t.Fatal("expected second request to be refused locally under max_concurrent_streams=1")
	}
}

// TestGoAwayCancelsStreamAboveLastStreamID exercises the draining race: a
// stream locally allocated before the caller has observed an already-sent
// GOAWAY must be reported as cancelled once that GOAWAY is finally read,
// rather than hanging waiting for a response that will never arrive.
func TestGoAwayCancelsStreamAboveLastStreamID(t *testing.T) {
	cl, sv := connectPair(t)
	defer cl.Close()
	defer sv.Close()

	roundTrip := func(path string) {
		sendDone := make(chan struct {
			id  uint32
			err error
		}, 1)
		go func() {
			id, err := cl.Get("https", "example.com", path, nil)
			sendDone <- struct {
				id  uint32
				err error
			}{id, err}
		}()

		req, err := sv.RecvRequest()
		if err != nil {
			t.Fatal(err)
		}
		sent := <-sendDone
		if sent.err != nil {
			t.Fatal(sent.err)
		}

		respDone := make(chan error, 1)
		go func() {
			_, err := cl.RecvResponse(sent.id)
			respDone <- err
		}()
		if err := sv.SendResponse(req.StreamID, "200", nil, nil); err != nil {
			t.Fatal(err)
		}
		if err := <-respDone; err != nil {
			t.Fatal(err)
		}
	}

	roundTrip("/a") // stream 1
	roundTrip("/b") // stream 3
	roundTrip("/c") // stream 5
	roundTrip("/d") // stream 7

	if err := sv.SendGoAway(frame.ErrCodeNo, []byte("draining")); err != nil {
		t.Fatal(err)
	}

	// The client allocates stream 9 locally without having pumped the
	// GOAWAY the server already wrote — it hasn't called ReadEvent since
	// stream 7's response, so GoAwayReceived() is still false here.
	st, err := cl.c.AllocateStream()
	if err != nil {
		t.Fatalf("local allocation should still succeed before the GOAWAY is observed: %v", err)
	}
	if st.ID != 9 {
		t.Fatalf("got stream id %d, want 9", st.ID)
	}

	_, err = cl.RecvResponse(st.ID)
	if err != ErrStreamCancelled {
		t.Fatalf("got err %v, want ErrStreamCancelled", err)
	}
}
