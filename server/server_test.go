package server

import (
	"context"
	"testing"
	"time"

	"github.com/perbu/VTest2/internal/engine"
	"github.com/perbu/VTest2/internal/frame"
	"github.com/perbu/VTest2/internal/hpackadapter"
	"github.com/perbu/VTest2/internal/testsupport"
	"github.com/perbu/VTest2/internal/transport"
)

func acceptPair(t *testing.T) (*engine.Connection, *Conn) {
	t.Helper()
	a, b := testsupport.MemPipe()
	var clConn transport.Conn = a
	var svConn transport.Conn = b

	clCh := make(chan *engine.Connection, 1)
	clErrCh := make(chan error, 1)
	svCh := make(chan *Conn, 1)
	svErrCh := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cfg := engine.DefaultConfig(true)
		ec, err := engine.New(clConn, cfg)
		if err != nil {
			clErrCh <- err
			return
		}
		clErrCh <- ec.Handshake(ctx)
		clCh <- ec
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		sv, err := Accept(ctx, svConn, engine.DefaultConfig(false))
		svErrCh <- err
		svCh <- sv
	}()

	if err := <-clErrCh; err != nil {
		t.Fatal(err)
	}
	if err := <-svErrCh; err != nil {
		t.Fatal(err)
	}
	return <-clCh, <-svCh
}

func TestRecvRequestAssemblesHeadersAndBody(t *testing.T) {
	cl, sv := acceptPair(t)
	defer cl.Close()
	defer sv.Close()

	st, err := cl.AllocateStream()
	if err != nil {
		t.Fatal(err)
	}
	reqHeaders := []hpackadapter.Header{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/items"},
	}

	go func() {
		cl.SendHeaders(st.ID, reqHeaders, false)
		cl.SendData(st.ID, []byte("payload"), true)
	}()

	req, err := sv.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.Method() != "POST" || req.Path() != "/items" {
		t.Fatalf("unexpected request headers: %+v", req.Headers)
	}
	if string(req.Body) != "payload" {
		t.Fatalf("got body %q", req.Body)
	}
}

func TestSendResponseCarriesStatusAndBody(t *testing.T) {
	cl, sv := acceptPair(t)
	defer cl.Close()
	defer sv.Close()

	st, err := cl.AllocateStream()
	if err != nil {
		t.Fatal(err)
	}
	go cl.SendHeaders(st.ID, []hpackadapter.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}, true)

	req, err := sv.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}

	respDone := make(chan error, 1)
	go func() { respDone <- sv.SendResponse(req.StreamID, "404", nil, []byte("not found")) }()

	var gotStatus string
	var gotBody []byte
	for {
		ev, err := cl.ReadEvent()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == engine.EventHeaders {
			for _, h := range ev.Headers {
				if h.Name == ":status" {
					gotStatus = h.Value
				}
			}
		}
		if ev.Kind == engine.EventData {
			gotBody = append(gotBody, ev.Data...)
		}
		if ev.EndStream {
			break
		}
	}
	if err := <-respDone; err != nil {
		t.Fatal(err)
	}
	if gotStatus != "404" || string(gotBody) != "not found" {
		t.Fatalf("got status=%q body=%q", gotStatus, gotBody)
	}
}

func TestSendRSTStreamResetsClientStream(t *testing.T) {
	cl, sv := acceptPair(t)
	defer cl.Close()
	defer sv.Close()

	st, err := cl.AllocateStream()
	if err != nil {
		t.Fatal(err)
	}
	go cl.SendHeaders(st.ID, []hpackadapter.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/cancel-me"},
	}, true)

	req, err := sv.RecvRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.SendRSTStream(req.StreamID, frame.ErrCodeCancel); err != nil {
		t.Fatal(err)
	}

	ev, err := cl.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != engine.EventStreamClosed || !ev.Reset || ev.ErrorCode != frame.ErrCodeCancel {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
