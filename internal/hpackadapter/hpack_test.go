package hpackadapter

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(4096)
	want := []Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
		{Name: "user-agent", Value: "h2lab"},
	}
	block, err := enc.Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Decode(block)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d headers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDynamicTableReuse(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(4096)
	repeated := []Header{{Name: "x-repeat", Value: "same-value-every-time"}}
	first, err := enc.Encode(repeated)
	if err != nil {
		t.Fatal(err)
	}
	second, err := enc.Encode(repeated)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) >= len(first) {
		t.Fatalf("expected dynamic table to shrink repeated encoding: first=%d second=%d", len(first), len(second))
	}
	if _, err := dec.Decode(first); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(second); err != nil {
		t.Fatal(err)
	}
}

func TestMaxHeaderListSizeEnforced(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(4096)
	dec.SetMaxHeaderListSize(40)
	block, err := enc.Encode([]Header{{Name: "x-long", Value: "a-value-well-over-forty-bytes-of-accounting"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(block); err == nil {
		t.Fatal("expected COMPRESSION_ERROR for oversized header list")
	}
}
