package filewire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		Hello{SlaveID: 7, Package: "numpy", Filename: "numpy-1.26.0-cp311-cp311-linux_armv7l.whl", Filesize: 4096, Filehash: "deadbeef"},
		Chunk{Offset: 1024, Bytes: []byte("some wheel bytes")},
		Fetch{Offset: 1024, Size: 1048576},
		Done{},
		Mismatch{},
	}

	for _, want := range cases {
		encoded, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", want, err)
		}
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		switch w := want.(type) {
		case Hello:
			g, ok := got.(Hello)
			if !ok || g != w {
				t.Fatalf("round-tripped Hello = %#v, want %#v", got, w)
			}
		case Chunk:
			g, ok := got.(Chunk)
			if !ok || g.Offset != w.Offset || string(g.Bytes) != string(w.Bytes) {
				t.Fatalf("round-tripped Chunk = %#v, want %#v", got, w)
			}
		case Fetch:
			g, ok := got.(Fetch)
			if !ok || g != w {
				t.Fatalf("round-tripped Fetch = %#v, want %#v", got, w)
			}
		}
	}
}
