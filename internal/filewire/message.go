// Package filewire implements the slave file upload protocol (spec.md
// section 4.6/6, port 5556) as a gRPC bidirectional stream, for the same
// reasons given in internal/slavewire: no ZeroMQ dealer/router binding
// exists in the retrieval pack, so the "multipart binary frames" spec.md
// section 6 describes become gob-encoded envelopes boxed in
// wrapperspb.BytesValue, exchanged over one bidi stream per upload.
package filewire

import (
	"bytes"
	"encoding/gob"
)

// Message is the exhaustive verb set of the upload protocol (spec.md
// section 4.6/6): HELLO, FETCH, CHUNK, DONE, plus MISMATCH.
type Message interface {
	isFileMessage()
}

// Slave -> juggler. Filesize/Filehash are carried here (rather than
// looked up through the Oracle, which exposes no per-file metadata verb)
// because the slave already computed them locally when reporting BUILT.
type Hello struct {
	SlaveID  int64
	Package  string
	Filename string
	Filesize int64
	Filehash string
}
type Chunk struct {
	Offset int64
	Bytes  []byte
}

// Juggler -> slave.
type Fetch struct {
	Offset int64
	Size   int64
}
type Done struct{}

// Mismatch is sent instead of Done when the assembled file's SHA-256
// doesn't match the hash the slave declared in Hello (spec.md section
// 4.6): the temporary file is discarded and the slave must report the
// failure to the Driver so it can reissue SEND.
type Mismatch struct{}

func (Hello) isFileMessage()    {}
func (Chunk) isFileMessage()    {}
func (Fetch) isFileMessage()    {}
func (Done) isFileMessage()     {}
func (Mismatch) isFileMessage() {}

func init() {
	gob.Register(Hello{})
	gob.Register(Chunk{})
	gob.Register(Fetch{})
	gob.Register(Done{})
	gob.Register(Mismatch{})
}

type frame struct{ Message Message }

// Encode gob-encodes msg for transport.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame{Message: msg}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(b []byte) (Message, error) {
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&f); err != nil {
		return nil, err
	}
	return f.Message, nil
}
