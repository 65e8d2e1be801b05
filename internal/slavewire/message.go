// Package slavewire implements the slave wire protocol (spec.md section
// 4.1/6, port 5555) as a gRPC bidirectional stream. See SPEC_FULL.md
// section 1C for why a real ZeroMQ req/rep socket became a gRPC stream:
// in short, no Go ZeroMQ binding exists in the retrieval pack, and the
// teacher's own protoc-generated build service (cmd/distri/builder.go) was
// never checked in as generated code, so messages travel as
// gob-encoded envelopes boxed in wrapperspb.BytesValue rather than
// hand-authored .pb.go output.
package slavewire

import (
	"bytes"
	"encoding/gob"
	"time"
)

// Message is the exhaustive set of slave-protocol verbs (spec.md section
// 4.5 table), one concrete type per verb — the same "Dynamic verb
// dispatch" idiom internal/oracle uses for its verb set.
type Message interface {
	isSlaveMessage()
}

// Slave -> master.
type Hello struct{ SlaveID int64 }
type Idle struct{}
type Built struct {
	Package  string
	Version  string
	Status   bool
	Duration time.Duration
	Log      []byte
	Files    map[string]FileMeta
}
type Sent struct{}
type Bye struct{}

// FailedTransfer is sent in place of Sent when the File Juggler signalled a
// hash mismatch for Filename at the end of its upload session (the Juggler
// itself does not retry) (spec.md section 4.6): the Driver either reissues Send for the same file
// or, past the configured retry bound, abandons the build.
type FailedTransfer struct{ Filename string }

// Master -> slave.
type Build struct{ Package, Version string }
type Sleep struct{}
type Send struct{ Filename string }
type Done struct{}

// FileMeta is the per-file metadata BUILT carries for each produced wheel:
// size, hash and the platform/abi/python-version tags the filename encodes.
type FileMeta struct {
	Size              int64
	Hash              string
	PackageVersionTag string
	PyVersionTag      string
	ABITag            string
	PlatformTag       string
}

func (Hello) isSlaveMessage() {}
func (Idle) isSlaveMessage()  {}
func (Built) isSlaveMessage() {}
func (Sent) isSlaveMessage()  {}
func (Bye) isSlaveMessage()   {}
func (FailedTransfer) isSlaveMessage() {}
func (Build) isSlaveMessage() {}
func (Sleep) isSlaveMessage() {}
func (Send) isSlaveMessage()  {}
func (Done) isSlaveMessage()  {}

func init() {
	gob.Register(Hello{})
	gob.Register(Idle{})
	gob.Register(Built{})
	gob.Register(Sent{})
	gob.Register(Bye{})
	gob.Register(FailedTransfer{})
	gob.Register(Build{})
	gob.Register(Sleep{})
	gob.Register(Send{})
	gob.Register(Done{})
}

// frame is the gob-encoded payload boxed into wrapperspb.BytesValue on the
// wire; the interface value it carries is Message.
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
