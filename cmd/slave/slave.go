// Command slave is the reference slave FSM client (SPEC_FULL.md section
// 4.5A, supplementing the distillation): it drives one HELLO..BYE
// slavewire session and, for each assigned build, one HELLO..DONE filewire
// session per produced file.
//
// Grounded on original_source/piwheels/slave/__init__.py's PiWheelsSlave,
// an explicit one-request-at-a-time state machine (Design Note
// "Coroutine-style control flow in the slave"); the Builder seam stands in
// for the out-of-scope slave-side build executor.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/piwheels/farm/internal/filewire"
	"github.com/piwheels/farm/internal/slavewire"
)

// BuildResult is what a Builder reports back after attempting one
// (package, version), shaped to match spec.md section 4.5's BUILT message
// exactly: status, duration, captured log, and per-file metadata.
type BuildResult struct {
	Status   bool
	Duration time.Duration
	Log      []byte
	Files    map[string]FileArtifact
}

// FileArtifact is a produced wheel's bytes plus the tags the filename
// encodes. The slave computes Hash itself so the Juggler can verify
// against a value it didn't also compute.
type FileArtifact struct {
	Bytes             []byte
	PackageVersionTag string
	PyVersionTag      string
	ABITag            string
	PlatformTag       string
}

// Builder executes one build. The out-of-scope build executor lives
// behind this seam; the reference implementation below
// (*nullBuilder) only logs and returns an empty successful result.
type Builder interface {
	Build(ctx context.Context, pkg, version string) (BuildResult, error)
}

// nullBuilder is the reference Builder: it performs no real build.
type nullBuilder struct{}

func (nullBuilder) Build(ctx context.Context, pkg, version string) (BuildResult, error) {
	log.Printf("slave: (reference builder) would build %s %s; returning empty success", pkg, version)
	return BuildResult{Status: true, Duration: 0, Log: []byte("reference builder: no-op\n")}, nil
}

// Slave drives the protocol session against one master.
type Slave struct {
	wire    *slavewire.Client
	files   *filewire.Client
	builder Builder
	id      int64
}

// New creates a Slave. builder may be nil, in which case the reference
// nullBuilder is used.
func New(wire *slavewire.Client, files *filewire.Client, builder Builder) *Slave {
	if builder == nil {
		builder = nullBuilder{}
	}
	return &Slave{wire: wire, files: files, builder: builder}
}

// Run drives one persistent HELLO..BYE session, looping IDLE/BUILD cycles
// until ctx is canceled.
func (s *Slave) Run(ctx context.Context) error {
	session, err := s.wire.Open(ctx)
	if err != nil {
		return err
	}
	defer session.CloseSend()

	if err := session.Send(slavewire.Hello{}); err != nil {
		return err
	}
	msg, err := session.Recv()
	if err != nil {
		return err
	}
	hello, ok := msg.(slavewire.Hello)
	if !ok {
		return session.Send(slavewire.Bye{})
	}
	s.id = hello.SlaveID
	log.Printf("slave: assigned id %d", s.id)

	for {
		select {
		case <-ctx.Done():
			session.Send(slavewire.Bye{})
			return ctx.Err()
		default:
		}

		if err := session.Send(slavewire.Idle{}); err != nil {
			return err
		}
		msg, err := session.Recv()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case slavewire.Sleep:
			time.Sleep(time.Second)
		case slavewire.Build:
			if err := s.runBuild(ctx, session, m); err != nil {
				return err
			}
		case slavewire.Bye:
			return nil
		default:
			return session.Send(slavewire.Bye{})
		}
	}
}

func (s *Slave) runBuild(ctx context.Context, session slavewire.SessionClient, build slavewire.Build) error {
	result, err := s.builder.Build(ctx, build.Package, build.Version)
	if err != nil {
		result = BuildResult{Status: false, Log: []byte(err.Error())}
	}

	wireFiles := make(map[string]slavewire.FileMeta, len(result.Files))
	for name, artifact := range result.Files {
		sum := sha256.Sum256(artifact.Bytes)
		wireFiles[name] = slavewire.FileMeta{
			Size:              int64(len(artifact.Bytes)),
			Hash:              hex.EncodeToString(sum[:]),
			PackageVersionTag: artifact.PackageVersionTag,
			PyVersionTag:      artifact.PyVersionTag,
			ABITag:            artifact.ABITag,
			PlatformTag:       artifact.PlatformTag,
		}
	}

	if err := session.Send(slavewire.Built{
		Package:  build.Package,
		Version:  build.Version,
		Status:   result.Status,
		Duration: result.Duration,
		Log:      result.Log,
		Files:    wireFiles,
	}); err != nil {
		return err
	}

	for {
		msg, err := session.Recv()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case slavewire.Send:
			ok, err := s.upload(ctx, build.Package, m.Filename, result.Files[m.Filename], wireFiles[m.Filename])
			if err != nil {
				return err
			}
			if ok {
				if err := session.Send(slavewire.Sent{}); err != nil {
					return err
				}
			} else if err := session.Send(slavewire.FailedTransfer{Filename: m.Filename}); err != nil {
				return err
			}
		case slavewire.Done:
			return nil
		case slavewire.Bye:
			return nil
		default:
			return session.Send(slavewire.Bye{})
		}
	}
}

// upload runs one filewire session for a single file, answering FETCH
// requests from its in-memory bytes until the Juggler confirms the hash.
func (s *Slave) upload(ctx context.Context, pkg, filename string, artifact FileArtifact, meta slavewire.FileMeta) (bool, error) {
	stream, err := s.files.Open(ctx)
	if err != nil {
		return false, err
	}
	defer stream.CloseSend()

	if err := stream.Send(filewire.Hello{
		SlaveID:  s.id,
		Package:  pkg,
		Filename: filename,
		Filesize: meta.Size,
		Filehash: meta.Hash,
	}); err != nil {
		return false, err
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case filewire.Fetch:
			end := m.Offset + m.Size
			if end > int64(len(artifact.Bytes)) {
				end = int64(len(artifact.Bytes))
			}
			chunk := filewire.Chunk{Offset: m.Offset, Bytes: bytes.Clone(artifact.Bytes[m.Offset:end])}
			if err := stream.Send(chunk); err != nil {
				return false, err
			}
		case filewire.Done:
			return true, nil
		case filewire.Mismatch:
			return false, nil
		}
	}
}
