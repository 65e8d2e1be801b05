// Package juggler implements the File Juggler (spec.md section 4.6): it
// terminates one chunked upload session per file, requesting fixed-size
// chunks in order, verifying the assembled file's SHA-256 against the hash
// the slave declared, and atomically publishing it into the output tree on
// a match. Grounded on cmd/distri/builder.go's buildsrv.Store/Retrieve
// chunked transfer (1 MiB default chunk size) and cmd/distri/mirror.go's
// renameio.WriteFile atomic-publish pattern.
package juggler

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/piwheels/farm/internal/abi"
	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/farmerr"
	"github.com/piwheels/farm/internal/filewire"
)

// Juggler owns simple/<package>/<filename> artifacts in the published
// tree (spec.md section 4.6's "Shared resources" partition).
type Juggler struct {
	cfg config.Config
}

// New creates a Juggler rooted at cfg.OutputPath.
func New(cfg config.Config) *Juggler {
	return &Juggler{cfg: cfg}
}

// Transfer implements filewire.Server: one HELLO..DONE|MISMATCH session
// uploading a single file.
func (j *Juggler) Transfer(stream filewire.TransferServer) error {
	msg, err := stream.Recv()
	if err != nil {
		return err
	}
	hello, ok := msg.(filewire.Hello)
	if !ok {
		return farmerr.NewProtocol("slave", "file upload session did not begin with HELLO, got %T", msg)
	}
	if _, ok := abi.HasTag(hello.Filename); !ok {
		return farmerr.NewProtocol("slave", "%q does not carry a recognized platform tag", hello.Filename)
	}

	dir := filepath.Join(j.cfg.OutputPath, "simple", hello.Package)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return farmerr.NewStorage(err)
	}
	finalPath := filepath.Join(dir, hello.Filename)

	tmp, err := renameio.TempFile(dir, finalPath)
	if err != nil {
		return farmerr.NewStorage(err)
	}
	defer tmp.Cleanup()

	hasher := sha256.New()
	chunkSize := int64(j.cfg.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	var offset int64
	for offset < hello.Filesize {
		size := chunkSize
		if remaining := hello.Filesize - offset; remaining < size {
			size = remaining
		}
		if err := stream.Send(filewire.Fetch{Offset: offset, Size: size}); err != nil {
			return err
		}
		reply, err := stream.Recv()
		if err != nil {
			return err
		}
		chunk, ok := reply.(filewire.Chunk)
		if !ok {
			return farmerr.NewProtocol("slave", "expected CHUNK, got %T", reply)
		}
		if chunk.Offset != offset {
			return farmerr.NewProtocol("slave", "chunk offset %d does not match outstanding request %d", chunk.Offset, offset)
		}
		if _, err := tmp.Write(chunk.Bytes); err != nil {
			return farmerr.NewStorage(err)
		}
		if _, err := hasher.Write(chunk.Bytes); err != nil {
			return farmerr.NewStorage(err)
		}
		offset += int64(len(chunk.Bytes))
	}

	if hex.EncodeToString(hasher.Sum(nil)) != hello.Filehash {
		return stream.Send(filewire.Mismatch{})
	}

	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return farmerr.NewStorage(err)
	}
	return stream.Send(filewire.Done{})
}
