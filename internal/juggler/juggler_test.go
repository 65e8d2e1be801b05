package juggler

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"

	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/filewire"
)

// fakeStream implements filewire.TransferServer entirely in-process, so
// Transfer's chunking/hash-verification logic can be exercised without a
// real gRPC connection.
type fakeStream struct {
	grpc.ServerStream // nil; only Send and Recv are called

	toSlave   chan filewire.Message
	fromSlave chan filewire.Message
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		toSlave:   make(chan filewire.Message, 1),
		fromSlave: make(chan filewire.Message, 1),
	}
}

func (s *fakeStream) Send(msg filewire.Message) error {
	s.toSlave <- msg
	return nil
}

func (s *fakeStream) Recv() (filewire.Message, error) {
	return <-s.fromSlave, nil
}

// driveSlave plays the slave side for a file whose bytes are content: it
// answers every FETCH with the requested slice.
func driveSlave(t *testing.T, s *fakeStream, pkg, filename string, content []byte, hash string) {
	t.Helper()
	s.fromSlave <- filewire.Hello{Package: pkg, Filename: filename, Filesize: int64(len(content)), Filehash: hash}
	go func() {
		for msg := range s.toSlave {
			switch m := msg.(type) {
			case filewire.Fetch:
				end := m.Offset + m.Size
				if end > int64(len(content)) {
					end = int64(len(content))
				}
				s.fromSlave <- filewire.Chunk{Offset: m.Offset, Bytes: content[m.Offset:end]}
			case filewire.Done, filewire.Mismatch:
				return
			}
		}
	}()
}

func TestTransferSuccessPublishesFile(t *testing.T) {
	root := t.TempDir()
	j := New(config.Config{OutputPath: root, ChunkSize: 4})

	content := []byte("0123456789abcdef")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	stream := newFakeStream()
	driveSlave(t, stream, "numpy", "numpy-1.0-cp34-cp34m-linux_armv7l.whl", content, hash)

	if err := j.Transfer(stream); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	published := filepath.Join(root, "simple", "numpy", "numpy-1.0-cp34-cp34m-linux_armv7l.whl")
	got, err := os.ReadFile(published)
	if err != nil {
		t.Fatalf("reading published file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("published content = %q, want %q", got, content)
	}
}

func TestTransferRejectsUnrecognizedPlatformTag(t *testing.T) {
	root := t.TempDir()
	j := New(config.Config{OutputPath: root, ChunkSize: 4})

	content := []byte("0123456789abcdef")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	stream := newFakeStream()
	driveSlave(t, stream, "numpy", "numpy-1.0-cp34-cp34m-win_amd64.whl", content, hash)

	if err := j.Transfer(stream); err == nil {
		t.Fatal("Transfer: want error for unrecognized platform tag, got nil")
	}

	published := filepath.Join(root, "simple", "numpy", "numpy-1.0-cp34-cp34m-win_amd64.whl")
	if _, err := os.Stat(published); !os.IsNotExist(err) {
		t.Fatalf("file should not be published for unrecognized platform tag, stat err = %v", err)
	}
}

func TestTransferHashMismatchDiscardsFile(t *testing.T) {
	root := t.TempDir()
	j := New(config.Config{OutputPath: root, ChunkSize: 4})

	content := []byte("0123456789abcdef")
	stream := newFakeStream()
	driveSlave(t, stream, "numpy", "numpy-1.0-cp34-cp34m-linux_armv7l.whl", content, "0000000000000000000000000000000000000000000000000000000000000000")

	if err := j.Transfer(stream); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	published := filepath.Join(root, "simple", "numpy", "numpy-1.0-cp34-cp34m-linux_armv7l.whl")
	if _, err := os.Stat(published); !os.IsNotExist(err) {
		t.Fatalf("file should not be published after hash mismatch, stat err = %v", err)
	}
}
