// Package farmerr defines the error kinds from spec.md section 7. Each kind
// is a concrete type wrapping an underlying cause with golang.org/x/xerrors,
// so errors.Is/errors.As keep working across the %w chain the way the
// teacher wraps errors throughout internal/build and cmd/distri.
package farmerr

import "golang.org/x/xerrors"

// Protocol reports an unknown verb, wrong arity, or a request made in the
// wrong state. The offending peer is answered with BYE or ERR and the
// session ends.
type Protocol struct {
	Peer string
	Err  error
}

func (e *Protocol) Error() string {
	return xerrors.Errorf("protocol error from %s: %w", e.Peer, e.Err).Error()
}

func (e *Protocol) Unwrap() error { return e.Err }

func NewProtocol(peer string, format string, args ...interface{}) *Protocol {
	return &Protocol{Peer: peer, Err: xerrors.Errorf(format, args...)}
}

// Storage reports a SQL failure. The transaction has already been rolled
// back by the caller; the Oracle replies ERR and leaves retry to the caller.
type Storage struct{ Err error }

func (e *Storage) Error() string { return xerrors.Errorf("storage error: %w", e.Err).Error() }
func (e *Storage) Unwrap() error { return e.Err }

func NewStorage(err error) *Storage { return &Storage{Err: err} }

// Integrity reports a hash mismatch or a missing field required to render a
// template. The write is aborted; no partial artifact is ever published.
type Integrity struct{ Err error }

func (e *Integrity) Error() string { return xerrors.Errorf("integrity error: %w", e.Err).Error() }
func (e *Integrity) Unwrap() error { return e.Err }

func NewIntegrity(format string, args ...interface{}) *Integrity {
	return &Integrity{Err: xerrors.Errorf(format, args...)}
}

// Timeout reports a peer that stayed silent beyond its bound. The resource
// it held (a slave slot, an in-flight build) is reclaimed.
type Timeout struct {
	Peer string
	Err  error
}

func (e *Timeout) Error() string {
	return xerrors.Errorf("timeout waiting for %s: %w", e.Peer, e.Err).Error()
}
func (e *Timeout) Unwrap() error { return e.Err }

func NewTimeout(peer string, err error) *Timeout { return &Timeout{Peer: peer, Err: err} }

// Fatal reports an unjoinable worker or a bind failure. The Supervisor
// terminates the process on seeing one.
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return xerrors.Errorf("fatal error: %w", e.Err).Error() }
func (e *Fatal) Unwrap() error { return e.Err }

func NewFatal(format string, args ...interface{}) *Fatal {
	return &Fatal{Err: xerrors.Errorf(format, args...)}
}
