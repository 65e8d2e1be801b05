// Package model defines the data types shared across the master's task
// mesh: packages, versions, builds, files, downloads and the transient
// in-memory slave record.
package model

import "time"

// Package is a distinct package name known to the index. Created the first
// time the Architect sees it in an upstream changelog entry; never deleted.
type Package struct {
	Name string
	Skip bool
}

// Version is one (package, version) pair. Immutable once created except for
// Skip, which the Oracle's SKIPVER verb sets to exclude it from future build
// selection.
type Version struct {
	Package string
	Version string
	Skip    bool

	// Built reports whether a successful build currently exists for this
	// (Package, Version). It is computed, not stored, and is populated
	// only in ALLVERS replies for the Architect's candidate selection.
	Built bool
}

// PackageVersion identifies a build target. It is the unit of work the
// Architect publishes on the build queue and the Slave Driver assigns to a
// slave.
type PackageVersion struct {
	Package string
	Version string
}

func (pv PackageVersion) String() string {
	return pv.Package + "-" + pv.Version
}

// Build is one build attempt's durable record. A successful build owns zero
// or more Files. Recording a new successful build for the same
// (Package, Version) supersedes and deletes the prior one, per invariant 1.
type Build struct {
	ID       int64
	Package  string
	Version  string
	Status   bool // true: success, false: failure
	Duration time.Duration
	Output   []byte // captured log text, gzip-compressed at rest
	BuiltBy  int64  // originating slave id
	BuiltAt  time.Time
}

// File is one archive artifact produced by a successful Build. Filename is
// globally unique; Filehash is the canonical integrity anchor (SHA-256 hex).
type File struct {
	Filename          string
	Filesize          int64
	Filehash          string
	BuildID           int64
	PackageVersionTag string
	PyVersionTag      string
	ABITag            string
	PlatformTag       string
}

// Download is an append-only record of a file fetch.
type Download struct {
	Filename   string
	AccessedAt time.Time
	Host       string
}

// PackageDownloadCount is one row of the search index: a package name and
// the number of downloads logged against the files it currently has in the
// files table.
type PackageDownloadCount struct {
	Package string
	Count   int
}

// SlaveState is the Driver-side view of a slave's lifecycle, per
// spec.md section 4.5.
type SlaveState int

const (
	SlaveUnknown SlaveState = iota
	SlaveIdle
	SlaveBuilding
	SlaveSending
	SlaveGone
)

func (s SlaveState) String() string {
	switch s {
	case SlaveUnknown:
		return "UNKNOWN"
	case SlaveIdle:
		return "IDLE"
	case SlaveBuilding:
		return "BUILDING"
	case SlaveSending:
		return "SENDING"
	case SlaveGone:
		return "GONE"
	default:
		return "INVALID"
	}
}

// Slave is a transient record of one connected slave. It is never persisted;
// it is destroyed on BYE or timeout.
type Slave struct {
	ID       int64
	LastSeen time.Time
	State    SlaveState
	Building *PackageVersion

	// PendingFiles are the filenames remaining to SEND for the build
	// currently being transferred, in transfer order.
	PendingFiles []string

	// Retries counts failed hash-verification attempts for the file
	// currently being sent, bounded by config.FileRetryBound.
	Retries int
}

// BuiltFile is one entry of the per-file metadata map a slave reports in its
// BUILT message (spec.md section 4.5).
type BuiltFile struct {
	Filename          string
	Filesize          int64
	Filehash          string
	PackageVersionTag string
	PyVersionTag      string
	ABITag            string
	PlatformTag       string
}
