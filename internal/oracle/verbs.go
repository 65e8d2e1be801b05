package oracle

import "github.com/piwheels/farm/internal/model"

// Request is the exhaustive set of verbs the Oracle answers, per spec.md
// section 4.2. One concrete type per verb implements Design Note "Dynamic
// verb dispatch" literally: the worker type-switches on Request rather than
// dispatching through a string-keyed map of functions.
type Request interface {
	isOracleRequest()
}

type AllPkgs struct{}
type AllVers struct{}
type NewPkg struct{ Pkg string }
type NewVer struct{ Pkg, Ver string }
type SkipPkg struct{ Pkg string }
type SkipVer struct{ Pkg, Ver string }
type PkgExists struct{ Pkg, Ver string }
type LogDownload struct{ Download model.Download }
type LogBuild struct {
	Build model.Build
	Files []model.BuiltFile
}
type DelBuild struct{ Pkg, Ver string }
type PkgFiles struct{ Pkg string }
type VerFiles struct{ Pkg, Ver string }
type GetABIs struct{}
type GetPyPI struct{}
type SetPyPI struct{ Serial int }
type GetStats struct{}
type PkgDownloadCounts struct{}

func (AllPkgs) isOracleRequest()           {}
func (AllVers) isOracleRequest()           {}
func (NewPkg) isOracleRequest()            {}
func (NewVer) isOracleRequest()            {}
func (SkipPkg) isOracleRequest()           {}
func (SkipVer) isOracleRequest()           {}
func (PkgExists) isOracleRequest()         {}
func (LogDownload) isOracleRequest()       {}
func (LogBuild) isOracleRequest()          {}
func (DelBuild) isOracleRequest()          {}
func (PkgFiles) isOracleRequest()          {}
func (VerFiles) isOracleRequest()          {}
func (GetABIs) isOracleRequest()           {}
func (GetPyPI) isOracleRequest()           {}
func (SetPyPI) isOracleRequest()           {}
func (GetStats) isOracleRequest()          {}
func (PkgDownloadCounts) isOracleRequest() {}

// Stats is the GETSTATS reply tuple (spec.md section 4.2).
type Stats struct {
	PackagesBuilt      int
	FilesCount         int
	DownloadsLastMonth int
}

// Result is the Oracle's generic reply envelope: either a value (shape
// depends on the verb; the typed Client methods assert it back) or Err,
// mirroring the "OK payload | ERR reason" contract of spec.md section 4.2.
type Result struct {
	Value interface{}
	Err   error
}
