package oracle

import (
	"context"

	"github.com/piwheels/farm/internal/farmerr"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/seraph"
)

// Client is the typed view every other task (Architect, Slave Driver, File
// Juggler, Index Scribe) holds of the Oracle. Each method dispatches one
// verb through the shared Router and asserts the Result's Value back to its
// concrete shape, so callers never see the Request/Result plumbing.
type Client struct {
	router *seraph.Router[Request, Result]
}

// NewClient wraps router as a typed Oracle client.
func NewClient(router *seraph.Router[Request, Result]) *Client {
	return &Client{router: router}
}

func (c *Client) call(ctx context.Context, req Request) (Result, error) {
	res, err := c.router.Dispatch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if res.Err != nil {
		return Result{}, res.Err
	}
	return res, nil
}

func (c *Client) AllPkgs(ctx context.Context) (map[string]bool, error) {
	res, err := c.call(ctx, AllPkgs{})
	if err != nil {
		return nil, err
	}
	return res.Value.(map[string]bool), nil
}

func (c *Client) AllVers(ctx context.Context) ([]model.Version, error) {
	res, err := c.call(ctx, AllVers{})
	if err != nil {
		return nil, err
	}
	vers, _ := res.Value.([]model.Version)
	return vers, nil
}

func (c *Client) NewPkg(ctx context.Context, pkg string) error {
	_, err := c.call(ctx, NewPkg{Pkg: pkg})
	return err
}

func (c *Client) NewVer(ctx context.Context, pkg, ver string) error {
	_, err := c.call(ctx, NewVer{Pkg: pkg, Ver: ver})
	return err
}

func (c *Client) SkipPkg(ctx context.Context, pkg string) error {
	_, err := c.call(ctx, SkipPkg{Pkg: pkg})
	return err
}

func (c *Client) SkipVer(ctx context.Context, pkg, ver string) error {
	_, err := c.call(ctx, SkipVer{Pkg: pkg, Ver: ver})
	return err
}

func (c *Client) PkgExists(ctx context.Context, pkg, ver string) (bool, error) {
	res, err := c.call(ctx, PkgExists{Pkg: pkg, Ver: ver})
	if err != nil {
		return false, err
	}
	return res.Value.(bool), nil
}

func (c *Client) LogDownload(ctx context.Context, dl model.Download) error {
	_, err := c.call(ctx, LogDownload{Download: dl})
	return err
}

// LogBuild records a finished build and, if it succeeded, its files. It
// returns the assigned build ID.
func (c *Client) LogBuild(ctx context.Context, build model.Build, files []model.BuiltFile) (int64, error) {
	res, err := c.call(ctx, LogBuild{Build: build, Files: files})
	if err != nil {
		return 0, err
	}
	id, ok := res.Value.(int64)
	if !ok {
		return 0, farmerr.NewProtocol("oracle", "LOGBUILD reply missing build id")
	}
	return id, nil
}

func (c *Client) DelBuild(ctx context.Context, pkg, ver string) error {
	_, err := c.call(ctx, DelBuild{Pkg: pkg, Ver: ver})
	return err
}

func (c *Client) PkgFiles(ctx context.Context, pkg string) ([]model.File, error) {
	res, err := c.call(ctx, PkgFiles{Pkg: pkg})
	if err != nil {
		return nil, err
	}
	files, _ := res.Value.([]model.File)
	return files, nil
}

func (c *Client) VerFiles(ctx context.Context, pkg, ver string) ([]string, error) {
	res, err := c.call(ctx, VerFiles{Pkg: pkg, Ver: ver})
	if err != nil {
		return nil, err
	}
	names, _ := res.Value.([]string)
	return names, nil
}

func (c *Client) GetABIs(ctx context.Context) (map[string]bool, error) {
	res, err := c.call(ctx, GetABIs{})
	if err != nil {
		return nil, err
	}
	return res.Value.(map[string]bool), nil
}

func (c *Client) GetPyPI(ctx context.Context) (int, error) {
	res, err := c.call(ctx, GetPyPI{})
	if err != nil {
		return 0, err
	}
	return res.Value.(int), nil
}

func (c *Client) SetPyPI(ctx context.Context, serial int) error {
	_, err := c.call(ctx, SetPyPI{Serial: serial})
	return err
}

func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	res, err := c.call(ctx, GetStats{})
	if err != nil {
		return Stats{}, err
	}
	return res.Value.(Stats), nil
}

// PkgDownloadCounts returns one row per package that has at least one file
// recorded, with the downloads logged against those files (spec.md section
// 4.7's SEARCH payload).
func (c *Client) PkgDownloadCounts(ctx context.Context) ([]model.PackageDownloadCount, error) {
	res, err := c.call(ctx, PkgDownloadCounts{})
	if err != nil {
		return nil, err
	}
	counts, _ := res.Value.([]model.PackageDownloadCount)
	return counts, nil
}
