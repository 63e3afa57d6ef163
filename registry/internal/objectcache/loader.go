package objectcache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Artifact is the object produced by FileLoader. It stands in for the
// in-memory model and records what would be loaded.
type Artifact struct {
	// Path is the file or directory that was loaded.
	Path string
	// Files lists the loaded files relative to Path, sorted.
	Files     []string
	Bytes     int64
	Precision string
	Device    string
}

// Size implements Object.
func (a *Artifact) Size() int64 {
	return a.Bytes
}

// FileLoader loads a model by reading its file layout. For a sub-model of a
// bundle, only the sub-model's directory is loaded.
type FileLoader struct{}

// Load implements loader.
func (FileLoader) Load(ctx context.Context, req Request, opts LoadOptions) (Object, error) {
	path := req.Path
	if req.SubModel != "" {
		if fi, err := os.Stat(filepath.Join(path, string(req.SubModel))); err == nil && fi.IsDir() {
			path = filepath.Join(path, string(req.SubModel))
		}
	}

	a := &Artifact{
		Path:      path,
		Precision: opts.Precision,
		Device:    opts.Device,
	}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = filepath.Base(p)
		}
		a.Files = append(a.Files, rel)
		a.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(a.Files)
	return a, nil
}
