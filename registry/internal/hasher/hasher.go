// Package hasher computes content hashes of model files.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
)

const cleanupInterval = 30 * time.Minute

// New returns a new Hasher. A disabled Hasher returns an empty hash.
func New(enable bool, ttl time.Duration, logger logr.Logger) *Hasher {
	return &Hasher{
		enable: enable,
		cache:  gocache.New(ttl, cleanupInterval),
		logger: logger.WithName("hasher"),
	}
}

// Hasher computes SHA-256 hashes over the files of a model. Results are reused
// while the size and modification time of every file are unchanged.
type Hasher struct {
	enable bool
	cache  *gocache.Cache
	logger logr.Logger
}

type file struct {
	rel     string
	path    string
	size    int64
	modTime time.Time
}

// Hash returns the hex encoded hash of the file or directory at path.
func (h *Hasher) Hash(ctx context.Context, path string) (string, error) {
	if !h.enable {
		return "", nil
	}

	files, err := list(path)
	if err != nil {
		return "", err
	}
	fp := fingerprint(path, files)
	if v, ok := h.cache.Get(fp); ok {
		if s, ok := v.(string); ok {
			h.logger.V(1).Info("Hash cache hit", "path", path)
			return s, nil
		}
	}

	sum := sha256.New()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, _ = io.WriteString(sum, f.rel)
		_, _ = sum.Write([]byte{0})
		if err := copyFile(sum, f.path); err != nil {
			return "", err
		}
	}
	s := hex.EncodeToString(sum.Sum(nil))
	h.cache.SetDefault(fp, s)
	return s, nil
}

// list returns the regular files under path in lexical order.
func list(path string) ([]file, error) {
	var files []file
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
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
		files = append(files, file{
			rel:     filepath.ToSlash(rel),
			path:    p,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	return files, err
}

func fingerprint(path string, files []file) string {
	sum := sha256.New()
	_, _ = io.WriteString(sum, path)
	for _, f := range files {
		_, _ = fmt.Fprintf(sum, "\x00%s\x00%d\x00%d", f.rel, f.size, f.modTime.UnixNano())
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
