package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
)

const scheme = "s3://"

type s3Client interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) error
	ListObjectsPages(ctx context.Context, bucket, prefix string, f func(page *s3.ListObjectsV2Output, lastPage bool) bool) error
}

// URL is a parsed s3://bucket/key location.
type URL struct {
	Bucket string
	Key    string
}

// String returns the s3:// form of the URL.
func (u URL) String() string {
	return scheme + u.Bucket + "/" + u.Key
}

// IsURL reports whether s is an s3:// location.
func IsURL(s string) bool {
	return strings.HasPrefix(s, scheme)
}

// ParseURL parses an s3://bucket/key location.
func ParseURL(s string) (URL, error) {
	if !IsURL(s) {
		return URL{}, fmt.Errorf("not an s3 url: %q", s)
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(s, scheme), "/")
	key = strings.Trim(key, "/")
	if bucket == "" || key == "" {
		return URL{}, fmt.Errorf("s3 url must have a bucket and a key: %q", s)
	}
	return URL{Bucket: bucket, Key: key}, nil
}

// Fetch downloads the object or the object tree at u into destDir and returns
// the local path. A key with objects under "<key>/" is fetched as a directory
// named after the last key element; otherwise the key is fetched as a single file.
func Fetch(ctx context.Context, c s3Client, u URL, destDir string) (string, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("url", u.String())

	keys, err := listKeys(ctx, c, u.Bucket, u.Key+"/")
	if err != nil {
		return "", fmt.Errorf("list %s: %s", u, err)
	}

	name := path.Base(u.Key)
	if len(keys) == 0 {
		dest := filepath.Join(destDir, name)
		log.Info("Downloading object", "dest", dest)
		if err := downloadFile(ctx, c, u.Bucket, u.Key, dest); err != nil {
			if isNotFound(err) {
				return "", fmt.Errorf("%s: no such object", u)
			}
			return "", err
		}
		return dest, nil
	}

	root := filepath.Join(destDir, name)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, u.Key+"/")
		if rel == "" || strings.HasSuffix(key, "/") {
			continue
		}
		if strings.HasPrefix(path.Base(rel), ".") {
			log.V(1).Info("Skip downloading hidden file", "key", key)
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return "", fmt.Errorf("object key %q escapes its prefix", key)
		}
		dest := filepath.Join(root, filepath.FromSlash(rel))
		log.V(1).Info("Downloading object", "key", key, "dest", dest)
		if err := downloadFile(ctx, c, u.Bucket, key, dest); err != nil {
			return "", err
		}
	}
	log.Info("Downloaded objects", "count", len(keys), "dest", root)
	return root, nil
}

func listKeys(ctx context.Context, c s3Client, bucket, prefix string) ([]string, error) {
	var keys []string
	f := func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
		return true
	}
	if err := c.ListObjectsPages(ctx, bucket, prefix, f); err != nil {
		return nil, err
	}
	return keys, nil
}

func downloadFile(ctx context.Context, c s3Client, bucket, key, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file %s: %s", dest, err)
	}
	if err := c.Download(ctx, f, bucket, key); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("download %q: %w", key, err)
	}
	return f.Close()
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
