package s3

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/llmariner/model-registry/common/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3Client struct {
	objects     map[string]string
	numDownload int
}

func (c *fakeS3Client) Download(ctx context.Context, w io.WriterAt, bucket, key string) error {
	c.numDownload++
	v, ok := c.objects[bucket+"/"+key]
	if !ok {
		return &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	_, err := w.WriteAt([]byte(v), 0)
	return err
}

func (c *fakeS3Client) ListObjectsPages(ctx context.Context, bucket, prefix string, f func(page *s3.ListObjectsV2Output, lastPage bool) bool) error {
	var contents []types.Object
	for k := range c.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	f(&s3.ListObjectsV2Output{Contents: contents}, true)
	return nil
}

func TestParseURL(t *testing.T) {
	tcs := []struct {
		in      string
		want    URL
		wantErr bool
	}{
		{in: "s3://models/sd-1/demo.safetensors", want: URL{Bucket: "models", Key: "sd-1/demo.safetensors"}},
		{in: "s3://models/pipelines/demo/", want: URL{Bucket: "models", Key: "pipelines/demo"}},
		{in: "s3://models", wantErr: true},
		{in: "s3:///key", wantErr: true},
		{in: "/local/path", wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseURL(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.True(t, IsURL("s3://a/b"))
	assert.False(t, IsURL("models/a"))
}

func TestFetch(t *testing.T) {
	c := &fakeS3Client{
		objects: map[string]string{
			"bkt/loras/style.safetensors":           "lora",
			"bkt/pipelines/demo/model_index.json":   "{}",
			"bkt/pipelines/demo/unet/config.json":   "{}",
			"bkt/pipelines/demo/.hidden":            "x",
			"bkt/pipelines/demo-other/config.json":  "{}",
			"bkt/pipelines/demo/unet/weights.bin":   "weights",
			"bkt/pipelines/demo/scheduler/cfg.json": "{}",
		},
	}
	ctx := test.ContextWithLogger(t)

	dir := t.TempDir()
	got, err := Fetch(ctx, c, URL{Bucket: "bkt", Key: "loras/style.safetensors"}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "style.safetensors"), got)
	b, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "lora", string(b))

	got, err = Fetch(ctx, c, URL{Bucket: "bkt", Key: "pipelines/demo"}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "demo"), got)
	assert.FileExists(t, filepath.Join(got, "model_index.json"))
	assert.FileExists(t, filepath.Join(got, "unet", "weights.bin"))
	assert.FileExists(t, filepath.Join(got, "scheduler", "cfg.json"))
	assert.NoFileExists(t, filepath.Join(got, ".hidden"))
	assert.NoDirExists(t, filepath.Join(dir, "demo-other"))

	_, err = Fetch(ctx, c, URL{Bucket: "bkt", Key: "missing.ckpt"}, dir)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "missing.ckpt"))
}
