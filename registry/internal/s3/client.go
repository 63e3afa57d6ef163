package s3

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/llmariner/model-registry/registry/internal/config"
)

// NewClient returns a new S3 client. Credentials are resolved from the default
// chain (environment, shared config, instance role).
func NewClient(ctx context.Context, c config.S3Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.EndpointURL != "" {
			o.BaseEndpoint = aws.String(c.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return &Client{
		svc: svc,
	}, nil
}

// Client is a client for S3.
type Client struct {
	svc *s3.Client
}

// Download uses a download manager to download an object from a bucket.
// The download manager gets the data in parts and writes them to a buffer until all of
// the data has been downloaded.
func (c *Client) Download(ctx context.Context, w io.WriterAt, bucket, key string) error {
	const partMiBs int64 = 128
	downloader := manager.NewDownloader(c.svc, func(d *manager.Downloader) {
		d.PartSize = partMiBs * 1024 * 1024
	})
	_, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	return nil
}

// ListObjectsPages returns S3 objects with pagination. Iteration stops when f returns false.
func (c *Client) ListObjectsPages(
	ctx context.Context,
	bucket string,
	prefix string,
	f func(page *s3.ListObjectsV2Output, lastPage bool) bool,
) error {
	p := s3.NewListObjectsV2Paginator(
		c.svc,
		&s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		},
		func(o *s3.ListObjectsV2PaginatorOptions) {},
	)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return err
		}
		if !f(page, !p.HasMorePages()) {
			return nil
		}
	}
	return nil
}
