// Package s3 implements capability.FilesystemDriver for object-store
// filesystems, using the AWS SDK for Go v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/wtsi-hgi/shepherd-go/capability"
)

// ErrObjectNotFound is returned by Stat for an address whose key does not
// exist in the bucket.
var ErrObjectNotFound = errors.New("s3: object not found")

// Driver is a capability.FilesystemDriver backed by an S3-compatible
// object store. Addresses are "bucket/key" strings; the bucket is opaque
// to the core and only meaningful to this driver.
type Driver struct {
	client                 *s3.Client
	maxConcurrencyFallback int
}

// Options configures a new Driver. Region and Endpoint follow the
// config-file "options" map of a filesystems entry; AccessKeyID and
// SecretAccessKey are optional — when empty, the SDK's default credential
// chain (env vars, shared config, instance profile) is used.
type Options struct {
	Region          string
	Endpoint        string // non-empty for S3-compatible stores other than AWS
	AccessKeyID     string
	SecretAccessKey string
	MaxConcurrency  int
}

// New builds a Driver from opts, resolving credentials and region via the
// AWS SDK's standard config loading.
func New(ctx context.Context, opts Options) (*Driver, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 16
	}
	return &Driver{client: client, maxConcurrencyFallback: maxConcurrency}, nil
}

// splitAddress parses a "bucket/key" address.
func splitAddress(address string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(address, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3: address %q must be \"bucket/key\"", address)
	}
	return bucket, key, nil
}

// Query lists objects under root (a bucket, or "bucket/prefix") and
// applies criteria. Supported criteria: "min_size" (decimal bytes) and
// "prefix" (additional key prefix beyond root); anything else is
// capability.ErrUnsupportedPredicate, since S3 listing cannot evaluate
// arbitrary filesystem attributes like owner or ctime.
func (d *Driver) Query(ctx context.Context, root string, criteria map[string]string) ([]capability.Stub, error) {
	for key := range criteria {
		switch key {
		case "min_size", "prefix":
		default:
			return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedPredicate, key)
		}
	}

	bucket, prefix, _ := strings.Cut(root, "/")
	if extra, ok := criteria["prefix"]; ok {
		prefix += extra
	}

	var minSize int64 = -1
	if v, ok := criteria["min_size"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("s3: invalid min_size %q: %w", v, err)
		}
		minSize = n
	}

	var stubs []capability.Stub
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", root, err)
		}
		for _, obj := range page.Contents {
			if minSize >= 0 && aws.ToInt64(obj.Size) < minSize {
				continue
			}
			stubs = append(stubs, capability.Stub{Address: bucket + "/" + aws.ToString(obj.Key)})
		}
	}
	return stubs, nil
}

// Stat issues a HeadObject for address.
func (d *Driver) Stat(ctx context.Context, address string) (capability.Attributes, error) {
	bucket, key, err := splitAddress(address)
	if err != nil {
		return capability.Attributes{}, err
	}

	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return capability.Attributes{}, fmt.Errorf("%w: %s", ErrObjectNotFound, address)
		}
		return capability.Attributes{}, fmt.Errorf("s3: head %s: %w", address, err)
	}

	attrs := capability.Attributes{Size: out.ContentLength, ModTime: out.LastModified}
	if len(out.Metadata) > 0 {
		attrs.Metadata = out.Metadata
	}
	return attrs, nil
}

// MaxConcurrencyDefault returns the driver's configured fallback;
// object-store backends typically tolerate much higher fan-out than a
// POSIX filesystem, hence the larger default than driver/posix's.
func (d *Driver) MaxConcurrencyDefault() int {
	return d.maxConcurrencyFallback
}
