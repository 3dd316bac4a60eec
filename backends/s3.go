package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by the S3 backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// markerObject is written by Open so an empty partition is still listed.
const markerObject = ".partition"

// S3 stores each partition under <prefix>/<partition>/ in a bucket. Entries
// are JSON documents named by the SHA-256 of their key.
type S3 struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// S3Options configures NewS3FromEnv.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Profile  string
	Endpoint string // Optional, for S3-compatible stores such as MinIO.
}

// NewS3 creates an S3 backend over an existing client.
func NewS3(client S3API, bucket, prefix string, logger *slog.Logger) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// NewS3FromEnv loads the AWS shared config chain (env, profile, IMDS) and
// builds an S3 backend from it.
func NewS3FromEnv(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, opts.Bucket, opts.Prefix, logger), nil
}

func (b *S3) Open(ctx context.Context, partition string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.partitionPrefix(partition) + markerObject),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("failed to open partition %s: %w", partition, err)
	}
	return nil
}

func (b *S3) Put(ctx context.Context, partition, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(partition, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put S3 object: %w", err)
	}
	return nil
}

func (b *S3) Get(ctx context.Context, partition, key string) (*Entry, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(partition, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to get S3 object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		b.logger.Warn("corrupted S3 cache object, treating as miss",
			"partition", partition,
			"key", key,
			"error", err)
		return nil, true, nil
	}
	return &entry, false, nil
}

func (b *S3) Partitions(ctx context.Context) ([]string, error) {
	root := ""
	if b.prefix != "" {
		root = b.prefix + "/"
	}

	var names []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(root),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions: %w", err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), root), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

func (b *S3) Delete(ctx context.Context, partition string) (bool, error) {
	keys, err := b.listKeys(ctx, b.partitionPrefix(partition))
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return false, fmt.Errorf("failed to delete S3 object %s: %w", key, err)
		}
	}
	return len(keys) > 0, nil
}

func (b *S3) Clear(ctx context.Context) error {
	partitions, err := b.Partitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if _, err := b.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3) Close() error {
	return nil
}

func (b *S3) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (b *S3) partitionPrefix(partition string) string {
	return path.Join(b.prefix, partition) + "/"
}

func (b *S3) objectKey(partition, key string) string {
	sum := sha256.Sum256([]byte(key))
	return b.partitionPrefix(partition) + hex.EncodeToString(sum[:])
}
