package assets

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/conneroisu/pagerender/internal/errors"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store serves build output uploaded to an S3 bucket. The object listing
// is taken once at construction; object bodies are fetched on demand.
type S3Store struct {
	ctx    context.Context
	client S3API
	bucket string
	prefix string
	index  map[string]s3Entry
}

type s3Entry struct {
	key  string
	hash string
	size int
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client builds an S3 client whose credentials come from the standard
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN variables.
func NewS3Client(opts S3Options) *s3.Client {
	provider := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})

	o := s3.Options{
		Region:       opts.Region,
		Credentials:  aws.NewCredentialsCache(provider),
		UsePathStyle: opts.UsePathStyle,
	}
	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return s3.New(o)
}

// NewS3Store lists every object under prefix in bucket. The S3 ETag of each
// object is used as its content hash.
func NewS3Store(ctx context.Context, client S3API, bucket, prefix string) (*S3Store, error) {
	s := &S3Store{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		prefix: prefix,
		index:  make(map[string]s3Entry),
	}

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid,
				fmt.Sprintf("failed to list s3://%s/%s", bucket, prefix))
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			s.index[CleanPath(strings.TrimPrefix(key, prefix))] = s3Entry{
				key:  key,
				hash: strings.Trim(aws.ToString(obj.ETag), `"`),
				size: int(aws.ToInt64(obj.Size)),
			}
		}
	}

	return s, nil
}

// Has implements Store.
func (s *S3Store) Has(path string) bool {
	_, ok := s.index[CleanPath(path)]
	return ok
}

// Get implements Store.
func (s *S3Store) Get(path string) (*Asset, error) {
	e, ok := s.index[CleanPath(path)]
	if !ok {
		return nil, notFound(path)
	}
	return &Asset{
		Text: func() (string, error) {
			out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(e.key),
			})
			if err != nil {
				return "", fmt.Errorf("s3 get %s: %w", e.key, err)
			}
			defer out.Body.Close()

			if etag := strings.Trim(aws.ToString(out.ETag), `"`); etag != "" && etag != e.hash {
				return "", fmt.Errorf("s3 object %s changed since it was indexed", e.key)
			}
			data, err := io.ReadAll(out.Body)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		ContentHash: e.hash,
		Size:        e.size,
	}, nil
}

// Len returns the number of indexed objects.
func (s *S3Store) Len() int {
	return len(s.index)
}
