package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// S3API is the subset of the S3 client used by S3Store. The upload half
// comes from manager.UploadAPIClient so large bodies go through multipart
// uploads.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blobs in a bucket under the "uploads/" prefix. Refs have the
// form s3://<bucket>/<key>.
type S3Store struct {
	client     S3API
	uploader   *manager.Uploader
	bucketName string
	log        *slog.Logger
}

var _ resource.BlobStore = (*S3Store)(nil)

// NewS3Store creates a new S3-backed blob store
func NewS3Store(ctx context.Context, bucketName, region string) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewS3StoreWithClient(client S3API, bucketName string) *S3Store {
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucketName: bucketName,
		log:        slog.Default().With("store", "s3", "bucket", bucketName),
	}
}

func (s *S3Store) ref(key string) string {
	return "s3://" + s.bucketName + "/" + key
}

func (s *S3Store) key(ref string) (string, error) {
	prefix := "s3://" + s.bucketName + "/"
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", fmt.Errorf("blob ref %q does not belong to bucket %s", ref, s.bucketName)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

// Save uploads the blob
func (s *S3Store) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	key := path.Join("uploads", path.Base(name))
	body := &readErrRecorder{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(resource.VideoContentType(name)),
	})
	if err != nil {
		// The uploader may not keep the body's error in its chain.
		if body.err != nil && !errors.Is(err, body.err) {
			return "", fmt.Errorf("failed to upload to S3: %w: %v", body.err, err)
		}
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	s.log.Info("uploaded blob", "key", key)
	return s.ref(key), nil
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: blob %s", resource.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	s.log.Info("deleted blob", "key", key)
	return nil
}

// readErrRecorder remembers the first non-EOF error returned by r.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (e *readErrRecorder) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}
