package s3

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// ObjectStorage is a S3-compatible storage interface. Objects are addressed
// with s3://bucket/key URIs.
type ObjectStorage interface {
	Download(ctx context.Context, w io.WriterAt, URI string) (int64, error)
	Upload(ctx context.Context, r io.ReadSeeker, URI string) error
	List(ctx context.Context, URI string) ([]string, error)
	Delete(ctx context.Context, URI string) error
}

// ObjectStorageImpl is our implementation of the ObjectStorage interface.
type ObjectStorageImpl struct {
	client     s3iface.S3API
	downloader *s3manager.Downloader
}

var _ ObjectStorage = (*ObjectStorageImpl)(nil)

// New returns a pointer to a new ObjectStorageImpl.
func New(sess *session.Session) *ObjectStorageImpl {
	return NewWithClient(s3.New(sess))
}

// NewWithClient returns an ObjectStorageImpl using the given client.
func NewWithClient(client s3iface.S3API) *ObjectStorageImpl {
	return &ObjectStorageImpl{
		client:     client,
		downloader: s3manager.NewDownloaderWithClient(client),
	}
}

// Download writes the contents of a remote file into the given writer.
func (s *ObjectStorageImpl) Download(ctx context.Context, w io.WriterAt, URI string) (n int64, err error) {
	bucket, key, err := getBucketAndKey(URI)
	if err != nil {
		return -1, err
	}
	req := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	return s.downloader.DownloadWithContext(ctx, w, req)
}

// Upload writes the contents of the reader into a remote file. Objects are
// small so they are sent in a single request.
func (s *ObjectStorageImpl) Upload(ctx context.Context, r io.ReadSeeker, URI string) error {
	bucket, key, err := getBucketAndKey(URI)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "error uploading %s", URI)
}

// List returns the URIs of the objects whose key starts with the key of the
// given URI, in lexical order.
func (s *ObjectStorageImpl) List(ctx context.Context, URI string) ([]string, error) {
	bucket, prefix, err := getBucketAndKey(URI)
	if err != nil {
		return nil, err
	}
	ret := []string{}
	err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			ret = append(ret, "s3://"+bucket+"/"+aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error listing %s", URI)
	}
	return ret, nil
}

// Delete removes a remote file.
func (s *ObjectStorageImpl) Delete(ctx context.Context, URI string) error {
	bucket, key, err := getBucketAndKey(URI)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "error deleting %s", URI)
}

func getBucketAndKey(URI string) (bucket string, key string, err error) {
	u, err := url.Parse(URI)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Errorf("invalid object URI %q", URI)
	}
	return u.Hostname(), strings.TrimPrefix(u.Path, "/"), nil
}
