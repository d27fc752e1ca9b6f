package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fs = afero.Afero{Fs: afero.NewMemMapFs()}

func tempFile(t *testing.T) afero.File {
	file, err := fs.TempFile("", "")
	require.NoError(t, err)
	t.Logf("Created temporary file: %s", file.Name())
	return file
}

// mockS3Client keeps the objects of a single bucket in memory.
type mockS3Client struct {
	s3iface.S3API
	sync.Mutex
	objects map[string][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}}
}

func (c *mockS3Client) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	c.Lock()
	defer c.Unlock()
	data, ok := c.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "not found", nil)
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data))),
	}, nil
}

func (c *mockS3Client) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()
	c.objects[aws.StringValue(input.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (c *mockS3Client) ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	c.Lock()
	keys := []string{}
	for k := range c.objects {
		if strings.HasPrefix(k, aws.StringValue(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	c.Unlock()
	sort.Strings(keys)

	// One object per page.
	for i, k := range keys {
		out := &s3.ListObjectsV2Output{Contents: []*s3.Object{{Key: aws.String(k)}}}
		if !fn(out, i == len(keys)-1) {
			break
		}
	}
	return nil
}

func (c *mockS3Client) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	c.Lock()
	defer c.Unlock()
	delete(c.objects, aws.StringValue(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestObjectStorageImpl_Download(t *testing.T) {
	const want = "Hello world!"

	c := newMockS3Client()
	c.objects["bar"] = []byte(want)
	client := NewWithClient(c)

	// Output file we want to validate
	fo := tempFile(t)
	defer fo.Close()

	_, err := client.Download(context.TODO(), fo, "[invalid-url]:12345")
	assert.Error(t, err, "Download() should have returned an error but didn't")

	_, err = client.Download(context.TODO(), fo, "s3://foo/bar")
	require.NoError(t, err)

	_, err = fo.Seek(0, 0)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(fo)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}

func TestObjectStorageImpl_UploadListDelete(t *testing.T) {
	ctx := context.Background()
	c := newMockS3Client()
	client := NewWithClient(c)

	require.NoError(t, client.Upload(ctx, strings.NewReader("b"), "s3://bucket/outbound/2.json"))
	require.NoError(t, client.Upload(ctx, strings.NewReader("a"), "s3://bucket/outbound/1.json"))
	require.NoError(t, client.Upload(ctx, strings.NewReader("c"), "s3://bucket/inbound/1.json"))

	uris, err := client.List(ctx, "s3://bucket/outbound/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/outbound/1.json", "s3://bucket/outbound/2.json"}, uris)

	buf := aws.NewWriteAtBuffer([]byte{})
	_, err = client.Download(ctx, buf, uris[0])
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf.Bytes()))

	require.NoError(t, client.Delete(ctx, uris[0]))
	uris, err = client.List(ctx, "s3://bucket/outbound/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/outbound/2.json"}, uris)

	assert.Error(t, client.Upload(ctx, strings.NewReader(""), "http://bucket/x"))
}

func Test_getBucketAndKey(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		"Object":        {"s3://relay-bucket-2344/filename.jpg", "relay-bucket-2344", "filename.jpg", false},
		"Nested object": {"s3://a-different-bucket/wqefqwef/cert.pem", "a-different-bucket", "wqefqwef/cert.pem", false},
		"Prefix":        {"s3://bucket/outbound/", "bucket", "outbound/", false},
		"Invalid URL":   {"[invalid-url]:12345", "", "", true},
		"Wrong scheme":  {"https://bucket/key", "", "", true},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			bucket, key, err := getBucketAndKey(tc.url)

			if tc.wantErr {
				assert.Error(t, err)
				assert.Empty(t, bucket)
				assert.Empty(t, key)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.key, key)
		})
	}
}
