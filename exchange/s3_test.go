package exchange

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/s3"
)

// memStorage is an s3.ObjectStorage keeping objects in a map.
type memStorage struct {
	sync.Mutex
	objects map[string][]byte
}

var _ s3.ObjectStorage = (*memStorage)(nil)

func (m *memStorage) Download(ctx context.Context, w io.WriterAt, URI string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	data, ok := m.objects[URI]
	if !ok {
		return 0, errors.Errorf("%s not found", URI)
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func (m *memStorage) Upload(ctx context.Context, r io.ReadSeeker, URI string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.objects[URI] = data
	return nil
}

func (m *memStorage) List(ctx context.Context, URI string) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	ret := []string{}
	for k := range m.objects {
		if strings.HasPrefix(k, URI) {
			ret = append(ret, k)
		}
	}
	sort.Strings(ret)
	return ret, nil
}

func (m *memStorage) Delete(ctx context.Context, URI string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.objects, URI)
	return nil
}

func TestNewS3Exchange(t *testing.T) {
	t.Parallel()

	_, err := NewS3Exchange(nil, &memStorage{}, nil, "", "a", "b")
	assert.Error(t, err)

	_, err = NewS3Exchange(nil, &memStorage{}, nil, "bucket", "a/", "/a")
	assert.Error(t, err)
}

func TestS3Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	validator, err := message.NewValidator()
	require.NoError(t, err)
	storage := &memStorage{objects: map[string][]byte{}}

	frontend, err := NewS3Exchange(logger, storage, validator, "bucket", "frontend", "backend")
	require.NoError(t, err)
	backend, err := NewS3Exchange(logger, storage, validator, "bucket", "backend/", "frontend/")
	require.NoError(t, err)
	clock := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	frontend.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	require.NoError(t, frontend.Publish(ctx, message.NewDocumentList(doc("1", "a"))))
	require.NoError(t, frontend.Publish(ctx, message.NewDocumentList(doc("2", "b"))))
	storage.objects["s3://bucket/frontend/zzz.json"] = []byte("garbage")
	assert.Len(t, storage.objects, 3)

	// Nothing was published by the backend yet.
	deliveries, err := frontend.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	deliveries, err = backend.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "1", deliveries[0].List.Documents[0].ID)
	assert.Equal(t, "2", deliveries[1].List.Documents[0].ID)

	// The invalid object is gone, the others wait for their ack.
	assert.Len(t, storage.objects, 2)
	for _, d := range deliveries {
		require.NoError(t, d.Ack(ctx))
	}
	assert.Empty(t, storage.objects)
	assert.NoError(t, backend.Close())
}
