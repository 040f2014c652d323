package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	exists  bool
	made    []string
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeObjectStore) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+object] = data
	f.meta[bucket+"/"+object] = opts.UserMetadata
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func cdr(t *testing.T) models.VersionedResource {
	t.Helper()
	doc := models.Document{"id": "CDR1", "country_code": "NL", "party_id": "ABC", "last_updated": "2024-01-01T00:00:00Z"}
	res, err := models.NewVersionedResource(models.ResourceKey{CountryCode: "NL", PartyID: "ABC", Kind: models.KindCDR, ID: "CDR1"}, doc)
	require.NoError(t, err)
	return res
}

func TestMinioArchiverPutsObject(t *testing.T) {
	store := newFakeObjectStore()
	a := &MinioArchiver{client: store, bucket: "cdrs", prefix: "ocpi"}
	res := cdr(t)

	require.NoError(t, a.Archive(context.Background(), res))

	assert.Equal(t, "ocpi/cdr/NL/ABC/CDR1.json", a.ObjectName(res))
	assert.JSONEq(t, string(res.Payload), string(store.objects["cdrs/ocpi/cdr/NL/ABC/CDR1.json"]))
	assert.Equal(t, res.ETag, store.meta["cdrs/ocpi/cdr/NL/ABC/CDR1.json"]["etag-sha256"])
}

func TestMinioArchiverEnsureBucket(t *testing.T) {
	store := newFakeObjectStore()
	a := &MinioArchiver{client: store, bucket: "cdrs"}
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.Equal(t, []string{"cdrs"}, store.made)

	store.exists = true
	store.made = nil
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.Empty(t, store.made)
}

func TestBackgroundSwallowsFailures(t *testing.T) {
	store := newFakeObjectStore()
	store.putErr = errors.New("s3 down")
	b := NewBackground(&MinioArchiver{client: store, bucket: "cdrs"}, time.Second, zap.NewNop())

	require.NoError(t, b.Archive(context.Background(), cdr(t)))
	b.Wait()
	assert.Empty(t, store.objects)
}

func TestBackgroundArchives(t *testing.T) {
	store := newFakeObjectStore()
	b := NewBackground(&MinioArchiver{client: store, bucket: "cdrs"}, time.Second, zap.NewNop())

	require.NoError(t, b.Archive(context.Background(), cdr(t)))
	b.Wait()
	assert.Len(t, store.objects, 1)
}

func TestOptionsEnabled(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Endpoint: "minio:9000", Bucket: "cdrs"}.Enabled())
}
