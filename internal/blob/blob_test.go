package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeySanitizesAndScopesByTenant(t *testing.T) {
	tenant := uuid.New()
	key := ObjectKey("uploads/", tenant, "../../March sales (final).xlsx")

	assert.True(t, strings.HasPrefix(key, "uploads/"+tenant.String()+"/"), key)
	assert.True(t, strings.HasSuffix(key, "-March_sales_final_.xlsx"), key)
	assert.NotContains(t, key, "..")
}

func TestFileSystemStoreRoundTrip(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "tenant/sales.csv", strings.NewReader("billno,amount\n"), "text/csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"), url)

	rc, err := store.Open(context.Background(), url)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "billno,amount\n", string(data))
}

func TestFileSystemStoreMissingObject(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "file://"+store.baseDir+"/missing.xlsx")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.Open(context.Background(), "s3://bucket/key")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newS3Store(fake, "retail-uploads")

	url, err := store.Put(context.Background(), "uploads/t/file.xlsx", strings.NewReader("payload"), ContentTypeFor("file.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, "s3://retail-uploads/uploads/t/file.xlsx", url)

	rc, err := store.Open(context.Background(), url)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(data))

	_, err = store.Open(context.Background(), "s3://retail-uploads/uploads/t/other.xlsx")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.Open(context.Background(), "s3://another-bucket/uploads/t/file.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}

func TestS3StorePutFailure(t *testing.T) {
	store := newS3Store(&fakeS3{objects: map[string][]byte{}, putErr: errors.New("access denied")}, "b")
	_, err := store.Put(context.Background(), "k", strings.NewReader("x"), "text/csv")
	assert.Error(t, err)
}
