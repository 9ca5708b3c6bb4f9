package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/model"
)

type fakeClient struct {
	objects map[string][]byte
	buckets map[string]bool
	failPut bool
}

func newFake() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}, buckets: map[string]bool{}}
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPut {
		return minio.UploadInfo{}, errors.New("connection refused")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+key] = b
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeClient) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "disabled config is valid")
	assert.Error(t, Config{Endpoint: "minio:9000"}.Validate())
	assert.NoError(t, Config{Endpoint: "minio:9000", Bucket: "runs", AccessKey: "a", SecretKey: "s"}.Validate())
}

func TestNewDisabledReturnsNil(t *testing.T) {
	u, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestNewBuildsClient(t *testing.T) {
	u, err := New(Config{Endpoint: "localhost:9000", Bucket: "runs", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "runs", u.bucket)
}

func TestUploadWritesJSONUnderSequencePrefix(t *testing.T) {
	fake := newFake()
	u := &Uploader{client: fake, bucket: "runs", prefix: "lab1"}
	ctx := context.Background()

	require.NoError(t, u.EnsureBucket(ctx))
	assert.True(t, fake.buckets["runs"])

	seq := model.NewSequence("experiment_list", "", nil)
	exp := model.NewExperiment(seq, "CV", map[string]any{"cycles": 2})
	require.NoError(t, u.UploadExperiment(ctx, exp))
	require.NoError(t, u.UploadSequence(ctx, seq))

	raw, ok := fake.objects["runs/lab1/sequences/"+seq.SequenceUUID+"/experiments/"+exp.ExperimentUUID+".json"]
	require.True(t, ok, "experiment object missing: %v", fake.objects)
	var got model.Experiment
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, exp.ExperimentUUID, got.ExperimentUUID)
	assert.Contains(t, fake.objects, "runs/lab1/sequences/"+seq.SequenceUUID+"/sequence.json")

	standalone := model.NewExperiment(nil, "orch_wait", nil)
	assert.Contains(t, u.ExperimentKey(standalone), "_standalone")

	fake.failPut = true
	assert.Error(t, u.UploadSequence(ctx, seq))
}
