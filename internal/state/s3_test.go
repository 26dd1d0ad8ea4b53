package state

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeObjects is an in-memory ObjectAPI.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	failGet error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = b
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	api := newFakeObjects()
	store, err := NewS3Store(api, "rankers", "prod/state", nil)
	if err != nil {
		t.Fatalf("NewS3Store() error: %v", err)
	}
	exerciseStore(t, store)

	key := "rankers/prod/state/files.cbor"
	if _, ok := api.objects[key]; !ok {
		t.Errorf("object %q not written; have %v", key, api.objects)
	}
	if v := api.meta[key]["state-version"]; v != Version {
		t.Errorf("state-version metadata = %q, want %q", v, Version)
	}
}

func TestS3Store_Errors(t *testing.T) {
	if _, err := NewS3Store(newFakeObjects(), "", "", nil); err == nil {
		t.Error("NewS3Store() should require a bucket")
	}

	api := newFakeObjects()
	api.failGet = errors.New("connection reset")
	store, _ := NewS3Store(api, "rankers", "", JSONCodec{})
	_, err := store.Load(context.Background(), "files")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want a transport error", err)
	}

	api.failGet = nil
	api.objects["rankers/files.json"] = []byte("not json")
	if _, err := store.Load(context.Background(), "files"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load() error = %v, want ErrCorrupt", err)
	}
}

func TestNewS3Client(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"complete", S3Config{AccessKeyID: "id", SecretAccessKey: "secret", Endpoint: "https://example.r2.cloudflarestorage.com"}, false},
		{"missing key", S3Config{SecretAccessKey: "secret", Endpoint: "https://x"}, true},
		{"missing secret", S3Config{AccessKeyID: "id", Endpoint: "https://x"}, true},
		{"missing endpoint", S3Config{AccessKeyID: "id", SecretAccessKey: "secret"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewS3Client(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewS3Client() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && client == nil {
				t.Error("NewS3Client() returned nil client")
			}
		})
	}
}
