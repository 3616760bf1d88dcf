package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtrail/pkg/bodystore"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

// fakeClient keeps objects in a map keyed by bucket/key.
type fakeClient struct {
	objects map[string][]byte
	putErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "empty bucket", config: Config{}, wantErr: "bucket name is required"},
		{name: "valid minimal config", config: Config{Bucket: "bodies"}},
		{
			name:   "valid explicit creds",
			config: Config{Bucket: "bodies", AccessKeyID: "AKIA", SecretAccessKey: "secret"},
		},
		{
			name:    "key without secret",
			config:  Config{Bucket: "bodies", AccessKeyID: "AKIA"},
			wantErr: "must be provided together",
		},
		{
			name:    "absolute prefix",
			config:  Config{Bucket: "bodies", Prefix: "/root"},
			wantErr: "prefix must not start with /",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "jobs/j1/body.json", (&Config{}).objectKey("jobs/j1/body.json"))
	assert.Equal(t, "wf/jobs/j1/body.json", (&Config{Prefix: "wf/"}).objectKey("jobs/j1/body.json"))
	assert.Equal(t, "wf/jobs/j1/body.json", (&Config{Prefix: "wf"}).objectKey("jobs/j1/body.json"))
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := newWithClient(client, Config{Bucket: "bodies", Prefix: "wf"})

	require.NoError(t, s.Put(ctx, "jobs/j1/body.json", []byte(`{"x":1}`)))
	assert.Contains(t, client.objects, "bodies/wf/jobs/j1/body.json")

	got, err := s.Get(ctx, "jobs/j1/body.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got))

	require.NoError(t, s.Delete(ctx, "jobs/j1/body.json"))
	_, err = s.Get(ctx, "jobs/j1/body.json")
	assert.True(t, bodystore.IsNotFound(err))

	err = s.Put(ctx, "../escape", []byte("x"))
	assert.True(t, errors.Is(err, bodystore.ErrInvalidKey))
}

func TestWrapError(t *testing.T) {
	s := newWithClient(newFakeClient(), Config{Bucket: "bodies"})

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "typed no such key", err: &types.NoSuchKey{}, want: bodystore.ErrNotFound},
		{name: "typed not found", err: &types.NotFound{}, want: bodystore.ErrNotFound},
		{name: "typed no such bucket", err: &types.NoSuchBucket{}, want: bodystore.ErrBucketNotFound},
		{name: "access denied code", err: &mockAPIError{code: "AccessDenied"}, want: bodystore.ErrAccessDenied},
		{name: "bad signature code", err: &mockAPIError{code: "SignatureDoesNotMatch"}, want: bodystore.ErrInvalidCredentials},
		{name: "slow down code", err: &mockAPIError{code: "SlowDown"}, want: bodystore.ErrThrottled},
		{name: "internal error code", err: &mockAPIError{code: "InternalError"}, want: bodystore.ErrUnavailable},
		{name: "message fallback", err: errors.New("http 503 from upstream"), want: bodystore.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.wrapError("Get", "k", tt.err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var storeErr *bodystore.StoreError
			require.True(t, errors.As(err, &storeErr))
			assert.Equal(t, "bodies", storeErr.Bucket)
			assert.Equal(t, bodystore.BackendS3, storeErr.Backend)
		})
	}

	t.Run("put failure surfaces", func(t *testing.T) {
		client := newFakeClient()
		client.putErr = &mockAPIError{code: "AccessDenied", message: "nope"}
		err := newWithClient(client, Config{Bucket: "bodies"}).Put(context.Background(), "a.json", []byte("{}"))
		assert.True(t, bodystore.IsAccessDenied(err))
	})
}
