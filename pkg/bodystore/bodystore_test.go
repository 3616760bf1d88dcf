package bodystore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "plain", key: "jobs/j1/body.json", want: "jobs/j1/body.json"},
		{name: "redundant segments", key: "jobs//j1/./body.json", want: "jobs/j1/body.json"},
		{name: "empty", key: "  ", wantErr: true},
		{name: "absolute", key: "/etc/passwd", wantErr: true},
		{name: "escapes root", key: "jobs/../../x", wantErr: true},
		{name: "dot dot", key: "..", wantErr: true},
		{name: "backslash", key: `jobs\j1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidKey))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  *StoreError
		want string
	}{
		{
			name: "bucket and key",
			err:  &StoreError{Op: "Get", Backend: BackendS3, Bucket: "b", Key: "k", Err: ErrNotFound},
			want: "s3 Get: b/k: body not found",
		},
		{
			name: "key only",
			err:  &StoreError{Op: "Put", Backend: BackendFile, Key: "k", Err: ErrAccessDenied},
			want: "file Put: k: access denied",
		},
		{
			name: "bucket only",
			err:  &StoreError{Op: "New", Backend: BackendS3, Bucket: "b", Err: ErrInvalidCredentials},
			want: "s3 New: b: invalid credentials",
		},
		{
			name: "bare",
			err:  &StoreError{Op: "Delete", Backend: BackendMemory, Err: ErrThrottled},
			want: "memory Delete: request throttled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}

	wrapped := &StoreError{Op: "Get", Backend: BackendMemory, Err: ErrNotFound}
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsAccessDenied(wrapped))
	assert.True(t, IsThrottled(&StoreError{Err: ErrThrottled}))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	data := []byte(`{"InputFiles":[]}`)
	require.NoError(t, m.Put(ctx, "jobs/j1/body.json", data))
	data[0] = 'x'

	got, err := m.Get(ctx, "jobs/j1/body.json")
	require.NoError(t, err)
	assert.Equal(t, `{"InputFiles":[]}`, string(got))
	assert.Equal(t, 1, m.Len())

	_, err = m.Get(ctx, "jobs/j2/body.json")
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.Delete(ctx, "jobs/j1/body.json"))
	require.NoError(t, m.Delete(ctx, "jobs/j1/body.json"))
	assert.Equal(t, 0, m.Len())

	err = m.Put(ctx, "../x", data)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}
