package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtrail/pkg/bodystore"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, root, s.RootDir())

	key := "jobs/j1/body.json"
	require.NoError(t, s.Put(ctx, key, []byte(`{"a":1}`)))

	onDisk, err := os.ReadFile(filepath.Join(root, "jobs", "j1", "body.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(onDisk))

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, key, []byte(`{"a":2}`)))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(got))

		entries, err := os.ReadDir(filepath.Join(root, "jobs", "j1"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not linger")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, "jobs/nope/body.json")
		assert.True(t, bodystore.IsNotFound(err))
	})

	t.Run("invalid key", func(t *testing.T) {
		err := s.Put(ctx, "../outside.json", []byte("x"))
		assert.True(t, errors.Is(err, bodystore.ErrInvalidKey))
	})

	t.Run("delete prunes dirs", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, key))
		_, err := os.Stat(filepath.Join(root, "jobs"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(root)
		assert.NoError(t, err)

		require.NoError(t, s.Delete(ctx, key))
	})
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(" ")
	assert.Error(t, err)
}
