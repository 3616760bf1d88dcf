//go:build cloudintegration

package s3_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtrail/pkg/bodystore"
	bodys3 "github.com/3leaps/jobtrail/pkg/bodystore/s3"
	"github.com/3leaps/jobtrail/pkg/workflow"
	"github.com/3leaps/jobtrail/test/cloudtest"
)

func TestStoreAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	st, err := bodys3.New(ctx, cloudtest.StoreConfig(bucket, "wf/"))
	require.NoError(t, err)

	key := workflow.BodyKey("job-1")
	require.NoError(t, st.Put(ctx, key, []byte(`{"MetaData":[]}`)))

	raw, ok := cloudtest.GetObject(t, ctx, bucket, "wf/"+key)
	require.True(t, ok)
	assert.JSONEq(t, `{"MetaData":[]}`, string(raw))

	got, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	require.NoError(t, st.Delete(ctx, key))
	_, ok = cloudtest.GetObject(t, ctx, bucket, "wf/"+key)
	assert.False(t, ok)

	_, err = st.Get(ctx, key)
	assert.True(t, bodystore.IsNotFound(err), "got %v", err)
}

func TestStoreMissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	st, err := bodys3.New(ctx, cloudtest.StoreConfig("jobtrail-no-such-bucket", ""))
	require.NoError(t, err)

	_, err = st.Get(ctx, "jobs/x/body.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, bodystore.ErrBucketNotFound)
}
