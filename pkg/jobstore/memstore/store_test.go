package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

func TestCopiesInAndOut(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := &workflow.Job{ID: "j1", Slug: "sim", Title: "Simulation", Dependencies: []string{"j0"}, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))
	job.Dependencies[0] = "changed"

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"j0"}, got.Dependencies)

	got.Title = "mutated"
	again, err := s.GetJobBySlug(ctx, "sim")
	require.NoError(t, err)
	assert.Equal(t, "Simulation", again.Title)

	err = s.CreateJob(ctx, &workflow.Job{ID: "j2", Slug: "sim"})
	assert.True(t, workflow.IsDuplicate(err))

	_, err = s.GetJob(ctx, "nope")
	assert.True(t, workflow.IsNotFound(err))
}

func TestInstancesAndStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateJob(ctx, &workflow.Job{ID: "j1", Slug: "sim", CreatedAt: now}))

	insts := []*workflow.Instance{
		workflow.NewInstance("j1", workflow.SiteLocal, now),
		workflow.NewInstance("j1", workflow.SiteLocal, now),
	}
	insts[0].InstanceID, insts[1].InstanceID = 2, 1
	require.NoError(t, s.InsertInstances(ctx, insts))

	err := s.InsertInstances(ctx, insts[:1])
	assert.True(t, workflow.IsDuplicate(err))

	maxID, err := s.MaxInstanceID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxID)

	list, err := s.ListInstances(ctx, "j1", workflow.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].InstanceID)

	key := workflow.InstanceKey{JobID: "j1", InstanceID: 1}
	n, err := s.UpdateStatus(ctx, key, workflow.StatusUpdate{
		ExpectStatus: workflow.StatusNew,
		ExpectMinor:  workflow.DefaultMinorStatus,
		Status:       workflow.StatusRunning,
		MinorStatus:  "started",
		At:           now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A stale expectation no longer matches.
	n, err = s.UpdateStatus(ctx, key, workflow.StatusUpdate{
		ExpectStatus: workflow.StatusNew,
		ExpectMinor:  workflow.DefaultMinorStatus,
		Status:       workflow.StatusDone,
		At:           now.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	// A sample appended after the read fails the series guard even when it
	// leaves the last update unchanged.
	_, err = s.AppendSample(ctx, key, workflow.MetricCPU, now.Add(time.Minute), metric.Scalar(5))
	require.NoError(t, err)
	guarded := workflow.StatusUpdate{
		ExpectStatus:     workflow.StatusRunning,
		ExpectMinor:      "started",
		ExpectLastUpdate: now.Add(time.Minute),
		ExpectSamples:    &workflow.SampleCounts{},
		Status:           workflow.StatusRunning,
		MinorStatus:      "processing",
		At:               now.Add(3 * time.Minute),
	}
	n, err = s.UpdateStatus(ctx, key, guarded)
	require.NoError(t, err)
	assert.Zero(t, n)

	guarded.ExpectLastUpdate = now
	guarded.ExpectSamples = &workflow.SampleCounts{CPU: 1}
	n, err = s.UpdateStatus(ctx, key, guarded)
	require.NoError(t, err)
	assert.Zero(t, n)

	guarded.ExpectLastUpdate = now.Add(time.Minute)
	n, err = s.UpdateStatus(ctx, key, guarded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := s.CountByStatus(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[workflow.StatusRunning])
	assert.Equal(t, int64(1), counts[workflow.StatusNew])

	deleted, err := s.DeleteJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	_, err = s.GetInstance(ctx, key)
	assert.True(t, workflow.IsNotFound(err))
}

func TestDataFiles(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertDataFile(ctx, &workflow.DataFile{ID: "f1", Filename: "a.root", Site: "CNAF", Status: workflow.FileNew, CreatedAt: t0}))
	require.NoError(t, s.InsertDataFile(ctx, &workflow.DataFile{ID: "f2", Filename: "b.root", Site: "CNAF", Status: workflow.FileNew, CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.InsertDataFile(ctx, &workflow.DataFile{ID: "f3", Filename: "a.root", Site: "PMO", Status: workflow.FileNew, CreatedAt: t0}))

	err := s.InsertDataFile(ctx, &workflow.DataFile{ID: "f4", Filename: "a.root", Site: "CNAF"})
	assert.True(t, workflow.IsDuplicate(err))

	files, err := s.ListDataFiles(ctx, workflow.DataFileFilter{Site: "CNAF"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.root", files[0].Filename, "newest first")

	n, err := s.UpdateDataFileStatus(ctx, "f1", workflow.FileCopied)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.UpdateDataFileStatus(ctx, "missing", workflow.FileCopied)
	require.NoError(t, err)
	assert.Zero(t, n)

	f, err := s.GetDataFile(ctx, "a.root", "CNAF")
	require.NoError(t, err)
	assert.Equal(t, workflow.FileCopied, f.Status)

	_, err = s.GetDataFile(ctx, "a.root", "BARI")
	assert.ErrorIs(t, err, workflow.ErrDataFileNotFound)
}

func TestHeartBeatsUpsert(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordHeartBeat(ctx, &workflow.HeartBeat{ID: "h1", Hostname: "wn02", Process: "default", Timestamp: t0, CreatedAt: t0}))
	require.NoError(t, s.RecordHeartBeat(ctx, &workflow.HeartBeat{ID: "h2", Hostname: "wn01", Process: "pilot", Timestamp: t0, CreatedAt: t0}))

	later := &workflow.HeartBeat{ID: "h3", Hostname: "wn02", Process: "default", Timestamp: t0.Add(time.Hour), CreatedAt: t0.Add(time.Hour)}
	require.NoError(t, s.RecordHeartBeat(ctx, later))
	assert.Equal(t, "h1", later.ID, "upsert keeps the original id")

	beats, err := s.ListHeartBeats(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, "wn01", beats[0].Hostname)
	assert.Equal(t, t0.Add(time.Hour), beats[1].Timestamp)
	assert.Equal(t, t0, beats[1].CreatedAt)
}
