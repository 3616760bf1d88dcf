package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtrail/pkg/jobstore/memstore"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

func TestStatusMapResolve(t *testing.T) {
	m := LSFStatusMap()
	tests := []struct {
		code string
		want workflow.Status
	}{
		{"PEND", workflow.StatusSubmitted},
		{"run", workflow.StatusRunning},
		{" DONE ", workflow.StatusDone},
		{"EXIT", workflow.StatusFailed},
		{"SSUSP", workflow.StatusRunning},
		{"ZOMBI", workflow.StatusTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := m.Resolve(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := m.Resolve("UNKWN")
	assert.True(t, errors.Is(err, ErrUnknownBatchStatus))
}

func TestParseExecutionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    workflow.InstanceKey
		wantErr bool
	}{
		{name: "plain", input: "abc.7", want: workflow.InstanceKey{JobID: "abc", InstanceID: 7}},
		{name: "dotted job id", input: "a.b.c.12", want: workflow.InstanceKey{JobID: "a.b.c", InstanceID: 12}},
		{name: "no dot", input: "abc", wantErr: true},
		{name: "leading dot", input: ".5", wantErr: true},
		{name: "trailing dot", input: "abc.", wantErr: true},
		{name: "zero id", input: "abc.0", wantErr: true},
		{name: "non numeric", input: "abc.x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExecutionName(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidExecutionName))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, ExecutionName(got))
		})
	}
}

func TestReportAccessors(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		id     int64
		idOK   bool
		host   string
	}{
		{name: "simple", report: Report{BatchID: "123", ExecHost: "node1"}, id: 123, idOK: true, host: "node1"},
		{name: "array job", report: Report{BatchID: "77[3]", ExecHost: "4*hostA:2*hostB"}, id: 77, idOK: true, host: "hostA"},
		{name: "pending", report: Report{BatchID: "-", ExecHost: ""}, idOK: false, host: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := tt.report.NumericBatchID()
			assert.Equal(t, tt.idOK, ok)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.host, tt.report.Host())
		})
	}
}

func TestDecodeReports(t *testing.T) {
	t.Run("bjobs document", func(t *testing.T) {
		in := `{"COMMAND":"bjobs","JOBS":2,"RECORDS":[
			{"JOBID":"1","STAT":"RUN","EXEC_HOST":"n1","JOB_NAME":"j.1"},
			{"JOBID":"2","STAT":"PEND","EXEC_HOST":"","JOB_NAME":"j.2"}]}`
		reps, err := DecodeReports(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, reps, 2)
		assert.Equal(t, "RUN", reps[0].Stat)
		assert.Equal(t, "j.2", reps[1].JobName)
	})

	t.Run("json lines", func(t *testing.T) {
		in := "{\"JOBID\":\"1\",\"STAT\":\"DONE\",\"JOB_NAME\":\"j.1\"}\n\n{\"JOBID\":\"2\",\"STAT\":\"EXIT\",\"JOB_NAME\":\"j.2\"}\n"
		reps, err := DecodeReports(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, reps, 2)
		assert.Equal(t, "EXIT", reps[1].Stat)
	})

	t.Run("empty", func(t *testing.T) {
		reps, err := DecodeReports(strings.NewReader("  \n"))
		require.NoError(t, err)
		assert.Nil(t, reps)
	})

	t.Run("bad line", func(t *testing.T) {
		_, err := DecodeReports(strings.NewReader("{\"JOBID\":\"1\"}\nnot json\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
	})
}

func TestReaderPoller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bjobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"JOBID":"9","STAT":"RUN","JOB_NAME":"j.1"}`), 0o644))

	reps, err := ReaderPoller{Path: path}.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "9", reps[0].BatchID)

	reps, err = ReaderPoller{Path: "-", Stdin: strings.NewReader(`{"JOBID":"3","JOB_NAME":"j.2"}`)}.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, reps, 1)

	_, err = ReaderPoller{Path: filepath.Join(t.TempDir(), "missing")}.Poll(context.Background())
	assert.Error(t, err)
}

func newManager(t *testing.T) (*workflow.Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return workflow.NewManager(memstore.New(), workflow.Options{Clock: mock}), mock
}

func TestUpdaterApply(t *testing.T) {
	ctx := context.Background()
	mgr, mock := newManager(t)

	job, err := mgr.CreateJob(ctx, &workflow.Job{Title: "reco"}, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := mgr.AddInstance(ctx, job.ID, nil, 0)
		require.NoError(t, err)
	}
	done := workflow.InstanceKey{JobID: job.ID, InstanceID: 3}
	require.NoError(t, mgr.SetStatus(ctx, done, workflow.StatusSubmitted, ""))
	require.NoError(t, mgr.SetStatus(ctx, done, workflow.StatusDone, ""))

	reports := StaticPoller{
		{BatchID: "101", Stat: "RUN", ExecHost: "2*wn01:2*wn02", JobName: job.ID + ".1"},
		{BatchID: "102", Stat: "PEND", JobName: job.ID + ".2"},
		{BatchID: "103", Stat: "RUN", ExecHost: "wn03", JobName: job.ID + ".3"},
		{BatchID: "104", Stat: "RUN", JobName: "someone-elses-job"},
		{BatchID: "105", Stat: "WAIT", JobName: job.ID + ".1"},
		{BatchID: "106", Stat: "RUN", JobName: job.ID + ".99"},
	}

	u := NewUpdater(mgr, UpdaterOptions{Clock: mock})
	res, err := u.Run(ctx, reports)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, workflow.IsNotFound(res.Err()))

	first, err := mgr.GetInstance(ctx, workflow.InstanceKey{JobID: job.ID, InstanceID: 1})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, first.Status)
	require.NotNil(t, first.Hostname)
	assert.Equal(t, "wn01", *first.Hostname)
	require.NotNil(t, first.BatchID)
	assert.Equal(t, int64(101), *first.BatchID)

	second, err := mgr.GetInstance(ctx, workflow.InstanceKey{JobID: job.ID, InstanceID: 2})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSubmitted, second.Status)
	assert.Nil(t, second.Hostname)

	third, err := mgr.GetInstance(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusDone, third.Status)
}

func TestUpdaterCancelled(t *testing.T) {
	mgr, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := NewUpdater(mgr, UpdaterOptions{Rate: 1})
	res, err := u.Apply(ctx, []Report{{JobName: "j.1", Stat: "RUN"}})
	assert.Error(t, err)
	require.NotNil(t, res)
	assert.Zero(t, res.Applied)
}

type failingPoller struct{}

func (failingPoller) Poll(context.Context) ([]Report, error) {
	return nil, errors.New("bjobs: command not found")
}

func TestUpdaterPollError(t *testing.T) {
	mgr, _ := newManager(t)
	_, err := NewUpdater(mgr, UpdaterOptions{}).Run(context.Background(), failingPoller{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll batch system")
}
