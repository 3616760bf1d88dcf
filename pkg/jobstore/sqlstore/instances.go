package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

const instanceColumns = `job_id, instance_id, status, minor_status, status_history, cpu, memory,
	cpu_max, mem_max, body, hostname, batch_id, nevents, site, log, is_pilot,
	pilot_job_id, pilot_instance_id, created_at, last_update`

func scanInstance(row rowScanner) (*workflow.Instance, error) {
	var (
		inst         workflow.Instance
		status       string
		history      string
		cpu          string
		memory       string
		hostname     sql.NullString
		batchID      sql.NullInt64
		site         string
		isPilot      int
		pilotJob     sql.NullString
		pilotInst    sql.NullInt64
		createdAt    string
		lastUpdateAt string
	)
	if err := row.Scan(&inst.JobID, &inst.InstanceID, &status, &inst.MinorStatus, &history, &cpu, &memory,
		&inst.CPUMax, &inst.MemMax, &inst.Body, &hostname, &batchID, &inst.NEvents, &site, &inst.Log, &isPilot,
		&pilotJob, &pilotInst, &createdAt, &lastUpdateAt); err != nil {
		return nil, err
	}
	inst.Status = workflow.Status(status)
	inst.Site = workflow.Site(site)
	inst.IsPilot = isPilot != 0
	if hostname.Valid {
		h := hostname.String
		inst.Hostname = &h
	}
	if batchID.Valid {
		b := batchID.Int64
		inst.BatchID = &b
	}
	if pilotJob.Valid && pilotInst.Valid {
		inst.PilotRef = &workflow.InstanceKey{JobID: pilotJob.String, InstanceID: pilotInst.Int64}
	}
	if err := json.Unmarshal([]byte(history), &inst.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	if err := json.Unmarshal([]byte(cpu), &inst.CPU); err != nil {
		return nil, fmt.Errorf("decode cpu series: %w", err)
	}
	if err := json.Unmarshal([]byte(memory), &inst.Memory); err != nil {
		return nil, fmt.Errorf("decode memory series: %w", err)
	}
	if inst.StatusHistory == nil {
		inst.StatusHistory = workflow.History{}
	}
	if inst.CPU == nil {
		inst.CPU = metric.Series{}
	}
	if inst.Memory == nil {
		inst.Memory = metric.Series{}
	}

	var err error
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.LastUpdate, err = parseTime(lastUpdateAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

func encodeTimeline(h workflow.History, cpu, memory metric.Series) (string, string, string, error) {
	if h == nil {
		h = workflow.History{}
	}
	if cpu == nil {
		cpu = metric.Series{}
	}
	if memory == nil {
		memory = metric.Series{}
	}
	hs, err := marshalJSON(h)
	if err != nil {
		return "", "", "", fmt.Errorf("encode status history: %w", err)
	}
	cs, err := marshalJSON(cpu)
	if err != nil {
		return "", "", "", fmt.Errorf("encode cpu series: %w", err)
	}
	ms, err := marshalJSON(memory)
	if err != nil {
		return "", "", "", fmt.Errorf("encode memory series: %w", err)
	}
	return hs, cs, ms, nil
}

// InsertInstances inserts all instances in one transaction.
func (s *Store) InsertInstances(ctx context.Context, insts []*workflow.Instance) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(insts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	checked := make(map[string]bool)
	for _, inst := range insts {
		if checked[inst.JobID] {
			continue
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, inst.JobID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", workflow.ErrJobNotFound, inst.JobID)
		}
		if err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		checked[inst.JobID] = true
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, inst := range insts {
		history, cpu, memory, err := encodeTimeline(inst.StatusHistory, inst.CPU, inst.Memory)
		if err != nil {
			return err
		}
		var (
			hostname, batchID   any
			pilotJob, pilotInst any
		)
		if inst.Hostname != nil {
			hostname = *inst.Hostname
		}
		if inst.BatchID != nil {
			batchID = *inst.BatchID
		}
		if inst.PilotRef != nil {
			pilotJob, pilotInst = inst.PilotRef.JobID, inst.PilotRef.InstanceID
		}
		_, err = stmt.ExecContext(ctx,
			inst.JobID, inst.InstanceID, string(inst.Status), inst.MinorStatus, history, cpu, memory,
			inst.CPUMax, inst.MemMax, inst.Body, hostname, batchID, inst.NEvents, string(inst.Site), inst.Log,
			boolInt(inst.IsPilot), pilotJob, pilotInst, formatTime(inst.CreatedAt), formatTime(inst.LastUpdate))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert instance %s: %w", inst.Key(), workflow.ErrDuplicateInstance)
			}
			return fmt.Errorf("exec insert for %s: %w", inst.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetInstance returns an instance by key.
func (s *Store) GetInstance(ctx context.Context, key workflow.InstanceKey) (*workflow.Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM job_instances WHERE job_id = ? AND instance_id = ?`,
		key.JobID, key.InstanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func statusArgs(list []workflow.Status) (string, []any) {
	marks := make([]string, len(list))
	args := make([]any, len(list))
	for i, st := range list {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// ListInstances returns a job's instances ordered by instance id.
func (s *Store) ListInstances(ctx context.Context, jobID string, filter workflow.InstanceFilter) ([]*workflow.Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + instanceColumns + ` FROM job_instances WHERE job_id = ?`
	args := []any{jobID}
	if len(filter.Status) > 0 {
		marks, sargs := statusArgs(filter.Status)
		query += ` AND status IN (` + marks + `)`
		args = append(args, sargs...)
	}
	if len(filter.NotStatus) > 0 {
		marks, sargs := statusArgs(filter.NotStatus)
		query += ` AND status NOT IN (` + marks + `)`
		args = append(args, sargs...)
	}
	query += ` ORDER BY instance_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// MaxInstanceID returns the largest instance id of the job, or 0.
func (s *Store) MaxInstanceID(ctx context.Context, jobID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(instance_id) FROM job_instances WHERE job_id = ?`, jobID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max instance id: %w", err)
	}
	return max.Int64, nil
}

// CountInstances returns the number of instances of a job.
func (s *Store) CountInstances(ctx context.Context, jobID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_instances WHERE job_id = ?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// CountByStatus groups a job's instances by status.
func (s *Store) CountByStatus(ctx context.Context, jobID string) (map[workflow.Status]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_instances WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[workflow.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[workflow.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return out, nil
}

// SumNEvents sums the processed events of a job's instances.
func (s *Store) SumNEvents(ctx context.Context, jobID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(nevents) FROM job_instances WHERE job_id = ?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum nevents: %w", err)
	}
	return n.Int64, nil
}

// UpdateStatus applies a status write guarded by the expected current
// status, minor status, last update and series lengths. The affected count
// is 0 when the guard fails.
func (s *Store) UpdateStatus(ctx context.Context, key workflow.InstanceKey, upd workflow.StatusUpdate) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sets := []string{"status = ?", "minor_status = ?", "last_update = ?"}
	args := []any{string(upd.Status), upd.MinorStatus, formatTime(upd.At)}

	switch {
	case upd.Timeline != nil:
		history := append(workflow.History{}, upd.Timeline.History...)
		if upd.Record != nil {
			history = append(history, *upd.Record)
		}
		hs, cs, ms, err := encodeTimeline(history, upd.Timeline.CPU, upd.Timeline.Memory)
		if err != nil {
			return 0, err
		}
		sets = append(sets, "status_history = ?", "cpu = ?", "memory = ?")
		args = append(args, hs, cs, ms)
	case upd.Record != nil:
		entry, err := marshalJSON(upd.Record)
		if err != nil {
			return 0, fmt.Errorf("encode history entry: %w", err)
		}
		sets = append(sets, "status_history = json_insert(status_history, '$[#]', json(?))")
		args = append(args, entry)
	}

	where := []string{"job_id = ?", "instance_id = ?", "status = ?", "minor_status = ?"}
	args = append(args, key.JobID, key.InstanceID, string(upd.ExpectStatus), upd.ExpectMinor)
	if !upd.ExpectLastUpdate.IsZero() {
		where = append(where, "last_update = ?")
		args = append(args, formatTime(upd.ExpectLastUpdate))
	}
	if upd.ExpectSamples != nil {
		where = append(where, "json_array_length(cpu) = ?", "json_array_length(memory) = ?")
		args = append(args, upd.ExpectSamples.CPU, upd.ExpectSamples.Memory)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_instances SET `+strings.Join(sets, ", ")+`
		 WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// UpdateInstance writes the non-nil fields of upd.
func (s *Store) UpdateInstance(ctx context.Context, key workflow.InstanceKey, upd workflow.InstanceUpdate) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sets := []string{"last_update = ?"}
	args := []any{formatTime(upd.At)}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.CPUMax != nil {
		add("cpu_max", *upd.CPUMax)
	}
	if upd.MemMax != nil {
		add("mem_max", *upd.MemMax)
	}
	if upd.Hostname != nil {
		add("hostname", *upd.Hostname)
	}
	if upd.BatchID != nil {
		add("batch_id", *upd.BatchID)
	}
	if upd.Log != nil {
		add("log", *upd.Log)
	}
	if upd.NEvents != nil {
		add("nevents", *upd.NEvents)
	}
	if upd.IsPilot != nil {
		add("is_pilot", boolInt(*upd.IsPilot))
	}
	if upd.PilotRef != nil {
		add("pilot_job_id", upd.PilotRef.JobID)
		add("pilot_instance_id", upd.PilotRef.InstanceID)
	}
	if upd.Body != nil {
		add("body", *upd.Body)
	}

	args = append(args, key.JobID, key.InstanceID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_instances SET `+strings.Join(sets, ", ")+` WHERE job_id = ? AND instance_id = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// AppendSample appends a sample with json_insert. The sequence number is the
// series length plus one, computed inside the same statement.
func (s *Store) AppendSample(ctx context.Context, key workflow.InstanceKey, kind workflow.MetricKind, at time.Time, v metric.Value) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var col string
	switch kind {
	case workflow.MetricCPU:
		col = "cpu"
	case workflow.MetricMemory:
		col = "memory"
	default:
		return 0, fmt.Errorf("%w: %q", workflow.ErrUnsupportedMetricKey, kind)
	}

	value, err := marshalJSON(v)
	if err != nil {
		return 0, fmt.Errorf("encode sample value: %w", err)
	}
	stamp := formatTime(at)

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_instances
		 SET `+col+` = json_insert(`+col+`, '$[#]',
		       json_object('time', ?, 'value', json(?), 'seq', json_array_length(`+col+`) + 1)),
		     last_update = ?
		 WHERE job_id = ? AND instance_id = ?`,
		stamp, value, stamp, key.JobID, key.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("append %s sample: %w", col, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
