package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

func scanDataFile(row rowScanner) (*workflow.DataFile, error) {
	var (
		f         workflow.DataFile
		status    string
		createdAt string
	)
	if err := row.Scan(&f.ID, &f.Filename, &f.Site, &f.FileType, &status, &createdAt); err != nil {
		return nil, err
	}
	f.Status = workflow.FileStatus(status)
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = t
	return &f, nil
}

// InsertDataFile registers a data file.
func (s *Store) InsertDataFile(ctx context.Context, f *workflow.DataFile) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datafiles (datafile_id, filename, site, file_type, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.Site, f.FileType, string(f.Status), formatTime(f.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert data file %s@%s: %w", f.Filename, f.Site, workflow.ErrDuplicateDataFile)
		}
		return fmt.Errorf("insert data file: %w", err)
	}
	return nil
}

// GetDataFile looks up a data file by (filename, site).
func (s *Store) GetDataFile(ctx context.Context, filename, site string) (*workflow.DataFile, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := scanDataFile(s.db.QueryRowContext(ctx,
		`SELECT datafile_id, filename, site, file_type, status, created_at
		 FROM datafiles WHERE filename = ? AND site = ?`, filename, site))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", workflow.ErrDataFileNotFound, filename, site)
	}
	if err != nil {
		return nil, fmt.Errorf("get data file: %w", err)
	}
	return f, nil
}

// ListDataFiles returns matching files newest first.
func (s *Store) ListDataFiles(ctx context.Context, filter workflow.DataFileFilter) ([]*workflow.DataFile, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT datafile_id, filename, site, file_type, status, created_at FROM datafiles WHERE 1=1`
	var args []any
	if filter.Site != "" {
		query += ` AND site = ?`
		args = append(args, filter.Site)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, filename ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.DataFile
	for rows.Next() {
		f, err := scanDataFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data files: %w", err)
	}
	return out, nil
}

// UpdateDataFileStatus sets the status of the data file with the given id.
func (s *Store) UpdateDataFileStatus(ctx context.Context, id string, status workflow.FileStatus) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE datafiles SET status = ? WHERE datafile_id = ?`, string(status), id)
	if err != nil {
		return 0, fmt.Errorf("update data file status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// RecordHeartBeat upserts on (hostname, process). An existing row keeps its
// id and creation time; hb is updated to reflect them.
func (s *Store) RecordHeartBeat(ctx context.Context, hb *workflow.HeartBeat) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO heartbeats (heartbeat_id, hostname, process, beat_at, deltat, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hostname, process) DO UPDATE SET
		   beat_at = excluded.beat_at,
		   deltat = excluded.deltat,
		   version = excluded.version`,
		hb.ID, hb.Hostname, hb.Process, formatTime(hb.Timestamp), hb.DeltaT, hb.Version, formatTime(hb.CreatedAt))
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}

	var createdAt string
	if err := tx.QueryRowContext(ctx,
		`SELECT heartbeat_id, created_at FROM heartbeats WHERE hostname = ? AND process = ?`,
		hb.Hostname, hb.Process).Scan(&hb.ID, &createdAt); err != nil {
		return fmt.Errorf("read heartbeat: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return err
	}
	hb.CreatedAt = t

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListHeartBeats returns heartbeats ordered by hostname, then process.
func (s *Store) ListHeartBeats(ctx context.Context) ([]*workflow.HeartBeat, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT heartbeat_id, hostname, process, beat_at, deltat, version, created_at
		 FROM heartbeats ORDER BY hostname ASC, process ASC`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.HeartBeat
	for rows.Next() {
		var (
			hb        workflow.HeartBeat
			beatAt    string
			createdAt string
		)
		if err := rows.Scan(&hb.ID, &hb.Hostname, &hb.Process, &beatAt, &hb.DeltaT, &hb.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if hb.Timestamp, err = parseTime(beatAt); err != nil {
			return nil, err
		}
		if hb.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return out, nil
}
