package store

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// The full job is kept as JSON in data. Columns that are queried or updated
// independently of the owner's copy (status, owner, version, heartbeat,
// cancellation) are authoritative and overlaid on read.
const schemaJobs = `CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	worker_id           TEXT NOT NULL DEFAULT '',
	priority            INTEGER NOT NULL DEFAULT 0,
	created_ns          BIGINT NOT NULL,
	version             BIGINT NOT NULL,
	cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_requested_ns BIGINT,
	heartbeat_ns        BIGINT,
	data                TEXT NOT NULL
)`

const schemaJobsStatusIndex = `CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, project_id)`

const schemaMessages = `CREATE TABLE IF NOT EXISTS job_messages (
	job_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tool_name  TEXT NOT NULL DEFAULT '',
	created_ns BIGINT NOT NULL,
	PRIMARY KEY (job_id, seq)
)`

const selectJob = `SELECT status, worker_id, version, cancel_requested, cancel_requested_ns, heartbeat_ns, data FROM jobs`

const insertJob = `INSERT INTO jobs
	(id, project_id, status, worker_id, priority, created_ns, version, cancel_requested, cancel_requested_ns, heartbeat_ns, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING`

const updateJob = `UPDATE jobs SET
	project_id = $2,
	status = $3,
	worker_id = $4,
	priority = $5,
	data = $6,
	version = version + 1,
	cancel_requested = $7,
	cancel_requested_ns = CAST($8 AS BIGINT),
	heartbeat_ns = CASE
		WHEN CAST($9 AS BIGINT) IS NULL THEN NULL
		WHEN heartbeat_ns IS NULL OR heartbeat_ns < CAST($9 AS BIGINT) THEN CAST($9 AS BIGINT)
		ELSE heartbeat_ns END
	WHERE id = $1 AND version = $10
	RETURNING cancel_requested, cancel_requested_ns, heartbeat_ns`

const updateHeartbeat = `UPDATE jobs SET heartbeat_ns = $3
	WHERE id = $1 AND worker_id = $2 AND status IN ('started', 'processing', 'paused')`

// The first request bumps the version so that a writer holding an older copy
// cannot save over the flag.
const updateCancel = `UPDATE jobs SET
	version = CASE WHEN cancel_requested THEN version ELSE version + 1 END,
	cancel_requested = TRUE,
	cancel_requested_ns = COALESCE(cancel_requested_ns, CAST($2 AS BIGINT))
	WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

const selectVersion = `SELECT status, version FROM jobs WHERE id = $1`

const selectMaxSeq = `SELECT COALESCE(MAX(seq), 0) FROM job_messages WHERE job_id = $1`

const insertMessage = `INSERT INTO job_messages (job_id, seq, role, content, tool_name, created_ns)
	VALUES ($1, $2, $3, $4, $5, $6)`

const selectMessages = `SELECT seq, role, content, tool_name, created_ns FROM job_messages
	WHERE job_id = $1 ORDER BY seq`

var errNoRows = errors.New("no rows")

// scanner is satisfied by both database/sql and pgx rows.
type scanner interface {
	Scan(dest ...any) error
}

// conn is the query surface shared by a database handle and a transaction.
// Queries use $N placeholders; drivers that need another style rebind them.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) scanner
	query(ctx context.Context, query string, args []any, each func(scanner) error) error
}

type database interface {
	conn
	withTx(ctx context.Context, fn func(conn) error) error
	ping(ctx context.Context) error
	close() error
}

// sqlRepository implements job.Repository over any database adapter.
type sqlRepository struct {
	db  database
	now func() time.Time
}

func newSQLRepository(db database) *sqlRepository {
	return &sqlRepository{db: db, now: time.Now}
}

func (r *sqlRepository) migrate(ctx context.Context) error {
	for _, stmt := range []string{schemaJobs, schemaJobsStatusIndex, schemaMessages} {
		if _, err := r.db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Create implements job.Repository.
func (r *sqlRepository) Create(ctx context.Context, j *job.Job) error {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = r.now().UTC()
	}
	j.Version = 1
	data, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}

	n, err := r.db.exec(ctx, insertJob,
		j.ID, j.ProjectID, string(j.Status), j.WorkerID, j.Priority, j.CreatedAt.UnixNano(), j.Version,
		j.CancelRequested, nanos(j.CancelRequestedAt), nanos(j.HeartbeatAt), string(data))
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	if n == 0 {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
	}
	return nil
}

// Get implements job.Repository.
func (r *sqlRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(r.db.queryRow(ctx, selectJob+` WHERE id = $1`, id))
	if errors.Is(err, errNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return j, nil
}

// List implements job.Repository.
func (r *sqlRepository) List(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			args = append(args, string(s))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.WorkerID != "" {
		args = append(args, filter.WorkerID)
		where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
	}

	q := selectJob
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_ns, id"

	var jobs []*job.Job
	err := r.db.query(ctx, q, args, func(row scanner) error {
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return jobs, nil
}

// Save implements job.Repository.
func (r *sqlRepository) Save(ctx context.Context, j *job.Job) error {
	next := j.Clone()
	next.Version++
	next.UpdatedAt = r.now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return apperrors.Internal("store.save", err)
	}

	var (
		cancel         bool
		cancelNs, hbNs *int64
	)
	err = r.db.queryRow(ctx, updateJob,
		j.ID, j.ProjectID, string(j.Status), j.WorkerID, j.Priority, string(data),
		j.CancelRequested, nanos(j.CancelRequestedAt), nanos(j.HeartbeatAt), j.Version,
	).Scan(&cancel, &cancelNs, &hbNs)
	if errors.Is(err, errNoRows) {
		return r.saveConflict(ctx, j)
	}
	if err != nil {
		return apperrors.Internal("store.save", err)
	}

	j.Version = next.Version
	j.UpdatedAt = next.UpdatedAt
	j.CancelRequested = cancel
	j.CancelRequestedAt = fromNanos(cancelNs)
	j.HeartbeatAt = fromNanos(hbNs)
	return nil
}

func (r *sqlRepository) saveConflict(ctx context.Context, j *job.Job) error {
	var (
		status  string
		version int64
	)
	err := r.db.queryRow(ctx, selectVersion, j.ID).Scan(&status, &version)
	if errors.Is(err, errNoRows) {
		return apperrors.NotFound("job", j.ID)
	}
	if err != nil {
		return apperrors.Internal("store.save", err)
	}
	return staleVersion(j.ID, j.Version, version)
}

// Heartbeat implements job.Repository.
func (r *sqlRepository) Heartbeat(ctx context.Context, id, workerID string, at time.Time) error {
	n, err := r.db.exec(ctx, updateHeartbeat, id, workerID, at.UnixNano())
	if err != nil {
		return apperrors.Internal("store.heartbeat", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return lostOwnership(id, workerID)
}

// RequestCancel implements job.Repository.
func (r *sqlRepository) RequestCancel(ctx context.Context, id string, at time.Time) (*job.Job, error) {
	n, err := r.db.exec(ctx, updateCancel, id, at.UnixNano())
	if err != nil {
		return nil, apperrors.Internal("store.cancel", err)
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, alreadyFinished(id, j.Status)
	}
	return j, nil
}

// AppendMessages implements job.Repository.
func (r *sqlRepository) AppendMessages(ctx context.Context, id string, msgs []job.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	err := r.db.withTx(ctx, func(tx conn) error {
		var seq int
		if err := tx.queryRow(ctx, selectMaxSeq, id).Scan(&seq); err != nil {
			return fmt.Errorf("reading sequence: %w", err)
		}
		for _, m := range msgs {
			seq++
			created := m.CreatedAt
			if created.IsZero() {
				created = r.now()
			}
			if _, err := tx.exec(ctx, insertMessage, id, seq, m.Role, m.Content, m.ToolName, created.UnixNano()); err != nil {
				return fmt.Errorf("inserting message %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Internal("store.append_messages", err)
	}
	return nil
}

// Messages implements job.Repository.
func (r *sqlRepository) Messages(ctx context.Context, id string) ([]job.Message, error) {
	var msgs []job.Message
	err := r.db.query(ctx, selectMessages, []any{id}, func(row scanner) error {
		var (
			m       job.Message
			created int64
		)
		if err := row.Scan(&m.Seq, &m.Role, &m.Content, &m.ToolName, &created); err != nil {
			return err
		}
		m.JobID = id
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("store.messages", err)
	}
	return msgs, nil
}

// Ping implements job.Repository.
func (r *sqlRepository) Ping(ctx context.Context) error {
	return r.db.ping(ctx)
}

// Close implements job.Repository.
func (r *sqlRepository) Close() error {
	return r.db.close()
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		status, workerID string
		version          int64
		cancel           bool
		cancelNs, hbNs   *int64
		data             string
	)
	if err := row.Scan(&status, &workerID, &version, &cancel, &cancelNs, &hbNs, &data); err != nil {
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	j.Status = job.Status(status)
	j.WorkerID = workerID
	j.Version = version
	j.CancelRequested = cancel
	j.CancelRequestedAt = fromNanos(cancelNs)
	j.HeartbeatAt = fromNanos(hbNs)
	return &j, nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(ns *int64) *time.Time {
	if ns == nil {
		return nil
	}
	t := time.Unix(0, *ns).UTC()
	return &t
}

var _ job.Repository = (*sqlRepository)(nil)
