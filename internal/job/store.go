package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are stored
// as TEXT; the fixed width keeps lexicographic ordering identical to
// chronological ordering, which the FIFO queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store provides durable CRUD over job records with guarded status
// transitions. SQLite's single-writer semantics serialize concurrent
// transition attempts per row.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = "id, filename, filepath, status, parameters, created_at, started_at, finished_at, error_message"

// Create inserts a new job in status queued and returns it.
func (s *Store) Create(ctx context.Context, filename, filepath string, params Parameters) (*Job, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename is empty")
	}
	if filepath == "" {
		return nil, fmt.Errorf("filepath is empty")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.NewString(),
		Filename:   filename,
		Filepath:   filepath,
		Status:     StatusQueued,
		Parameters: params,
		CreatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs(id, filename, filepath, status, parameters, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, j.ID, j.Filename, j.Filepath, j.Status, string(paramsJSON), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Get returns the job with the given id, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?;", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs ordered by creation time ascending (ties broken by id).
// An empty status matches all jobs; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// OldestQueued returns the queued job with the earliest creation time, with
// ties broken by lowest id so dispatch order is total. Returns (nil, nil) if
// no job is queued.
func (s *Store) OldestQueued(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = ?
ORDER BY created_at ASC, id ASC
LIMIT 1;
`, StatusQueued)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest queued job: %w", err)
	}
	return j, nil
}

// UpdateStatus performs a guarded, atomic transition to next. The WHERE
// clause only matches rows whose current status legally precedes next, so an
// illegal transition updates nothing and returns ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, next Status, errMsg string) (*Job, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	sources := transitionSources(next)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no status may enter %q", ErrInvalidTransition, next)
	}
	return s.transition(ctx, id, next, errMsg, sources)
}

// UpdateStatusFrom performs the same guarded transition but only matches the
// one source status the caller observed. Callers acting on a read that may
// have gone stale (cancelling a job believed to be queued, say) use this so
// that a lost race fails the update instead of relabeling a row that has
// since moved on.
func (s *Store) UpdateStatusFrom(ctx context.Context, id string, from, next Status, errMsg string) (*Job, error) {
	if !CanTransition(from, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return s.transition(ctx, id, next, errMsg, []Status{from})
}

func (s *Store) transition(ctx context.Context, id string, next Status, errMsg string, sources []Status) (*Job, error) {
	now := time.Now().UTC().Format(timeLayout)

	set := "status = ?"
	args := []any{next}
	if next == StatusRunning {
		set += ", started_at = ?"
		args = append(args, now)
	}
	if next.Terminal() {
		set += ", finished_at = ?"
		args = append(args, now)
		if errMsg != "" {
			set += ", error_message = ?"
			args = append(args, errMsg)
		}
	}

	placeholders := strings.Repeat("?, ", len(sources)-1) + "?"
	args = append(args, id)
	for _, src := range sources {
		args = append(args, src)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+set+" WHERE id = ? AND status IN ("+placeholders+");", args...)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	if affected == 0 {
		// Either the job does not exist, or its current status does not
		// permit this transition. Distinguish the two for the caller.
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}
	return s.Get(ctx, id)
}

// Delete removes a terminal job. Deleting a job that is still queued or
// running returns ErrNotTerminal.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?);
`, id, StatusSucceeded, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotTerminal
	}
	return nil
}

// Position returns the 1-based queue position of a queued job: one plus the
// count of queued jobs submitted before it. Non-queued jobs have position 0.
func (s *Store) Position(ctx context.Context, j *Job) (int, error) {
	if j.Status != StatusQueued {
		return 0, nil
	}
	created := j.CreatedAt.UTC().Format(timeLayout)
	var ahead int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs
WHERE status = ? AND (created_at < ? OR (created_at = ? AND id < ?));
`, StatusQueued, created, created, j.ID).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return ahead + 1, nil
}

// CountByStatus returns the number of jobs in the given status.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE status = ?;", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountNonTerminal returns the number of jobs still queued or running.
func (s *Store) CountNonTerminal(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE status IN (?, ?);",
		StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		statusS    string
		paramsJSON string
		createdS   string
		startedS   sql.NullString
		finishedS  sql.NullString
		errMsg     sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Filename, &j.Filepath, &statusS, &paramsJSON,
		&createdS, &startedS, &finishedS, &errMsg); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if err := json.Unmarshal([]byte(paramsJSON), &j.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	t, err := time.Parse(timeLayout, createdS)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	j.CreatedAt = t
	if startedS.Valid {
		if t, err := time.Parse(timeLayout, startedS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if finishedS.Valid {
		if t, err := time.Parse(timeLayout, finishedS.String); err == nil {
			j.FinishedAt = &t
		}
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	return &j, nil
}
