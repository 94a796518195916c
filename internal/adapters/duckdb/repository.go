package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/clipchef/clipchef/internal/core/domain"
	"github.com/clipchef/clipchef/internal/core/ports"
)

// Repository is the DuckDB-backed job and recipe store.
//
// Only one worker ever owns a job under correct queue semantics, but status
// reads race with writes and redelivery can produce a second writer, so
// Transition serializes per job ID and additionally guards the write with a
// version counter.
type Repository struct {
	db *sql.DB

	// per-job mutexes, created on demand
	locks sync.Map
}

var _ ports.JobStore = (*Repository)(nil)
var _ ports.RecipeStore = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			source_url   TEXT NOT NULL,
			locale       TEXT NOT NULL,
			status       TEXT NOT NULL,
			stage_index  INTEGER NOT NULL,
			stage_total  INTEGER NOT NULL,
			stage_label  TEXT NOT NULL,
			stage_detail TEXT NOT NULL DEFAULT '',
			result       TEXT,
			error        TEXT,
			version      BIGINT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recipes (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			source_url  TEXT NOT NULL,
			locale      TEXT NOT NULL,
			title       TEXT NOT NULL,
			ingredients TEXT NOT NULL,
			steps       TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) lock(id domain.JobID) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateJob inserts a fresh PENDING job record.
func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	resultJSON, errJSON, err := marshalTerminalPayloads(job)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, source_url, locale, status, stage_index, stage_total,
		                  stage_label, stage_detail, result, error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID),
		job.OwnerID.String(),
		job.Input.SourceURL,
		job.Input.Locale,
		string(job.Status),
		job.StageIndex,
		job.StageTotal,
		job.StageLabel,
		job.StageDetail,
		resultJSON,
		errJSON,
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_url, locale, status, stage_index, stage_total,
		       stage_label, stage_detail, result, error, version, created_at, updated_at
		FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Transition atomically reads the job, applies mutate and writes the result
// back. Transitions on an already-terminal job are rejected with
// domain.ErrJobTerminal and logged by the caller, never silently applied.
func (r *Repository) Transition(ctx context.Context, id domain.JobID, mutate func(*domain.Job) error) (domain.Job, error) {
	mu := r.lock(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Terminal() {
		return domain.Job{}, domain.ErrJobTerminal
	}

	prevVersion := job.Version
	if err := mutate(&job); err != nil {
		return domain.Job{}, err
	}
	job.Version = prevVersion + 1
	job.UpdatedAt = time.Now().UTC()

	resultJSON, errJSON, err := marshalTerminalPayloads(job)
	if err != nil {
		return domain.Job{}, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, stage_index = ?, stage_total = ?, stage_label = ?,
		                stage_detail = ?, result = ?, error = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(job.Status),
		job.StageIndex,
		job.StageTotal,
		job.StageLabel,
		job.StageDetail,
		resultJSON,
		errJSON,
		job.Version,
		job.UpdatedAt,
		string(job.ID),
		prevVersion,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if affected == 0 {
		// Per-key locking makes this unreachable in-process; it guards
		// against a second process writing the same row.
		return domain.Job{}, fmt.Errorf("job %s: concurrent modification", id)
	}

	if job.Terminal() {
		// No further transition can succeed, so the per-job mutex is dead
		// weight; drop it instead of growing the map with every job ever
		// processed. A waiter that re-creates the entry reads the terminal
		// row and is rejected above.
		r.locks.Delete(id)
	}

	return job, nil
}

// ResetRunning moves jobs left RUNNING by a dead process back to PENDING so
// the caller can re-enqueue them. Stages are not checkpointed, so the
// pipeline restarts them from the beginning.
func (r *Repository) ResetRunning(ctx context.Context) ([]domain.JobID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, string(domain.JobStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var ids []domain.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, domain.JobID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := r.Transition(ctx, id, func(j *domain.Job) error {
			j.Status = domain.JobStatusPending
			j.StageIndex = 0
			j.StageLabel = "Queued"
			j.StageDetail = ""
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reset job %s: %w", id, err)
		}
	}

	return ids, nil
}

func marshalTerminalPayloads(job domain.Job) (result sql.NullString, jobErr sql.NullString, err error) {
	if job.Result != nil {
		b, merr := json.Marshal(job.Result)
		if merr != nil {
			return result, jobErr, fmt.Errorf("marshal result: %w", merr)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	if job.Error != nil {
		b, merr := json.Marshal(job.Error)
		if merr != nil {
			return result, jobErr, fmt.Errorf("marshal error: %w", merr)
		}
		jobErr = sql.NullString{String: string(b), Valid: true}
	}
	return result, jobErr, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse owner id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		id         string
		ownerID    string
		status     string
		resultJSON sql.NullString
		errJSON    sql.NullString
	)

	err := row.Scan(
		&id,
		&ownerID,
		&job.Input.SourceURL,
		&job.Input.Locale,
		&status,
		&job.StageIndex,
		&job.StageTotal,
		&job.StageLabel,
		&job.StageDetail,
		&resultJSON,
		&errJSON,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(id)
	job.Status = domain.JobStatus(status)
	if job.OwnerID, err = parseUUID(ownerID); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}

	if resultJSON.Valid {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), job.Result); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: unmarshal result: %w", id, err)
		}
	}
	if errJSON.Valid {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal([]byte(errJSON.String), job.Error); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: unmarshal error: %w", id, err)
		}
	}

	return job, nil
}
