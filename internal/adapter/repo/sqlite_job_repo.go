package repo

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"genjobs/internal/domain"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

const sqliteJobColumns = `id, external_id, owner_id, state, source_reference, params,
	result_reference, last_error, stale, version, created_at, updated_at`

// JobRepositorySQLite implements domain.JobRepository on a single SQLite file.
// Timestamps are stored as unix microseconds.
type JobRepositorySQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteJobRepository opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteJobRepository(ctx context.Context, dbPath string) (*JobRepositorySQLite, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &JobRepositorySQLite{db: db, now: time.Now}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *JobRepositorySQLite) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping checks that the database is reachable.
func (r *JobRepositorySQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *JobRepositorySQLite) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := sqliteMigrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var applied int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}
		content, err := sqliteMigrations.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, r.now().UnixMicro()); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion reads the leading integer of a migration file name.
func migrationVersion(name string) int {
	end := strings.IndexFunc(name, func(c rune) bool { return c < '0' || c > '9' })
	if end == 0 {
		return 0
	}
	if end < 0 {
		end = len(name)
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

func (r *JobRepositorySQLite) Create(ctx context.Context, job *domain.GenerationJob) error {
	if err := job.ValidateNew(); err != nil {
		return err
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	stampNew(job, r.now())
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO generation_jobs (`+sqliteJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ExternalID,
		job.OwnerID,
		string(job.State),
		job.SourceReference,
		string(params),
		job.ResultReference,
		job.LastError,
		job.Stale,
		job.Version,
		job.CreatedAt.UnixMicro(),
		job.UpdatedAt.UnixMicro(),
	)
	return err
}

func (r *JobRepositorySQLite) GetByID(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM generation_jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// UpdateState uses the same version compare-and-swap as the Postgres store.
func (r *JobRepositorySQLite) UpdateState(ctx context.Context, jobID string, state domain.JobState, upd domain.JobUpdate) (*domain.GenerationJob, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := r.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := domain.ApplyTransition(next, state, upd, r.now()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return current, err
			}
			return nil, err
		}
		res, err := r.db.ExecContext(ctx,
			`UPDATE generation_jobs
			 SET state = ?, result_reference = ?, last_error = ?, stale = ?, version = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(next.State),
			next.ResultReference,
			next.LastError,
			next.Stale,
			next.Version,
			next.UpdatedAt.UnixMicro(),
			jobID,
			current.Version,
		)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return next, nil
		}
	}
	latest, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return latest, fmt.Errorf("job %s: %w", jobID, errCASExhausted)
}

func (r *JobRepositorySQLite) ListActive(ctx context.Context, staleBefore time.Time, limit int) ([]*domain.GenerationJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM generation_jobs
		 WHERE state NOT IN ('Succeeded', 'Failed') AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		staleBefore.UnixMicro(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.GenerationJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlScanner) (*domain.GenerationJob, error) {
	var (
		job                  domain.GenerationJob
		state, params        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&job.ID,
		&job.ExternalID,
		&job.OwnerID,
		&state,
		&job.SourceReference,
		&params,
		&job.ResultReference,
		&job.LastError,
		&job.Stale,
		&job.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	job.CreatedAt = time.UnixMicro(createdAt).UTC()
	job.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if err := decodeParams([]byte(params), &job.Params); err != nil {
		return nil, err
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositorySQLite)(nil)
