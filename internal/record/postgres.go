package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/db/migrations"
)

// PostgresStore is the durable record store. It expects the pgx stdlib
// driver to be linked (import github.com/jackc/pgx/v5/stdlib in main).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle so collaborators sharing the database
// (the specification reader) can reuse the connection pool.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return errors.Wrap(err, "check migration")
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "read migration %s", file)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return errors.Wrapf(err, "apply migration %s", file)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return errors.Wrapf(err, "record migration %s", file)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const buildColumns = `id, spec_id, owner_id, queue, idempotency_key, stage, status, logs,
attempt, artifact_digest, endpoint, failure_stage, failure_message,
started_at, completed_at, heartbeat_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, rec BuildRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return errors.Wrap(err, "encode logs")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO builds (`+buildColumns+`)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		rec.ID, rec.SpecID, rec.OwnerID, rec.Queue, rec.IdempotencyKey,
		string(rec.Stage), string(rec.Status), logs,
		rec.Attempt, rec.ArtifactDigest, rec.Endpoint,
		string(rec.FailureStage), rec.FailureMessage,
		rec.StartedAt, rec.CompletedAt, rec.HeartbeatAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert build")
}

func (p *PostgresStore) Get(ctx context.Context, id string) (BuildRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

func (p *PostgresStore) Update(ctx context.Context, rec BuildRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return errors.Wrap(err, "encode logs")
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE builds SET
			stage = $2, status = $3, logs = $4, attempt = $5,
			artifact_digest = $6, endpoint = $7,
			failure_stage = $8, failure_message = $9,
			started_at = $10, completed_at = $11, heartbeat_at = $12, updated_at = $13
		WHERE id = $1`,
		rec.ID, string(rec.Stage), string(rec.Status), logs, rec.Attempt,
		rec.ArtifactDigest, rec.Endpoint,
		string(rec.FailureStage), rec.FailureMessage,
		rec.StartedAt, rec.CompletedAt, rec.HeartbeatAt, rec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "update build")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode log entry")
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE builds
		   SET logs = logs || $2::jsonb, updated_at = $3
		 WHERE id = $1`, id, string(b), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "append log")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (BuildRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		 WHERE idempotency_key = $1
		 ORDER BY created_at DESC LIMIT 1`, key)
	return scanBuild(row)
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE builds SET heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "touch build")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRunningStale(ctx context.Context, cutoff time.Time) ([]BuildRecord, error) {
	return p.listBuilds(ctx, `
		SELECT `+buildColumns+` FROM builds
		 WHERE stage NOT IN ('queued','succeeded','failed','cancelled')
		   AND heartbeat_at < $1
		 ORDER BY id`, cutoff)
}

func (p *PostgresStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]BuildRecord, error) {
	return p.listBuilds(ctx, `
		SELECT `+buildColumns+` FROM builds
		 WHERE stage IN ('succeeded','failed','cancelled')
		   AND completed_at IS NOT NULL AND completed_at < $1
		 ORDER BY id`, cutoff)
}

func (p *PostgresStore) listBuilds(ctx context.Context, query string, args ...any) ([]BuildRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list builds")
	}
	defer rows.Close()
	out := make([]BuildRecord, 0)
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (BuildRecord, error) {
	var rec BuildRecord
	var key sql.NullString
	var stage, status, failureStage string
	var logs []byte
	err := row.Scan(
		&rec.ID, &rec.SpecID, &rec.OwnerID, &rec.Queue, &key,
		&stage, &status, &logs,
		&rec.Attempt, &rec.ArtifactDigest, &rec.Endpoint,
		&failureStage, &rec.FailureMessage,
		&rec.StartedAt, &rec.CompletedAt, &rec.HeartbeatAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BuildRecord{}, ErrNotFound
		}
		return BuildRecord{}, errors.Wrap(err, "scan build")
	}
	rec.IdempotencyKey = key.String
	rec.Stage = Stage(stage)
	rec.Status = Status(status)
	rec.FailureStage = Stage(failureStage)
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &rec.Logs); err != nil {
			return BuildRecord{}, fmt.Errorf("decode logs for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
