package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"croanalyzer/internal/model"
)

// Record is one archived terminal analysis.
type Record struct {
	TaskID      string          `json:"task_id"`
	URL         string          `json:"url"`
	Mode        model.Mode      `json:"mode"`
	State       model.State     `json:"state"`
	FailureKind string          `json:"failure_kind,omitempty"`
	Message     string          `json:"message"`
	Result      json.RawMessage `json:"result,omitempty"`
	Partial     bool            `json:"partial"`
	FromCache   bool            `json:"from_cache"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Archive stores terminal analyses in Postgres for history and reporting.
type Archive struct {
	DB *sql.DB
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{DB: db}
}

// OpenArchive connects through the pgx stdlib driver and verifies the
// connection.
func OpenArchive(ctx context.Context, dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	return &Archive{DB: db}, nil
}

const upsertAnalysis = `
INSERT INTO analyses (task_id, url, mode, state, failure_kind, message, result, partial, from_cache, attempts, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (task_id) DO UPDATE SET
    state = EXCLUDED.state,
    failure_kind = EXCLUDED.failure_kind,
    message = EXCLUDED.message,
    result = EXCLUDED.result,
    partial = EXCLUDED.partial,
    from_cache = EXCLUDED.from_cache,
    attempts = EXCLUDED.attempts,
    finished_at = EXCLUDED.finished_at`

// Save archives a terminal task. Non-terminal tasks are ignored.
func (a *Archive) Save(ctx context.Context, t *model.AnalysisTask) error {
	if !t.State.Terminal() {
		return nil
	}

	var kind sql.NullString
	if t.Failure != nil {
		kind = sql.NullString{String: string(t.Failure.Kind), Valid: true}
	}
	result := pqtype.NullRawMessage{RawMessage: t.Result, Valid: len(t.Result) > 0}

	var partial bool
	if result.Valid {
		var probe struct {
			Partial bool `json:"partial"`
		}
		if err := json.Unmarshal(t.Result, &probe); err == nil {
			partial = probe.Partial
		}
	}

	finished := t.UpdatedAt
	if t.FinishedAt != nil {
		finished = *t.FinishedAt
	}

	_, err := a.DB.ExecContext(ctx, upsertAnalysis,
		t.ID, t.URL, string(t.Options.Mode()), string(t.State), kind, t.Message,
		result, partial, t.FromCache, t.Attempt, t.CreatedAt, finished)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// Recent lists the newest archived analyses, optionally for one URL.
func (a *Archive) Recent(ctx context.Context, url string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT task_id, url, mode, state, failure_kind, message, result, partial, from_cache, attempts, created_at, finished_at
FROM analyses`
	args := []any{}
	if url != "" {
		query += " WHERE url = $1"
		args = append(args, url)
	}
	query += fmt.Sprintf(" ORDER BY finished_at DESC LIMIT %d", limit)

	rows, err := a.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			mode   string
			state  string
			kind   sql.NullString
			result pqtype.NullRawMessage
		)
		if err := rows.Scan(&r.TaskID, &r.URL, &mode, &state, &kind, &r.Message, &result,
			&r.Partial, &r.FromCache, &r.Attempts, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Mode = model.Mode(mode)
		r.State = model.State(state)
		if kind.Valid {
			r.FailureKind = kind.String
		}
		if result.Valid {
			r.Result = result.RawMessage
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes analyses finished before cutoff.
func (a *Archive) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.DB.ExecContext(ctx, `DELETE FROM analyses WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *Archive) Ping(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

func (a *Archive) Close() error {
	return a.DB.Close()
}
