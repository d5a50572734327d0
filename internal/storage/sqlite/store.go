// Package sqlite is a RunStore backed by SQLite through sqlx.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/contentgen-gateway/internal/storage"
)

// Store is a SQLite implementation of storage.RunStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.RunStore = (*Store)(nil)

// New opens (and if needed creates) the database at dsn.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			content_path TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL DEFAULT '[]',
			analysis TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '',
			analysis_model TEXT NOT NULL DEFAULT '',
			generation_model TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type runRow struct {
	ID              string    `db:"id"`
	SessionID       string    `db:"session_id"`
	Status          string    `db:"status"`
	Prompt          string    `db:"prompt"`
	Language        string    `db:"language"`
	ContentPath     string    `db:"content_path"`
	Fields          string    `db:"fields"`
	Analysis        string    `db:"analysis"`
	Result          string    `db:"result"`
	AnalysisModel   string    `db:"analysis_model"`
	GenerationModel string    `db:"generation_model"`
	ErrorCode       string    `db:"error_code"`
	ErrorMessage    string    `db:"error_message"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toRow(run *storage.RunRecord) (*runRow, error) {
	fields := run.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	analysis := run.Analysis
	if analysis == nil {
		analysis = map[string]string{}
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	return &runRow{
		ID:              run.ID,
		SessionID:       run.SessionID,
		Status:          string(run.Status),
		Prompt:          run.Prompt,
		Language:        run.Language,
		ContentPath:     run.ContentPath,
		Fields:          string(fieldsJSON),
		Analysis:        string(analysisJSON),
		Result:          string(run.Result),
		AnalysisModel:   run.AnalysisModel,
		GenerationModel: run.GenerationModel,
		ErrorCode:       run.ErrorCode,
		ErrorMessage:    run.ErrorMessage,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}, nil
}

func (r *runRow) record() (*storage.RunRecord, error) {
	run := &storage.RunRecord{
		ID:              r.ID,
		SessionID:       r.SessionID,
		Status:          storage.RunStatus(r.Status),
		Prompt:          r.Prompt,
		Language:        r.Language,
		ContentPath:     r.ContentPath,
		AnalysisModel:   r.AnalysisModel,
		GenerationModel: r.GenerationModel,
		ErrorCode:       r.ErrorCode,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Fields), &run.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Analysis), &run.Analysis); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
	}
	if len(run.Analysis) == 0 {
		run.Analysis = nil
	}
	if len(run.Fields) == 0 {
		run.Fields = nil
	}
	if r.Result != "" {
		run.Result = json.RawMessage(r.Result)
	}
	return run, nil
}

// SaveRun inserts run or replaces the stored copy.
func (s *Store) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	row, err := toRow(run)
	if err != nil {
		return err
	}

	query := `INSERT INTO runs (id, session_id, status, prompt, language, content_path, fields,
			analysis, result, analysis_model, generation_model, error_code, error_message,
			created_at, updated_at)
		VALUES (:id, :session_id, :status, :prompt, :language, :content_path, :fields,
			:analysis, :result, :analysis_model, :generation_model, :error_code, :error_message,
			:created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			prompt = excluded.prompt,
			language = excluded.language,
			content_path = excluded.content_path,
			fields = excluded.fields,
			analysis = excluded.analysis,
			result = excluded.result,
			analysis_model = excluded.analysis_model,
			generation_model = excluded.generation_model,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns storage.ErrNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.record()
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*storage.RunRecord, error) {
	query := `SELECT * FROM runs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*storage.RunRecord, 0, len(rows))
	for i := range rows {
		run, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
