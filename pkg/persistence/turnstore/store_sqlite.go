package turnstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/turns"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite turn index: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open opens the index stored in a file, creating its directory.
func Open(path string) (*SQLiteStore, error) {
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "sqlite turn index: create directory")
	}
	return NewSQLiteStore(dsn)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn index: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT NOT NULL PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			duration_ms INTEGER,
			warning_count INTEGER NOT NULL DEFAULT 0,
			warnings_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_experiment ON turns(experiment_id, run_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS turns_by_run ON turns(run_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS turns_with_warnings ON turns(warning_count) WHERE warning_count > 0;`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite turn index: migrate")
		}
	}
	return nil
}

// Save inserts a turn. Turn ids are unique, so saving the same turn twice is a
// no-op.
func (s *SQLiteStore) Save(ctx context.Context, experimentID string, rec turns.Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn index: db is nil")
	}
	if strings.TrimSpace(experimentID) == "" {
		return errors.New("sqlite turn index: experimentID is empty")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return errors.New("sqlite turn index: runID is empty")
	}
	if strings.TrimSpace(rec.TurnID) == "" {
		return errors.New("sqlite turn index: turnID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	warnings := rec.Warnings
	if warnings == nil {
		warnings = []turns.Warning{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return errors.Wrap(err, "sqlite turn index: encode warnings")
	}
	var duration sql.NullInt64
	if rec.DurationMs != nil {
		duration = sql.NullInt64{Int64: *rec.DurationMs, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO turns(turn_id, experiment_id, run_id, sequence, role, content, timestamp, duration_ms, warning_count, warnings_json, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TurnID, experimentID, rec.RunID, rec.Sequence, rec.Role, rec.Content, rec.Timestamp, duration,
		len(rec.Warnings), string(warningsJSON), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite turn index: insert")
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn index: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.ExperimentID); v != "" {
		clauses = append(clauses, "experiment_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.RunID); v != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.Role); v != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, v)
	}
	if q.WarningsOnly {
		clauses = append(clauses, "warning_count > 0")
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT experiment_id, run_id, turn_id, sequence, role, content, timestamp, duration_ms, warning_count, warnings_json, created_at_ms
		FROM turns
		%s
		ORDER BY experiment_id ASC, run_id ASC, sequence ASC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn index: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Snapshot{}
	for rows.Next() {
		var item Snapshot
		var duration sql.NullInt64
		if err := rows.Scan(&item.ExperimentID, &item.RunID, &item.TurnID, &item.Sequence, &item.Role, &item.Content,
			&item.Timestamp, &duration, &item.WarningCount, &item.WarningsJSON, &item.CreatedAtMs); err != nil {
			return nil, err
		}
		if duration.Valid {
			d := duration.Int64
			item.DurationMs = &d
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Stats aggregates turns per run, optionally restricted to experiments whose
// id starts with experimentPrefix.
func (s *SQLiteStore) Stats(ctx context.Context, experimentPrefix string, limit int) ([]RunStats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn index: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := strings.Builder{}
	query.WriteString(`
SELECT
  experiment_id,
  run_id,
  COUNT(*) AS turns,
  SUM(CASE WHEN warning_count > 0 THEN 1 ELSE 0 END) AS warning_turns,
  SUM(warning_count) AS warning_count,
  MIN(timestamp) AS first_at,
  MAX(timestamp) AS last_at
FROM turns
`)
	args := []any{}
	if experimentPrefix != "" {
		query.WriteString("WHERE experiment_id LIKE ?\n")
		args = append(args, experimentPrefix+"%")
	}
	query.WriteString("GROUP BY experiment_id, run_id\n")
	query.WriteString("ORDER BY experiment_id ASC, first_at ASC\n")
	if limit > 0 {
		query.WriteString("LIMIT ?\n")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn index: stats query")
	}
	defer func() { _ = rows.Close() }()

	out := []RunStats{}
	for rows.Next() {
		var st RunStats
		if err := rows.Scan(&st.ExperimentID, &st.RunID, &st.Turns, &st.WarningTurns, &st.WarningCount, &st.FirstAt, &st.LastAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite turn index: stats rows")
	}
	return out, nil
}

func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite turn index: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
