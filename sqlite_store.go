package fairdraw

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kydenul/fairdraw/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const migrationTable = "schema_migrations"

// SQLiteRecordStore is an append-only RecordStore on SQLite. Triggers
// reject UPDATE and DELETE, and (client_seed, nonce) is unique.
type SQLiteRecordStore struct {
	sqlDB  *sql.DB
	logger Logger
}

// OpenSQLiteRecordStore opens the ledger at path and applies embedded migrations
func OpenSQLiteRecordStore(path string, logger Logger) (*SQLiteRecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrConfigInvalid.WithDetails("sqlite ledger path is required")
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ErrStorageFailure.WithOperation("open_ledger").WithCause(err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, ErrStorageFailure.WithOperation("ping_ledger").WithCause(err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, ErrStorageFailure.WithOperation("migrate_ledger").WithCause(err)
	}

	logger.Info("SQLite ledger opened path=%s", cleanPath)
	return &SQLiteRecordStore{sqlDB: sqlDB, logger: logger}, nil
}

// Close closes the SQLite handle
func (s *SQLiteRecordStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendRecord inserts one record; a second insert for the same game returns ErrRecordExists
func (s *SQLiteRecordStore) AppendRecord(ctx context.Context, record *GameRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prizesJSON, err := json.Marshal(record.Prizes)
	if err != nil {
		return ErrSystemError.WithOperation("append_record").WithCause(err)
	}
	provenanceJSON, err := json.Marshal(record.Provenance)
	if err != nil {
		return ErrSystemError.WithOperation("append_record").WithCause(err)
	}
	seedProvenanceJSON, err := json.Marshal(record.SeedProvenance)
	if err != nil {
		return ErrSystemError.WithOperation("append_record").WithCause(err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO game_records (
		   game_id,
		   server_seed,
		   server_seed_hash,
		   client_seed,
		   nonce,
		   drawn_value,
		   combined_digest,
		   outcome_index,
		   prizes_json,
		   provenance_json,
		   seed_provenance_json,
		   committed_at,
		   resolved_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.GameID,
		record.ServerSeed,
		record.ServerSeedHash,
		record.ClientSeed,
		record.Nonce,
		record.DrawnValue,
		record.CombinedDigest,
		record.OutcomeIndex,
		string(prizesJSON),
		string(provenanceJSON),
		string(seedProvenanceJSON),
		record.CommittedAt.UTC().UnixNano(),
		record.ResolvedAt.UTC().UnixNano(),
	)
	if err != nil {
		switch constraintViolation(err) {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ErrRecordExists.WithGameID(record.GameID)
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return ErrDuplicateSession.WithGameID(record.GameID).
				WithDetails(fmt.Sprintf("client seed %q nonce %d already recorded", record.ClientSeed, record.Nonce))
		}
		s.logger.Error("SQLite append failed game_id=%s: %v", record.GameID, err)
		return ErrStorageFailure.WithOperation("append_record").WithGameID(record.GameID).WithCause(err)
	}

	return nil
}

// LastNonce returns the highest recorded nonce of clientSeed
func (s *SQLiteRecordStore) LastNonce(ctx context.Context, clientSeed string) (int64, bool, error) {
	var last sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(nonce) FROM game_records WHERE client_seed = ?`, clientSeed).Scan(&last)
	if err != nil {
		return 0, false, ErrStorageFailure.WithOperation("last_nonce").WithCause(err)
	}
	return last.Int64, last.Valid, nil
}

// GetRecord returns one record by game ID
func (s *SQLiteRecordStore) GetRecord(ctx context.Context, gameID string) (*GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT
		   game_id,
		   server_seed,
		   server_seed_hash,
		   client_seed,
		   nonce,
		   drawn_value,
		   combined_digest,
		   outcome_index,
		   prizes_json,
		   provenance_json,
		   seed_provenance_json,
		   committed_at,
		   resolved_at
		 FROM game_records
		 WHERE game_id = ?`,
		gameID,
	)

	var (
		record             GameRecord
		prizesJSON         string
		provenanceJSON     string
		seedProvenanceJSON string
		committedAt        int64
		resolvedAt         int64
	)
	err := row.Scan(
		&record.GameID,
		&record.ServerSeed,
		&record.ServerSeedHash,
		&record.ClientSeed,
		&record.Nonce,
		&record.DrawnValue,
		&record.CombinedDigest,
		&record.OutcomeIndex,
		&prizesJSON,
		&provenanceJSON,
		&seedProvenanceJSON,
		&committedAt,
		&resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound.WithGameID(gameID)
	}
	if err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).WithCause(err)
	}

	if err := json.Unmarshal([]byte(prizesJSON), &record.Prizes); err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).WithCause(err)
	}
	if err := json.Unmarshal([]byte(provenanceJSON), &record.Provenance); err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).WithCause(err)
	}
	if err := json.Unmarshal([]byte(seedProvenanceJSON), &record.SeedProvenance); err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).WithCause(err)
	}
	record.CommittedAt = time.Unix(0, committedAt).UTC()
	record.ResolvedAt = time.Unix(0, resolvedAt).UTC()

	return &record, nil
}

// constraintViolation returns the extended constraint code of err, or 0
func constraintViolation(err error) int {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return sqliteErr.Code()
		}
	}
	return 0
}

// applyMigrations executes embedded migrations at most once per file
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, migrationTable)
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		var applied int
		if err := sqlDB.QueryRow(
			fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE name = ?", migrationTable), file,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (name, applied_at) VALUES (?, ?)", migrationTable),
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
