// Package storage provides SQLite persistence for the clawbox vault.
//
// The store keeps three tables: vault_meta (small key-value records such as
// the salt and the password-verification token), secrets (encrypted blobs
// plus searchable metadata), and audit_log (hash-chained audit rows). Secret
// values and the verification token are opaque bytes to this package; all
// encryption happens above it.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// FileMode is applied to the database file after creation.
const FileMode = 0600

// ErrClosed indicates an operation on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// SecretRecord holds a secret row's metadata. The encrypted value travels
// separately as an opaque blob.
type SecretRecord struct {
	ID           string
	Path         string
	AccessLevel  int
	Tags         []string
	Note         string
	TTLExpiresAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    string
}

// AuditRow is the persisted form of one audit entry. Actor and Source are
// JSON documents owned by the audit package; this layer never interprets
// them beyond substring filtering.
type AuditRow struct {
	ID           string
	Timestamp    int64
	Actor        string
	Action       string
	KeyPath      string
	Success      bool
	ErrorMessage string
	Source       string
	Hash         string
	PrevHash     string
}

// AuditQuery filters audit rows. Zero values mean "no filter".
type AuditQuery struct {
	KeyPath   string // substring match on key_path
	Since     time.Time
	Until     time.Time
	ActorType string // matches the "type" field of the actor JSON
	Action    string
	Limit     int
}

// Store is a SQLite-backed secret store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// A single connection is used; concurrent access within the process is
// serialized by the vault, and cross-process exclusion relies on SQLite's
// own locking.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to create tables: %w", err)
	}

	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS secrets (
			id TEXT PRIMARY KEY,
			path TEXT UNIQUE NOT NULL,
			encrypted_value BLOB NOT NULL,
			access_level INTEGER NOT NULL DEFAULT 1,
			tags TEXT,
			note TEXT,
			ttl_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			created_by TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_secrets_path ON secrets(path);
		CREATE INDEX IF NOT EXISTS idx_secrets_ttl ON secrets(ttl_expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			key_path TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT,
			source TEXT NOT NULL,
			hash TEXT NOT NULL,
			prev_hash TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_key_path ON audit_log(key_path);
	`)
	return err
}

// GetMeta returns the metadata value for key, or nil if absent.
func (s *Store) GetMeta(key string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var value []byte
	err := s.db.QueryRow("SELECT value FROM vault_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta inserts or replaces a metadata value.
func (s *Store) SetMeta(key string, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO vault_meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("storage: failed to write meta %q: %w", key, err)
	}
	return nil
}

// Get returns the encrypted blob stored at path, or nil if no secret exists.
func (s *Store) Get(path string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var blob []byte
	err := s.db.QueryRow("SELECT encrypted_value FROM secrets WHERE path = ?", path).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read secret: %w", err)
	}
	return blob, nil
}

// Upsert inserts or replaces the secret at rec.Path. On conflict the
// existing row keeps its id, created_at and created_by; value, access level,
// tags, note, ttl and updated_at are replaced.
func (s *Store) Upsert(blob []byte, rec *SecretRecord) error {
	if s.db == nil {
		return ErrClosed
	}

	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal tags: %w", err)
	}

	var note sql.NullString
	if rec.Note != "" {
		note = sql.NullString{String: rec.Note, Valid: true}
	}
	var ttl sql.NullInt64
	if rec.TTLExpiresAt != nil {
		ttl = sql.NullInt64{Int64: rec.TTLExpiresAt.Unix(), Valid: true}
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO secrets (id, path, encrypted_value, access_level, tags, note, ttl_expires_at, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			access_level = excluded.access_level,
			tags = excluded.tags,
			note = excluded.note,
			ttl_expires_at = excluded.ttl_expires_at,
			updated_at = excluded.updated_at
	`, uuid.NewString(), rec.Path, blob, rec.AccessLevel, string(tagsJSON), note, ttl, now, now, rec.CreatedBy)
	if err != nil {
		return fmt.Errorf("storage: failed to save secret: %w", err)
	}
	return nil
}

// UpdateValue replaces only the encrypted blob at path, leaving metadata
// and timestamps untouched. Used by key rotation.
func (s *Store) UpdateValue(path string, blob []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec("UPDATE secrets SET encrypted_value = ? WHERE path = ?", blob, path)
	if err != nil {
		return fmt.Errorf("storage: failed to update secret value: %w", err)
	}
	return nil
}

// Delete removes the secret at path and reports whether a row existed.
func (s *Store) Delete(path string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	result, err := s.db.Exec("DELETE FROM secrets WHERE path = ?", path)
	if err != nil {
		return false, fmt.Errorf("storage: failed to delete secret: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns metadata for all secrets whose path matches pattern, ordered
// by path. A `*` in the pattern matches any run of characters; an empty
// pattern matches everything. Encrypted values are never returned.
func (s *Store) List(pattern string) ([]SecretRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	const cols = "id, path, access_level, tags, note, ttl_expires_at, created_at, updated_at, created_by"
	var rows *sql.Rows
	var err error
	if pattern == "" {
		rows, err = s.db.Query("SELECT " + cols + " FROM secrets ORDER BY path")
	} else {
		like := strings.ReplaceAll(likeEscape(pattern), "*", "%")
		rows, err = s.db.Query("SELECT "+cols+" FROM secrets WHERE path LIKE ? ESCAPE '\\' ORDER BY path", like)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query secrets: %w", err)
	}
	defer rows.Close()

	var records []SecretRecord
	for rows.Next() {
		rec, err := scanSecretRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating rows: %w", err)
	}
	return records, nil
}

// likeEscape escapes LIKE metacharacters so a literal `_` or `%` in a path
// matches only itself. `\` is the escape character in the queries above.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func scanSecretRecord(rows *sql.Rows) (*SecretRecord, error) {
	var rec SecretRecord
	var tagsJSON sql.NullString
	var note sql.NullString
	var ttl sql.NullInt64
	var createdAt, updatedAt int64

	if err := rows.Scan(&rec.ID, &rec.Path, &rec.AccessLevel, &tagsJSON, &note,
		&ttl, &createdAt, &updatedAt, &rec.CreatedBy); err != nil {
		return nil, fmt.Errorf("storage: failed to scan row: %w", err)
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		// Malformed tag JSON degrades to no tags rather than failing the list.
		_ = json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}
	if note.Valid {
		rec.Note = note.String
	}
	if ttl.Valid {
		t := time.Unix(ttl.Int64, 0).UTC()
		rec.TTLExpiresAt = &t
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// LastAuditHash returns the hash of the most recently inserted audit row,
// or "" if the log is empty.
func (s *Store) LastAuditHash() (string, error) {
	if s.db == nil {
		return "", ErrClosed
	}
	var hash string
	err := s.db.QueryRow("SELECT hash FROM audit_log ORDER BY rowid DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: failed to read last audit hash: %w", err)
	}
	return hash, nil
}

// InsertAudit persists one audit row. The row is written in a single
// statement so a failure never leaves a partial entry behind.
func (s *Store) InsertAudit(row *AuditRow) error {
	if s.db == nil {
		return ErrClosed
	}

	var errMsg sql.NullString
	if row.ErrorMessage != "" {
		errMsg = sql.NullString{String: row.ErrorMessage, Valid: true}
	}
	var prev sql.NullString
	if row.PrevHash != "" {
		prev = sql.NullString{String: row.PrevHash, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, timestamp, actor, action, key_path, success, error_message, source, hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.Timestamp, row.Actor, row.Action, row.KeyPath, row.Success, errMsg, row.Source, row.Hash, prev)
	if err != nil {
		return fmt.Errorf("storage: failed to insert audit row: %w", err)
	}
	return nil
}

// QueryAudit returns audit rows matching q, most recent first.
func (s *Store) QueryAudit(q AuditQuery) ([]AuditRow, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	sb := strings.Builder{}
	sb.WriteString("SELECT id, timestamp, actor, action, key_path, success, error_message, source, hash, prev_hash FROM audit_log WHERE 1=1")
	var args []any

	if q.KeyPath != "" {
		sb.WriteString(" AND key_path LIKE ? ESCAPE '\\'")
		args = append(args, "%"+likeEscape(q.KeyPath)+"%")
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, q.Until.Unix())
	}
	if q.ActorType != "" {
		// Actor is a JSON document; match its type field and let the caller
		// double-check after unmarshaling.
		sb.WriteString(" AND actor LIKE ?")
		args = append(args, `%"type":"`+q.ActorType+`"%`)
	}
	if q.Action != "" {
		sb.WriteString(" AND action = ?")
		args = append(args, q.Action)
	}
	sb.WriteString(" ORDER BY rowid DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	return s.queryAuditRows(sb.String(), args...)
}

// AuditRowsAsc returns every audit row in insertion order, oldest first.
// Used by chain verification.
func (s *Store) AuditRowsAsc() ([]AuditRow, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.queryAuditRows("SELECT id, timestamp, actor, action, key_path, success, error_message, source, hash, prev_hash FROM audit_log ORDER BY rowid ASC")
}

func (s *Store) queryAuditRows(query string, args ...any) ([]AuditRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var errMsg, prev sql.NullString
		if err := rows.Scan(&row.ID, &row.Timestamp, &row.Actor, &row.Action,
			&row.KeyPath, &row.Success, &errMsg, &row.Source, &row.Hash, &prev); err != nil {
			return nil, fmt.Errorf("storage: failed to scan audit row: %w", err)
		}
		if errMsg.Valid {
			row.ErrorMessage = errMsg.String
		}
		if prev.Valid {
			row.PrevHash = prev.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating audit rows: %w", err)
	}
	return out, nil
}

// TamperAuditSuccess flips the success flag of the audit row with the given
// id, bypassing the ledger. Test hook for chain verification; not used by
// production code paths.
func (s *Store) TamperAuditSuccess(id string, success bool) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec("UPDATE audit_log SET success = ? WHERE id = ?", success, id)
	return err
}
