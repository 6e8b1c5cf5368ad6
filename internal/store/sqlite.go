package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/dbx"
)

// SQLiteStore implements Local using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteStore struct {
	db dbx.DBTX
}

var _ Local = (*SQLiteStore)(nil)

// InitSchema creates the local-store tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS asset_secrets (
  global_id TEXT PRIMARY KEY,
  secret    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_cache (
  global_id TEXT NOT NULL,
  quality   TEXT NOT NULL,
  data      BLOB NOT NULL,
  PRIMARY KEY (global_id, quality)
);

CREATE TABLE IF NOT EXISTS encrypted_versions (
  global_id  TEXT NOT NULL,
  quality    TEXT NOT NULL,
  ciphertext BLOB NOT NULL,
  nonce      BLOB NOT NULL,
  PRIMARY KEY (global_id, quality)
);

CREATE TABLE IF NOT EXISTS sealed_secrets (
  global_id    TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  sealed       BLOB NOT NULL,
  PRIMARY KEY (global_id, recipient_id)
);

CREATE TABLE IF NOT EXISTS descriptors (
  global_id TEXT PRIMARY KEY,
  payload   BLOB NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("failed to create local store schema: %w", err)
	}
	return nil
}

// NewSQLiteStore returns a SQLiteStore bound to the given DBTX.
func NewSQLiteStore(db dbx.DBTX) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetSecret(ctx context.Context, globalID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT secret FROM asset_secrets WHERE global_id = ?`, globalID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrSecretNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return secret, nil
}

func (s *SQLiteStore) SaveSecret(ctx context.Context, globalID string, secret []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO asset_secrets (global_id, secret) VALUES (?, ?)
ON CONFLICT(global_id) DO UPDATE SET secret = excluded.secret`, globalID, secret)
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CacheVersion(ctx context.Context, globalID string, q asset.Quality, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO asset_cache (global_id, quality, data) VALUES (?, ?, ?)
ON CONFLICT(global_id, quality) DO UPDATE SET data = excluded.data`, globalID, string(q), data)
	if err != nil {
		return fmt.Errorf("failed to cache version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CachedVersion(ctx context.Context, globalID string, q asset.Quality) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM asset_cache WHERE global_id = ? AND quality = ?`, globalID, string(q))
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) DropCache(ctx context.Context, globalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM asset_cache WHERE global_id = ?`, globalID); err != nil {
		return fmt.Errorf("failed to drop cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveEncryptedVersion(ctx context.Context, globalID string, q asset.Quality, ciphertext, nonce []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO encrypted_versions (global_id, quality, ciphertext, nonce) VALUES (?, ?, ?, ?)
ON CONFLICT(global_id, quality) DO UPDATE SET ciphertext = excluded.ciphertext, nonce = excluded.nonce`,
		globalID, string(q), ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("failed to save encrypted version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EncryptedVersion(ctx context.Context, globalID string, q asset.Quality) ([]byte, []byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce FROM encrypted_versions WHERE global_id = ? AND quality = ?`,
		globalID, string(q))
	var ciphertext, nonce []byte
	if err := row.Scan(&ciphertext, &nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, common.ErrNotFound
		}
		return nil, nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return ciphertext, nonce, nil
}

func (s *SQLiteStore) SaveSealedSecret(ctx context.Context, globalID, recipientID string, sealed []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sealed_secrets (global_id, recipient_id, sealed) VALUES (?, ?, ?)
ON CONFLICT(global_id, recipient_id) DO UPDATE SET sealed = excluded.sealed`,
		globalID, recipientID, sealed)
	if err != nil {
		return fmt.Errorf("failed to save sealed secret: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SealedSecret(ctx context.Context, globalID, recipientID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM sealed_secrets WHERE global_id = ? AND recipient_id = ?`,
		globalID, recipientID)
	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return sealed, nil
}

func (s *SQLiteStore) SaveDescriptor(ctx context.Context, d *asset.Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO descriptors (global_id, payload) VALUES (?, ?)
ON CONFLICT(global_id) DO UPDATE SET payload = excluded.payload`, d.GlobalID, payload)
	if err != nil {
		return fmt.Errorf("failed to save descriptor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Descriptor(ctx context.Context, globalID string) (*asset.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM descriptors WHERE global_id = ?`, globalID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	var d asset.Descriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("failed to deserialize descriptor: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) Descriptors(ctx context.Context) ([]*asset.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM descriptors`)
	if err != nil {
		return nil, fmt.Errorf("failed to select descriptors: %w", err)
	}
	defer rows.Close()

	var result []*asset.Descriptor
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d asset.Descriptor
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("failed to deserialize descriptor: %w", err)
		}
		result = append(result, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
