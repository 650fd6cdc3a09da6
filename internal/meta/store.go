// Package meta wraps the SQLite metadata database: the committed-asset
// index used for listings and expiry sweeps, and the identity registry
// mapping opaque identity ids to their public keys. Chunk layout and keys
// live in the bundle manifest, never here.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kk-code-lab/sealstream/internal/asset"
)

// ErrUnknownIdentity reports an identity id with no registered public key.
var ErrUnknownIdentity = errors.New("meta: unknown identity")

// Store wraps the SQLite metadata database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the metadata database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("meta: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			asset_id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			filename TEXT NOT NULL,
			mimetype TEXT NOT NULL,
			total_size INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			created_at_utc TEXT NOT NULL,
			expires_at_utc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS assets_sender_idx ON assets(sender)`,
		`CREATE INDEX IF NOT EXISTS assets_recipient_idx ON assets(recipient)`,
		`CREATE INDEX IF NOT EXISTS assets_expires_idx ON assets(expires_at_utc)`,
		`CREATE TABLE IF NOT EXISTS identities (
			identity_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			label TEXT,
			created_at_utc TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordAsset inserts the committed asset's metadata projection.
func (s *Store) RecordAsset(ctx context.Context, a *asset.Asset) error {
	if a == nil || a.ID == "" {
		return errors.New("meta: asset id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assets(asset_id, sender, recipient, filename, mimetype, total_size, chunk_size, chunk_count, created_at_utc, expires_at_utc)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(asset_id) DO NOTHING`,
		a.ID, a.Sender, a.Recipient, a.Filename, a.MimeType, a.TotalSize, a.ChunkSize, a.ChunkCount,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), a.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetAsset returns one asset's metadata.
func (s *Store) GetAsset(ctx context.Context, assetID string) (*asset.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT asset_id, sender, recipient, filename, mimetype, total_size, chunk_size, chunk_count, created_at_utc, expires_at_utc
FROM assets WHERE asset_id=?`, assetID)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, asset.ErrNotFound
	}
	return a, err
}

// ListFor returns assets visible to an identity, as sender or recipient,
// newest first. This is a read-only projection; no decryption is involved.
func (s *Store) ListFor(ctx context.Context, identity string) ([]asset.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT asset_id, sender, recipient, filename, mimetype, total_size, chunk_size, chunk_count, created_at_utc, expires_at_utc
FROM assets
WHERE sender=? OR recipient=?
ORDER BY created_at_utc DESC`, identity, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []asset.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAsset removes the metadata row. Idempotent.
func (s *Store) DeleteAsset(ctx context.Context, assetID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM assets WHERE asset_id=?", assetID)
	return err
}

// ListAssetIDs returns every recorded asset id.
func (s *Store) ListAssetIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT asset_id FROM assets ORDER BY asset_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListExpired returns ids of assets whose expiry is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT asset_id FROM assets WHERE expires_at_utc <= ? ORDER BY expires_at_utc`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Identity is one registry entry.
type Identity struct {
	ID        string
	PublicKey string
	Label     string
	CreatedAt string
}

// PutIdentity registers or replaces an identity's public key.
func (s *Store) PutIdentity(ctx context.Context, identityID, publicKey, label string) error {
	if identityID == "" || publicKey == "" {
		return errors.New("meta: identity id and public key required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities(identity_id, public_key, label, created_at_utc)
VALUES(?, ?, ?, ?)
ON CONFLICT(identity_id) DO UPDATE SET
	public_key=excluded.public_key,
	label=excluded.label`,
		identityID, publicKey, label, now)
	return err
}

// IdentityKey returns the registered public key for an identity id.
func (s *Store) IdentityKey(ctx context.Context, identityID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, "SELECT public_key FROM identities WHERE identity_id=?", identityID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownIdentity
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// ListIdentities returns all registry entries ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT identity_id, public_key, COALESCE(label, ''), created_at_utc
FROM identities ORDER BY identity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ID, &id.PublicKey, &id.Label, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*asset.Asset, error) {
	var a asset.Asset
	var createdAt, expiresAt string
	if err := row.Scan(&a.ID, &a.Sender, &a.Recipient, &a.Filename, &a.MimeType,
		&a.TotalSize, &a.ChunkSize, &a.ChunkCount, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, err
	}
	return &a, nil
}
