// Package metastore provides a SQLite-backed implementation of
// stream.MetadataStore. The gateway's external collaborator (spec.md S1,
// S6) is a message-platform-adjacent async key-value store; this package
// stands in for it so the gateway is runnable without that dependency,
// persisting file records and per-client handle caches across restarts.
package metastore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/jroosing/streamgate/internal/apierr"
	"github.com/jroosing/streamgate/internal/rpc"
	"github.com/jroosing/streamgate/internal/stream"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding file records and per-client
// location handles. It implements stream.MetadataStore.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

var _ stream.MetadataStore = (*Store)(nil)

// Open opens or creates a SQLite database at path and brings it up to the
// current migration version.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Health checks database connectivity with a ping.
func (s *Store) Health() error {
	return s.conn.Ping()
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

// GetFile resolves dbID to a stream.StoreRecord, including whatever
// per-client handles have been cached for it. Returns apierr.ErrNotFound
// if no record exists.
func (s *Store) GetFile(ctx context.Context, dbID string) (stream.StoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec stream.StoreRecord
	var loc rpc.Location
	var fileRef []byte
	err := s.conn.QueryRowContext(ctx, `
		SELECT file_id, file_unique_id, file_name, file_size, mime_type,
		       loc_type, loc_dc_id, loc_id, loc_access_hash, loc_file_ref, loc_peer_id, loc_big
		FROM files WHERE db_id = ?
	`, dbID).Scan(
		&rec.FileID, &rec.FileUniqueID, &rec.FileName, &rec.FileSize, &rec.MimeType,
		&loc.Type, &loc.DCID, &loc.ID, &loc.AccessHash, &fileRef, &loc.PeerID, &loc.Big,
	)
	if err == sql.ErrNoRows {
		return stream.StoreRecord{}, apierr.ErrNotFound
	}
	if err != nil {
		return stream.StoreRecord{}, fmt.Errorf("metastore: get file %s: %w", dbID, err)
	}
	loc.FileReference = fileRef
	rec.Location = loc

	handles, err := s.getClientHandles(ctx, dbID)
	if err != nil {
		return stream.StoreRecord{}, fmt.Errorf("metastore: get client handles for %s: %w", dbID, err)
	}
	rec.ClientFileIDs = handles

	return rec, nil
}

func (s *Store) getClientHandles(ctx context.Context, dbID string) (map[int]rpc.Location, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT client_id, loc_type, loc_dc_id, loc_id, loc_access_hash, loc_file_ref, loc_peer_id, loc_big
		FROM file_client_handles WHERE db_id = ?
	`, dbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	handles := map[int]rpc.Location{}
	for rows.Next() {
		var clientID int
		var loc rpc.Location
		var fileRef []byte
		if err := rows.Scan(&clientID, &loc.Type, &loc.DCID, &loc.ID, &loc.AccessHash, &fileRef, &loc.PeerID, &loc.Big); err != nil {
			return nil, err
		}
		loc.FileReference = fileRef
		handles[clientID] = loc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return handles, nil
}

// UpdateFileIDs persists freshly resolved per-client handles for dbID, so
// future downloads on those clients skip the GetMessages/SendCachedMedia
// round trip.
func (s *Store) UpdateFileIDs(ctx context.Context, dbID string, handles map[int]rpc.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback()

	for clientID, loc := range handles {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_client_handles
				(db_id, client_id, loc_type, loc_dc_id, loc_id, loc_access_hash, loc_file_ref, loc_peer_id, loc_big, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(db_id, client_id) DO UPDATE SET
				loc_type = excluded.loc_type,
				loc_dc_id = excluded.loc_dc_id,
				loc_id = excluded.loc_id,
				loc_access_hash = excluded.loc_access_hash,
				loc_file_ref = excluded.loc_file_ref,
				loc_peer_id = excluded.loc_peer_id,
				loc_big = excluded.loc_big,
				updated_at = CURRENT_TIMESTAMP
		`, dbID, clientID, loc.Type, loc.DCID, loc.ID, loc.AccessHash, loc.FileReference, loc.PeerID, loc.Big)
		if err != nil {
			return fmt.Errorf("metastore: upsert handle for client %d: %w", clientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit: %w", err)
	}
	return nil
}

// PutFile inserts or replaces the canonical record for dbID. Used by the
// ingestion path (outside this package's scope) and by tests.
func (s *Store) PutFile(ctx context.Context, dbID string, rec stream.StoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO files
			(db_id, file_id, file_unique_id, file_name, file_size, mime_type,
			 loc_type, loc_dc_id, loc_id, loc_access_hash, loc_file_ref, loc_peer_id, loc_big, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(db_id) DO UPDATE SET
			file_id = excluded.file_id,
			file_unique_id = excluded.file_unique_id,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			loc_type = excluded.loc_type,
			loc_dc_id = excluded.loc_dc_id,
			loc_id = excluded.loc_id,
			loc_access_hash = excluded.loc_access_hash,
			loc_file_ref = excluded.loc_file_ref,
			loc_peer_id = excluded.loc_peer_id,
			loc_big = excluded.loc_big,
			updated_at = CURRENT_TIMESTAMP
	`, dbID, rec.FileID, rec.FileUniqueID, rec.FileName, rec.FileSize, rec.MimeType,
		rec.Location.Type, rec.Location.DCID, rec.Location.ID, rec.Location.AccessHash,
		rec.Location.FileReference, rec.Location.PeerID, rec.Location.Big)
	if err != nil {
		return fmt.Errorf("metastore: put file %s: %w", dbID, err)
	}
	return nil
}
