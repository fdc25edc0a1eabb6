package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/snapperm"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Compile-time interface guards.
var (
	_ cronjob.Store       = (*Store)(nil)
	_ snapperm.StateStore = (*Store)(nil)
)

// Store keeps cronjob last runs and snap state in one SQLite database.
type Store struct {
	db    *sql.DB
	codec *codec

	closeOnce sync.Once
	closeErr  error
}

// Options tune Open.
type Options struct {
	WAL         bool
	BusyTimeout time.Duration
	// Identity, when set, encrypts snap state at rest.
	Identity *age.X25519Identity
}

// Open opens or creates the database at path and migrates it. SQLite
// serialises writes, so the pool holds a single connection.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if opts.WAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}
	busy := opts.BusyTimeout
	if busy == 0 {
		busy = defaultBusyTimeout
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec(opts.Identity)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, codec: c}, nil
}

// Close closes the database. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.codec.close()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LastRun implements cronjob.Store.
func (s *Store) LastRun(ctx context.Context, jobID string) (int64, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT last_run FROM cronjob_runs WHERE job_id = ?", jobID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: read last run of %s: %w", jobID, err)
	}
	return ms, true, nil
}

// SetLastRun implements cronjob.Store.
func (s *Store) SetLastRun(ctx context.Context, jobID string, ms int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cronjob_runs (job_id, last_run) VALUES (?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET last_run = excluded.last_run,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		jobID, ms)
	if err != nil {
		return fmt.Errorf("sqlite: record last run of %s: %w", jobID, err)
	}
	return nil
}

// DeleteLastRun implements cronjob.Store.
func (s *Store) DeleteLastRun(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cronjob_runs WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("sqlite: delete last run of %s: %w", jobID, err)
	}
	return nil
}

// GetSnapState implements snapperm.StateStore. A snap without state gets
// nil. A blob that cannot be decrypted or decompressed is reported as an
// internal error rather than read as empty.
func (s *Store) GetSnapState(ctx context.Context, snapID string) (json.RawMessage, error) {
	var (
		blob      []byte
		encrypted bool
	)
	err := s.db.QueryRowContext(ctx, "SELECT state, encrypted FROM snap_state WHERE snap_id = ?", snapID).Scan(&blob, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read state of %s: %w", snapID, err)
	}
	plaintext, err := s.codec.open(blob, encrypted)
	if err != nil {
		return nil, rpc.Internal("state of %s is unreadable: %v", snapID, err)
	}
	return json.RawMessage(plaintext), nil
}

// UpdateSnapState implements snapperm.StateStore.
func (s *Store) UpdateSnapState(ctx context.Context, snapID string, state json.RawMessage) error {
	blob, encrypted, err := s.codec.seal(state)
	if err != nil {
		return fmt.Errorf("sqlite: sealing state of %s: %w", snapID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snap_state (snap_id, state, encrypted) VALUES (?, ?, ?)
		 ON CONFLICT(snap_id) DO UPDATE SET state = excluded.state, encrypted = excluded.encrypted,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		snapID, blob, encrypted)
	if err != nil {
		return fmt.Errorf("sqlite: write state of %s: %w", snapID, err)
	}
	return nil
}

// ClearSnapState implements snapperm.StateStore.
func (s *Store) ClearSnapState(ctx context.Context, snapID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snap_state WHERE snap_id = ?", snapID); err != nil {
		return fmt.Errorf("sqlite: clear state of %s: %w", snapID, err)
	}
	return nil
}

// Prune deletes the state and last runs of snaps not in installed, and
// returns how many rows went. Rows are left behind when the host stops
// between removing a snap and clearing its data.
func (s *Store) Prune(ctx context.Context, installed []string) (int64, error) {
	var stale []string
	snapIDs, err := s.column(ctx, "SELECT snap_id FROM snap_state")
	if err != nil {
		return 0, err
	}
	for _, id := range snapIDs {
		if !slices.Contains(installed, id) {
			stale = append(stale, id)
		}
	}

	var staleJobs []string
	jobIDs, err := s.column(ctx, "SELECT job_id FROM cronjob_runs")
	if err != nil {
		return 0, err
	}
	for _, id := range jobIDs {
		if !slices.Contains(installed, snapOfJob(id)) {
			staleJobs = append(staleJobs, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, id := range stale {
		res, err := tx.ExecContext(ctx, "DELETE FROM snap_state WHERE snap_id = ?", id)
		if err != nil {
			return 0, fmt.Errorf("sqlite: prune state of %s: %w", id, err)
		}
		k, _ := res.RowsAffected()
		n += k
	}
	for _, id := range staleJobs {
		res, err := tx.ExecContext(ctx, "DELETE FROM cronjob_runs WHERE job_id = ?", id)
		if err != nil {
			return 0, fmt.Errorf("sqlite: prune last run of %s: %w", id, err)
		}
		k, _ := res.RowsAffected()
		n += k
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit prune: %w", err)
	}
	return n, nil
}

func (s *Store) column(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// snapOfJob strips the "-<index>" suffix of a cronjob ID.
func snapOfJob(jobID string) string {
	if i := strings.LastIndexByte(jobID, '-'); i > 0 {
		return jobID[:i]
	}
	return jobID
}
