// Package storage persists device records and cached credential shapes in a
// local sqlite database.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/oathkey/agent"
)

const (
	envDBPath        = "OATH_AGENT_DB_PATH"
	defaultDBDirName = ".oath-agent"
	defaultDBFile    = "agent.db"
)

// Store is the sqlite-backed implementation of agent.Store. Credential
// secrets never touch this database, only the display shape needed to offer
// matches while a device is unplugged.
type Store struct {
	db *sql.DB
}

var _ agent.Store = (*Store)(nil)

// Open resolves the database path (OATH_AGENT_DB_PATH, falling back to
// ~/.oath-agent/agent.db), opens the database and applies the schema.
func Open() (*Store, error) {
	path, err := resolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return OpenPath(path)
}

// OpenPath opens the database at an explicit path and applies the schema.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite db failed")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: enable foreign keys failed")
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("credential cache database opened")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			requires_password INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL DEFAULT 0,
			firmware_version TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			serial_number INTEGER NOT NULL DEFAULT 0,
			form_factor TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
			credential_name TEXT NOT NULL,
			issuer TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			period INTEGER NOT NULL DEFAULT 30,
			algorithm INTEGER NOT NULL DEFAULT 1,
			digits INTEGER NOT NULL DEFAULT 6,
			type INTEGER NOT NULL DEFAULT 2,
			requires_touch INTEGER NOT NULL DEFAULT 0,
			UNIQUE(device_id, credential_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_device_id ON credentials(device_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: apply schema failed")
		}
	}
	return nil
}

// UpsertDevice inserts or replaces the device record.
func (s *Store) UpsertDevice(rec agent.DeviceRecord) error {
	if !agent.IsValidDeviceID(rec.DeviceID) {
		return pkgerrors.Errorf("storage: invalid device id %q", rec.DeviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	stmt := `INSERT INTO devices
		(device_id, name, requires_password, last_seen, firmware_version, model, serial_number, form_factor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name=excluded.name,
			requires_password=excluded.requires_password,
			last_seen=excluded.last_seen,
			firmware_version=excluded.firmware_version,
			model=excluded.model,
			serial_number=excluded.serial_number,
			form_factor=excluded.form_factor`
	return pkgerrors.Wrap(execWithRetry(ctx, s.db, stmt,
		rec.DeviceID, rec.Name, boolToInt(rec.RequiresPassword), rec.LastSeen.UnixMilli(),
		rec.FirmwareVersion, rec.Model, int64(rec.SerialNumber), rec.FormFactor,
	), "storage: upsert device failed")
}

// Device loads a single device record. The second return value reports
// whether the device is known.
func (s *Store) Device(deviceID string) (agent.DeviceRecord, bool, error) {
	if !agent.IsValidDeviceID(deviceID) {
		return agent.DeviceRecord{}, false, pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT device_id, name, requires_password, last_seen,
		firmware_version, model, serial_number, form_factor
		FROM devices WHERE device_id = ?`, deviceID)
	rec, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return agent.DeviceRecord{}, false, nil
	}
	if err != nil {
		return agent.DeviceRecord{}, false, pkgerrors.Wrap(err, "storage: load device failed")
	}
	return rec, true, nil
}

// Devices lists every known device ordered by device id.
func (s *Store) Devices() ([]agent.DeviceRecord, error) {
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, name, requires_password, last_seen,
		firmware_version, model, serial_number, form_factor
		FROM devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list devices failed")
	}
	defer rows.Close()

	var records []agent.DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device row failed")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate device rows failed")
	}
	return records, nil
}

// SetDeviceName updates the user-assigned display name.
func (s *Store) SetDeviceName(deviceID, name string) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	return pkgerrors.Wrap(
		execWithRetry(ctx, s.db, `UPDATE devices SET name = ? WHERE device_id = ?`, name, deviceID),
		"storage: set device name failed")
}

// SetRequiresPassword updates the requires-password flag.
func (s *Store) SetRequiresPassword(deviceID string, requires bool) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	return pkgerrors.Wrap(
		execWithRetry(ctx, s.db, `UPDATE devices SET requires_password = ? WHERE device_id = ?`,
			boolToInt(requires), deviceID),
		"storage: set requires password failed")
}

// RemoveDevice deletes the device and, via the foreign key cascade, its
// cached credentials.
func (s *Store) RemoveDevice(deviceID string) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	return pkgerrors.Wrap(
		execWithRetry(ctx, s.db, `DELETE FROM devices WHERE device_id = ?`, deviceID),
		"storage: remove device failed")
}

// SaveCredentials replaces the cached credential set for the device in a
// single transaction. The device row must exist first (UpsertDevice), the
// foreign key enforces that.
func (s *Store) SaveCredentials(deviceID string, creds []agent.Credential) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin save credentials failed")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE device_id = ?`, deviceID); err != nil {
		return pkgerrors.Wrap(err, "storage: clear old credentials failed")
	}
	insert := `INSERT INTO credentials
		(device_id, credential_name, issuer, account, period, algorithm, digits, type, requires_touch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, cred := range creds {
		if _, err := tx.ExecContext(ctx, insert,
			deviceID, cred.Name, cred.Issuer, cred.Account, cred.Period,
			int(cred.Algorithm), cred.Digits, int(cred.Type), boolToInt(cred.RequiresTouch),
		); err != nil {
			return pkgerrors.Wrapf(err, "storage: insert credential %q failed", cred.Name)
		}
	}
	return pkgerrors.Wrap(tx.Commit(), "storage: commit save credentials failed")
}

// Credentials loads the cached credential shapes for the device.
func (s *Store) Credentials(deviceID string) ([]agent.Credential, error) {
	if !agent.IsValidDeviceID(deviceID) {
		return nil, pkgerrors.Errorf("storage: invalid device id %q", deviceID)
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT credential_name, issuer, account, period,
		algorithm, digits, type, requires_touch
		FROM credentials WHERE device_id = ? ORDER BY credential_name ASC`, deviceID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list credentials failed")
	}
	defer rows.Close()

	var creds []agent.Credential
	for rows.Next() {
		var (
			cred          agent.Credential
			algorithm     int
			credType      int
			requiresTouch int
		)
		if err := rows.Scan(&cred.Name, &cred.Issuer, &cred.Account, &cred.Period,
			&algorithm, &cred.Digits, &credType, &requiresTouch); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan credential row failed")
		}
		cred.Algorithm = agent.Algorithm(algorithm)
		cred.Type = agent.CredentialType(credType)
		cred.RequiresTouch = requiresTouch != 0
		cred.DeviceID = deviceID
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate credential rows failed")
	}
	return creds, nil
}

// ClearAllCredentials wipes every cached credential, keeping the device
// records. Used when the user disables the cache.
func (s *Store) ClearAllCredentials() error {
	ctx, cancel := opCtx()
	defer cancel()
	return pkgerrors.Wrap(
		execWithRetry(ctx, s.db, `DELETE FROM credentials`),
		"storage: clear all credentials failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (agent.DeviceRecord, error) {
	var (
		rec              agent.DeviceRecord
		requiresPassword int
		lastSeen         int64
		serial           int64
	)
	if err := row.Scan(&rec.DeviceID, &rec.Name, &requiresPassword, &lastSeen,
		&rec.FirmwareVersion, &rec.Model, &serial, &rec.FormFactor); err != nil {
		return agent.DeviceRecord{}, err
	}
	rec.RequiresPassword = requiresPassword != 0
	rec.LastSeen = time.UnixMilli(lastSeen)
	rec.SerialNumber = uint32(serial)
	return rec, nil
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFile), nil
}

func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return pkgerrors.Wrap(os.MkdirAll(dir, 0o755), "storage: create db directory failed")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
