// Package storage is the SQLite record store for profiles, frames,
// references, and debug-image metadata.
//
// SQLite stores metadata only; the actual images live on the filesystem
// under the data directory. The database runs in WAL mode so capture and
// API threads can read concurrently with detection-loop writes.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// ProfileRecord is one row of the profiles table.
type ProfileRecord struct {
	ID                 int64
	Name               string
	CreatedAt          string
	IconPath           string
	CameraDevice       string
	TargetFPS          int
	DetectionThreshold float64
	SelectedReference  string
}

// DebugEntry is one row of the debug_entries table.
type DebugEntry struct {
	ID            int64
	ProfileID     sql.NullInt64
	ReferenceName string
	Path          string
	SizeBytes     int64
	CreatedAt     string
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			created_at TEXT NOT NULL,
			icon_path TEXT DEFAULT '',
			camera_device TEXT DEFAULT '',
			target_fps INTEGER DEFAULT 0,
			detection_threshold REAL DEFAULT 0,
			selected_reference TEXT DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS reference_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id INTEGER NOT NULL,
			frame_name TEXT,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS debug_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id INTEGER,
			reference_name TEXT,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE SET NULL
		);
		CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ListProfiles returns profile names ordered case-insensitively.
func (s *Store) ListProfiles() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM profiles ORDER BY LOWER(name)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetProfile returns a profile record, or nil when absent.
func (s *Store) GetProfile(name string) (*ProfileRecord, error) {
	row := s.db.QueryRow(
		"SELECT id, name, created_at, icon_path, camera_device, target_fps, detection_threshold, selected_reference"+
			" FROM profiles WHERE name = ?", name)

	var p ProfileRecord
	err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.IconPath, &p.CameraDevice, &p.TargetFPS, &p.DetectionThreshold, &p.SelectedReference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProfile inserts a profile record.
func (s *Store) CreateProfile(name string) error {
	_, err := s.db.Exec("INSERT INTO profiles (name, created_at) VALUES (?, ?)", name, now())
	return err
}

// DeleteProfile removes a profile record and, via cascade, its frame and
// reference metadata.
func (s *Store) DeleteProfile(name string) error {
	_, err := s.db.Exec("DELETE FROM profiles WHERE name = ?", name)
	return err
}

// ProfileUpdate describes the mutable profile fields. Nil means unchanged.
type ProfileUpdate struct {
	IconPath           *string
	CameraDevice       *string
	TargetFPS          *int
	DetectionThreshold *float64
	SelectedReference  *string
}

// UpdateProfileFields updates the given fields on a profile record.
func (s *Store) UpdateProfileFields(name string, u ProfileUpdate) error {
	var sets []string
	var values []any
	if u.IconPath != nil {
		sets = append(sets, "icon_path = ?")
		values = append(values, *u.IconPath)
	}
	if u.CameraDevice != nil {
		sets = append(sets, "camera_device = ?")
		values = append(values, *u.CameraDevice)
	}
	if u.TargetFPS != nil {
		sets = append(sets, "target_fps = ?")
		values = append(values, *u.TargetFPS)
	}
	if u.DetectionThreshold != nil {
		sets = append(sets, "detection_threshold = ?")
		values = append(values, *u.DetectionThreshold)
	}
	if u.SelectedReference != nil {
		sets = append(sets, "selected_reference = ?")
		values = append(values, *u.SelectedReference)
	}
	if len(sets) == 0 {
		return nil
	}
	values = append(values, name)
	_, err := s.db.Exec(
		fmt.Sprintf("UPDATE profiles SET %s WHERE name = ?", strings.Join(sets, ", ")), values...)
	return err
}

// profileID resolves a profile name to its row id, erroring when the
// profile does not exist so inserts are never silently dropped.
func (s *Store) profileID(name string) (int64, error) {
	profile, err := s.GetProfile(name)
	if err != nil {
		return 0, err
	}
	if profile == nil {
		return 0, fmt.Errorf("profile %q not found", name)
	}
	return profile.ID, nil
}

// AddFrame inserts frame metadata for a profile.
func (s *Store) AddFrame(profileName, name, path string) error {
	id, err := s.profileID(profileName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO frames (profile_id, name, path, created_at) VALUES (?, ?, ?, ?)",
		id, name, path, now())
	return err
}

// ListFrames lists frame names for a profile.
func (s *Store) ListFrames(profileName string) ([]string, error) {
	return s.listNamesFor(profileName, "frames")
}

// AddReference inserts reference metadata for a profile.
func (s *Store) AddReference(profileName, name, path, frameName string) error {
	id, err := s.profileID(profileName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO reference_entries (profile_id, frame_name, name, path, created_at) VALUES (?, ?, ?, ?, ?)",
		id, frameName, name, path, now())
	return err
}

// ListReferences lists reference names for a profile.
func (s *Store) ListReferences(profileName string) ([]string, error) {
	return s.listNamesFor(profileName, "reference_entries")
}

// DeleteReference removes a reference metadata row.
func (s *Store) DeleteReference(profileName, name string) error {
	profile, err := s.GetProfile(profileName)
	if err != nil || profile == nil {
		return err
	}
	_, err = s.db.Exec(
		"DELETE FROM reference_entries WHERE profile_id = ? AND name = ?", profile.ID, name)
	return err
}

func (s *Store) listNamesFor(profileName, table string) ([]string, error) {
	profile, err := s.GetProfile(profileName)
	if err != nil || profile == nil {
		return nil, err
	}
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT name FROM %s WHERE profile_id = ? ORDER BY LOWER(name)", table), profile.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddDebugEntry inserts debug-image metadata. profileName may be empty when
// the owning profile was deleted mid-run.
func (s *Store) AddDebugEntry(profileName, referenceName, path string, sizeBytes int64) error {
	var profileID any
	if profileName != "" {
		profile, err := s.GetProfile(profileName)
		if err != nil {
			return err
		}
		if profile != nil {
			profileID = profile.ID
		}
	}
	_, err := s.db.Exec(
		"INSERT INTO debug_entries (profile_id, reference_name, path, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)",
		profileID, referenceName, path, sizeBytes, now())
	return err
}

// ListDebugEntries lists debug entries newest first, optionally filtered
// by profile.
func (s *Store) ListDebugEntries(profileName string) ([]DebugEntry, error) {
	var rows *sql.Rows
	var err error
	if profileName != "" {
		profile, perr := s.GetProfile(profileName)
		if perr != nil || profile == nil {
			return nil, perr
		}
		rows, err = s.db.Query(
			"SELECT id, profile_id, reference_name, path, size_bytes, created_at"+
				" FROM debug_entries WHERE profile_id = ? ORDER BY created_at DESC", profile.ID)
	} else {
		rows, err = s.db.Query(
			"SELECT id, profile_id, reference_name, path, size_bytes, created_at" +
				" FROM debug_entries ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DebugEntry
	for rows.Next() {
		var e DebugEntry
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.ProfileID, &ref, &e.Path, &e.SizeBytes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ReferenceName = ref.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneDebugEntries evicts oldest entries until total bytes and count are
// within bounds. Returns the file paths of evicted entries so the caller
// can remove the images.
func (s *Store) PruneDebugEntries(maxBytes int64, maxCount int) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT id, path, size_bytes FROM debug_entries ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, err
	}

	type entry struct {
		id   int64
		path string
		size int64
	}
	var entries []entry
	var totalBytes int64
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.path, &e.size); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
		totalBytes += e.size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var removed []string
	for len(entries) > 0 && (totalBytes > maxBytes || len(entries) > maxCount) {
		victim := entries[0]
		entries = entries[1:]
		totalBytes -= victim.size
		if _, err := s.db.Exec("DELETE FROM debug_entries WHERE id = ?", victim.id); err != nil {
			return removed, err
		}
		removed = append(removed, victim.path)
	}
	return removed, nil
}

// SetAppState persists one app state value; empty value deletes the key.
func (s *Store) SetAppState(key, value string) error {
	if value == "" {
		_, err := s.db.Exec("DELETE FROM app_state WHERE key = ?", key)
		return err
	}
	_, err := s.db.Exec(
		"INSERT INTO app_state (key, value) VALUES (?, ?)"+
			" ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	return err
}

// GetAppState returns a stored app state value, ok=false when absent.
func (s *Store) GetAppState(key string) (string, bool, error) {
	row := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
