// Package store provides the durable room and playlist state backed by an
// embedded SQLite database. In-memory playback state in the communication
// package is seeded from here and written back on user-visible transitions.
//
// Migration design follows the ordered-statements idiom: each entry of the
// migrations slice is applied exactly once, tracked by schema_migrations.
// Append new statements, never edit or reorder existing ones.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

var migrations = []string{
	// v1 — rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id               TEXT PRIMARY KEY,
		code             TEXT NOT NULL UNIQUE,
		current_video_id TEXT,
		is_playing       INTEGER NOT NULL DEFAULT 0,
		playback_seconds REAL NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at       INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — playlist entries
	`CREATE TABLE IF NOT EXISTS videos (
		id            TEXT PRIMARY KEY,
		room_id       TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		external_id   TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		added_by      TEXT NOT NULL DEFAULT '',
		is_played     INTEGER NOT NULL DEFAULT 0,
		sort_order    INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — playlist lookups are always per room
	`CREATE INDEX IF NOT EXISTS idx_videos_room ON videos(room_id)`,
	// v4 — concurrent readers
	`PRAGMA journal_mode=WAL`,
}

type Room struct {
	ID             string
	Code           string
	CurrentVideoID *string
	IsPlaying      bool
	CurrentTime    float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Video struct {
	ID           string
	RoomID       string
	ExternalID   string
	Title        string
	ThumbnailURL string
	AddedBy      string
	IsPlayed     bool
	Order        int
	CreatedAt    time.Time
}

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy_timeout: %w", err)
	}
	// Cascade delete from rooms to videos depends on this pragma.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("foreign_keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}

		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}

	return nil
}

// CreateRoom inserts a fresh room under the given code. Returns ErrConflict
// when the code is already taken, so callers can regenerate and retry.
func (s *Store) CreateRoom(code string) (Room, error) {
	now := time.Now()
	room := Room{ID: uuid.NewString(), Code: code, CreatedAt: now, UpdatedAt: now}

	_, err := s.db.Exec(
		`INSERT INTO rooms (id, code, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Code, now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Room{}, ErrConflict
		}
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return room, nil
}

func (s *Store) RoomByCode(code string) (Room, error) {
	row := s.db.QueryRow(
		`SELECT id, code, current_video_id, is_playing, playback_seconds, created_at, updated_at
		 FROM rooms WHERE code = ?`, code)

	return scanRoom(row)
}

func (s *Store) RoomByID(id string) (Room, error) {
	row := s.db.QueryRow(
		`SELECT id, code, current_video_id, is_playing, playback_seconds, created_at, updated_at
		 FROM rooms WHERE id = ?`, id)

	return scanRoom(row)
}

// DeleteRoom removes the room and, via cascade, its playlist.
func (s *Store) DeleteRoom(id string) error {
	res, err := s.db.Exec(`DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	return requireAffected(res)
}

// SavePlayback writes the playback triple of a room. currentVideoID may be
// nil for the idle state.
func (s *Store) SavePlayback(roomID string, currentVideoID *string, isPlaying bool, currentTime float64) error {
	res, err := s.db.Exec(
		`UPDATE rooms SET current_video_id = ?, is_playing = ?, playback_seconds = ?, updated_at = ? WHERE id = ?`,
		currentVideoID, isPlaying, currentTime, time.Now().Unix(), roomID,
	)
	if err != nil {
		return fmt.Errorf("save playback: %w", err)
	}

	return requireAffected(res)
}

// Videos returns the playlist of a room. Ties on sort_order are broken by
// created_at, then id, giving a strict total order.
func (s *Store) Videos(roomID string) ([]Video, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, external_id, title, thumbnail_url, added_by, is_played, sort_order, created_at
		 FROM videos WHERE room_id = ? ORDER BY sort_order ASC, created_at ASC, id ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	videos := make([]Video, 0)
	for rows.Next() {
		var video Video
		var createdAt int64
		err := rows.Scan(&video.ID, &video.RoomID, &video.ExternalID, &video.Title,
			&video.ThumbnailURL, &video.AddedBy, &video.IsPlayed, &video.Order, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		video.CreatedAt = time.Unix(createdAt, 0)
		videos = append(videos, video)
	}

	return videos, rows.Err()
}

// InsertVideo persists a playlist entry. ID and CreatedAt are assigned here.
func (s *Store) InsertVideo(video Video) (Video, error) {
	video.ID = uuid.NewString()
	video.CreatedAt = time.Now()

	_, err := s.db.Exec(
		`INSERT INTO videos (id, room_id, external_id, title, thumbnail_url, added_by, is_played, sort_order, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		video.ID, video.RoomID, video.ExternalID, video.Title, video.ThumbnailURL,
		video.AddedBy, video.IsPlayed, video.Order, video.CreatedAt.Unix(),
	)
	if err != nil {
		return Video{}, fmt.Errorf("insert video: %w", err)
	}

	return video, nil
}

func (s *Store) DeleteVideo(id string) error {
	res, err := s.db.Exec(`DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}

	return requireAffected(res)
}

// SetVideoPlayed flips the advisory played flag of a playlist entry.
func (s *Store) SetVideoPlayed(id string, played bool) error {
	res, err := s.db.Exec(`UPDATE videos SET is_played = ? WHERE id = ?`, played, id)
	if err != nil {
		return fmt.Errorf("set video played: %w", err)
	}

	return requireAffected(res)
}

func scanRoom(row *sql.Row) (Room, error) {
	var room Room
	var createdAt, updatedAt int64
	err := row.Scan(&room.ID, &room.Code, &room.CurrentVideoID, &room.IsPlaying,
		&room.CurrentTime, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("scan room: %w", err)
	}

	room.CreatedAt = time.Unix(createdAt, 0)
	room.UpdatedAt = time.Unix(updatedAt, 0)
	return room, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
