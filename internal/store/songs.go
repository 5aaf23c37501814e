package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/model"
)

// CreateSong registers a new song record and returns its id.
func (s *Store) CreateSong(ctx context.Context, song *model.Song) (string, error) {
	if song.ID == "" {
		song.ID = uuid.New().String()
	}
	if song.CreatedAt.IsZero() {
		song.CreatedAt = time.Now().UTC()
	}
	if song.Metadata == nil {
		song.Metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(song.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal song metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO songs (id, title, artist, filename, duration, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		song.ID, song.Title, song.Artist, song.Filename, song.Duration,
		string(meta), formatTime(song.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert song: %w", err)
	}
	return song.ID, nil
}

// GetSong returns the song with the given id or ErrNotFound.
func (s *Store) GetSong(ctx context.Context, id string) (*model.Song, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, artist, filename, duration, metadata, created_at
		 FROM songs WHERE id = ?`, id)
	return scanSong(row)
}

// ListSongs returns all songs in insertion order.
func (s *Store) ListSongs(ctx context.Context) ([]*model.Song, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, artist, filename, duration, metadata, created_at
		 FROM songs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var songs []*model.Song
	for rows.Next() {
		song, scanErr := scanSong(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

// UpdateSongMetadata merges patch into the stored metadata blob. A
// "title" or "artist" key in the patch also overrides the dedicated
// column. Returns the updated song.
func (s *Store) UpdateSongMetadata(ctx context.Context, id string, patch model.SongPatch) (*model.Song, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin song update: %w", err)
	}
	defer tx.Rollback()

	song, err := scanSong(tx.QueryRowContext(ctx,
		`SELECT id, title, artist, filename, duration, metadata, created_at
		 FROM songs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	for k, v := range patch {
		song.Metadata[k] = v
	}
	if v, ok := patch["title"].(string); ok {
		song.Title = &v
	}
	if v, ok := patch["artist"].(string); ok {
		song.Artist = &v
	}

	meta, err := json.Marshal(song.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal song metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE songs SET title = ?, artist = ?, metadata = ? WHERE id = ?`,
		song.Title, song.Artist, string(meta), id,
	); err != nil {
		return nil, fmt.Errorf("update song: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit song update: %w", err)
	}
	return song, nil
}

// DeleteSong removes the record. Removing the backing file is the
// caller's responsibility.
func (s *Store) DeleteSong(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete song: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSong(row rowScanner) (*model.Song, error) {
	var (
		song      model.Song
		title     sql.NullString
		artist    sql.NullString
		duration  sql.NullFloat64
		meta      string
		createdAt string
	)
	err := row.Scan(&song.ID, &title, &artist, &song.Filename, &duration, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan song: %w", err)
	}
	if title.Valid {
		song.Title = &title.String
	}
	if artist.Valid {
		song.Artist = &artist.String
	}
	if duration.Valid {
		song.Duration = &duration.Float64
	}
	song.Metadata = map[string]interface{}{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &song.Metadata); err != nil {
			return nil, fmt.Errorf("decode song metadata: %w", err)
		}
	}
	if song.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse song timestamp: %w", err)
	}
	return &song, nil
}
