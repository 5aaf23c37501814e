// Package upload implements the chunked resumable upload protocol:
// chunks are staged per session on disk, then assembled in index order
// and registered as a song.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
)

var (
	// ErrSessionNotFound is returned for unknown upload session ids,
	// including sessions already consumed by a completion call.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrNoChunks is returned when completion is attempted before any
	// chunk arrived.
	ErrNoChunks = errors.New("no chunks staged for upload session")
)

const (
	chunkPrefix = "chunk-"
	chunkSuffix = ".part"
	metaFile    = "meta.json"
)

// Manager stages upload chunks under root/<uploadId> and assembles
// completed sessions into files under root.
type Manager struct {
	root   string
	store  *store.Store
	events *progress.Broadcaster
}

// NewManager creates a Manager rooted at dir. events may be nil when no
// progress reporting is wanted.
func NewManager(dir string, st *store.Store, events *progress.Broadcaster) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Manager{root: dir, store: st, events: events}, nil
}

// Root returns the upload storage root.
func (m *Manager) Root() string {
	return m.root
}

// CreateSession allocates a fresh session directory and persists the
// caller metadata for later extension inference.
func (m *Manager) CreateSession(meta model.UploadSessionMeta) (string, error) {
	uploadID := uuid.New().String()
	dir := m.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal session meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write session meta: %w", err)
	}
	return uploadID, nil
}

// AppendChunk writes one chunk. Re-sending the same index overwrites the
// prior chunk so clients can retry after a network failure.
func (m *Manager) AppendChunk(uploadID string, index int, data []byte) error {
	dir := m.sessionDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return ErrSessionNotFound
	}
	if index < 0 {
		return fmt.Errorf("negative chunk index %d", index)
	}
	name := fmt.Sprintf("%s%06d%s", chunkPrefix, index, chunkSuffix)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	m.emitObserved(uploadID, dir)
	return nil
}

// CompleteSession assembles the staged chunks in index order, registers
// the result as a song, and removes the session directory. Chunk order
// comes from the index encoded in each filename, never from directory
// enumeration order.
func (m *Manager) CompleteSession(ctx context.Context, uploadID string) (*model.Song, error) {
	dir := m.sessionDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrSessionNotFound
	}

	chunks, err := m.stagedChunks(dir)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	meta := m.readMeta(dir)
	ext := ".bin"
	if meta.Filename != "" {
		if e := filepath.Ext(meta.Filename); e != "" {
			ext = e
		}
	}

	fileID := uuid.New().String()
	finalName := fileID + ext
	finalPath := filepath.Join(m.root, finalName)
	if err := assemble(finalPath, chunks); err != nil {
		return nil, err
	}

	song := &model.Song{
		ID:       fileID,
		Filename: finalName,
		Metadata: map[string]interface{}{},
	}
	if meta.Extra != nil {
		song.Metadata = meta.Extra
	}
	if _, err := m.store.CreateSong(ctx, song); err != nil {
		_ = os.Remove(finalPath)
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("remove session dir: %w", err)
	}
	if m.events != nil {
		m.events.EmitComplete(uploadID, "upload", "Upload complete")
	}
	return song, nil
}

// FilePath resolves a stored filename under the upload root.
func (m *Manager) FilePath(filename string) string {
	return filepath.Join(m.root, filename)
}

// RemoveFile deletes a stored file, ignoring files already gone.
func (m *Manager) RemoveFile(filename string) error {
	err := os.Remove(filepath.Join(m.root, filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

func (m *Manager) sessionDir(uploadID string) string {
	return filepath.Join(m.root, uploadID)
}

type chunk struct {
	index int
	path  string
	size  int64
}

func (m *Manager) stagedChunks(dir string) ([]chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list session dir: %w", err)
	}
	var chunks []chunk
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		idxStr := strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix)
		idx, convErr := strconv.Atoi(idxStr)
		if convErr != nil {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil, fmt.Errorf("stat chunk %s: %w", name, infoErr)
		}
		chunks = append(chunks, chunk{index: idx, path: filepath.Join(dir, name), size: info.Size()})
	}
	return chunks, nil
}

func (m *Manager) readMeta(dir string) model.UploadSessionMeta {
	var meta model.UploadSessionMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

func (m *Manager) emitObserved(uploadID, dir string) {
	if m.events == nil {
		return
	}
	meta := m.readMeta(dir)
	if meta.TotalSize <= 0 {
		return
	}
	chunks, err := m.stagedChunks(dir)
	if err != nil {
		return
	}
	var received int64
	for _, c := range chunks {
		received += c.size
	}
	m.events.EmitObserved(uploadID, "upload", received, meta.TotalSize)
}

func assemble(dst string, chunks []chunk) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create assembled file: %w", err)
	}
	defer out.Close()

	for _, c := range chunks {
		in, err := os.Open(c.path)
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", c.index, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("append chunk %d: %w", c.index, err)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync assembled file: %w", err)
	}
	return nil
}
