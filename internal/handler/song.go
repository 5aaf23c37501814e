package handler

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/upload"
	"github.com/stemforge/api/pkg/response"
)

type SongHandler struct {
	store     *store.Store
	uploads   *upload.Manager
	outputDir string
	validator *validator.Validate
	client    *http.Client
}

func NewSongHandler(st *store.Store, uploads *upload.Manager, outputDir string, v *validator.Validate) *SongHandler {
	return &SongHandler{
		store:     st,
		uploads:   uploads,
		outputDir: outputDir,
		validator: v,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// List handles GET /songs.
func (h *SongHandler) List(c *fiber.Ctx) error {
	songs, err := h.store.ListSongs(c.Context())
	if err != nil {
		return response.ServiceError(c, "Failed to list songs")
	}
	return response.OK(c, fiber.Map{"songs": songs})
}

// Get handles GET /songs/:fileId.
func (h *SongHandler) Get(c *fiber.Ctx) error {
	song, err := h.store.GetSong(c.Context(), c.Params("fileId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, "Failed to load song")
	}
	return response.OK(c, song)
}

// Patch handles PATCH /songs/:fileId. The body is a flat JSON object
// merged into the song metadata; title and artist also update their
// dedicated columns.
func (h *SongHandler) Patch(c *fiber.Ctx) error {
	fileID := c.Params("fileId")

	var patch model.SongPatch
	if err := c.BodyParser(&patch); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if len(patch) == 0 {
		return response.ValidationError(c, "Patch body must not be empty", nil)
	}

	song, err := h.store.UpdateSongMetadata(c.Context(), fileID, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, "Failed to update song")
	}
	return response.OK(c, song)
}

// Delete handles DELETE /songs/:fileId. Removes the record and the
// stored audio file.
func (h *SongHandler) Delete(c *fiber.Ctx) error {
	fileID := c.Params("fileId")

	song, err := h.store.GetSong(c.Context(), fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, "Failed to load song")
	}

	if err := h.store.DeleteSong(c.Context(), fileID); err != nil {
		return response.ServiceError(c, "Failed to delete song")
	}
	if err := h.uploads.RemoveFile(song.Filename); err != nil {
		log.Printf("Failed to remove backing file for song %s: %v", fileID, err)
	}

	return response.NoContent(c)
}

// Download handles GET /download/:fileId and
// GET /download/:fileId/:artifactKey. Without an artifact key it serves
// the original upload; with one it serves the named processor artifact.
func (h *SongHandler) Download(c *fiber.Ctx) error {
	fileID := c.Params("fileId")
	artifactKey := c.Params("artifactKey")

	if artifactKey != "" {
		// Keep artifact lookups inside the per-file output dir.
		name := filepath.Base(artifactKey)
		path := filepath.Join(h.outputDir, fileID, name)
		if _, err := os.Stat(path); err != nil {
			return response.NotFound(c, "Artifact not found")
		}
		return c.Download(path)
	}

	song, err := h.store.GetSong(c.Context(), fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, "Failed to load song")
	}

	path := h.uploads.FilePath(song.Filename)
	if _, err := os.Stat(path); err != nil {
		return response.NotFound(c, "Audio file not found")
	}
	return c.Download(path)
}

// Cleanup handles DELETE /cleanup/:fileId. Removes processor artifacts,
// the stored audio, and the song record in one call.
func (h *SongHandler) Cleanup(c *fiber.Ctx) error {
	fileID := c.Params("fileId")

	if err := os.RemoveAll(filepath.Join(h.outputDir, fileID)); err != nil {
		return response.ServiceError(c, "Failed to remove artifacts")
	}

	song, err := h.store.GetSong(c.Context(), fileID)
	if err == nil {
		if err := h.uploads.RemoveFile(song.Filename); err != nil {
			log.Printf("Failed to remove backing file for song %s: %v", fileID, err)
		}
		if err := h.store.DeleteSong(c.Context(), fileID); err != nil {
			return response.ServiceError(c, "Failed to delete song record")
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return response.ServiceError(c, "Failed to load song")
	}

	return response.OK(c, fiber.Map{"status": "cleaned", "fileId": fileID})
}

type proxyAudioRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// ProxyAudio handles POST /proxy-audio. Fetches a remote audio URL
// server-side so browser clients are not blocked by CORS.
func (h *SongHandler) ProxyAudio(c *fiber.Ctx) error {
	var req proxyAudioRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "url must be a valid URL", nil)
	}

	httpReq, err := http.NewRequestWithContext(c.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		return response.ValidationError(c, "url must be a valid URL", nil)
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return response.UpstreamError(c, "Failed to fetch remote audio")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return response.UpstreamError(c, "Remote server returned "+resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)

	// Stream the remote body through; fasthttp closes it after sending.
	if resp.ContentLength > 0 {
		return c.SendStream(resp.Body, int(resp.ContentLength))
	}
	return c.SendStream(resp.Body)
}
