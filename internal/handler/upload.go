package handler

import (
	"errors"
	"io"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/upload"
	"github.com/stemforge/api/pkg/response"
)

type UploadHandler struct {
	uploads   *upload.Manager
	validator *validator.Validate
}

func NewUploadHandler(uploads *upload.Manager, v *validator.Validate) *UploadHandler {
	return &UploadHandler{uploads: uploads, validator: v}
}

type createSessionRequest struct {
	Filename  string                 `json:"filename"`
	TotalSize int64                  `json:"totalSize" validate:"omitempty,gte=0"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// CreateSession handles POST /uploads. The body is optional metadata;
// an empty body opens a session with no filename hint.
func (h *UploadHandler) CreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	uploadID, err := h.uploads.CreateSession(model.UploadSessionMeta{
		Filename:  req.Filename,
		TotalSize: req.TotalSize,
		Extra:     req.Metadata,
	})
	if err != nil {
		return response.ServiceError(c, "Failed to create upload session")
	}

	return response.Created(c, fiber.Map{"uploadId": uploadID})
}

// AppendChunk handles POST /uploads/:uploadId/chunk. The chunk payload
// is the raw request body; the position comes from the X-Chunk-Index
// header so retried chunks land on the same slot.
func (h *UploadHandler) AppendChunk(c *fiber.Ctx) error {
	uploadID := c.Params("uploadId")

	idxHeader := c.Get("X-Chunk-Index")
	if idxHeader == "" {
		return response.ValidationError(c, "X-Chunk-Index header is required", nil)
	}
	index, err := strconv.Atoi(idxHeader)
	if err != nil || index < 0 {
		return response.ValidationError(c, "X-Chunk-Index must be a non-negative integer", nil)
	}

	if err := h.uploads.AppendChunk(uploadID, index, c.Body()); err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			return response.NotFound(c, "Upload session not found")
		}
		return response.ServiceError(c, "Failed to store chunk")
	}

	return response.NoContent(c)
}

// Complete handles POST /uploads/:uploadId/complete. Assembles the
// staged chunks and returns the registered song.
func (h *UploadHandler) Complete(c *fiber.Ctx) error {
	uploadID := c.Params("uploadId")

	song, err := h.uploads.CompleteSession(c.Context(), uploadID)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			return response.NotFound(c, "Upload session not found")
		case errors.Is(err, upload.ErrNoChunks):
			return response.NoChunks(c, "No chunks were uploaded for this session")
		default:
			return response.ServiceError(c, "Failed to assemble upload")
		}
	}

	return response.Created(c, fiber.Map{
		"fileId": song.ID,
		"url":    "/download/" + song.ID,
		"song":   song,
	})
}

// Single handles POST /upload, the non-resumable path for small files.
// Internally it is a one-chunk session so both paths share the same
// assembly and registration code.
func (h *UploadHandler) Single(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return response.ServiceError(c, "Failed to read file")
	}

	uploadID, err := h.uploads.CreateSession(model.UploadSessionMeta{
		Filename:  file.Filename,
		TotalSize: file.Size,
	})
	if err != nil {
		return response.ServiceError(c, "Failed to create upload session")
	}
	if err := h.uploads.AppendChunk(uploadID, 0, data); err != nil {
		return response.ServiceError(c, "Failed to store file")
	}

	song, err := h.uploads.CompleteSession(c.Context(), uploadID)
	if err != nil {
		return response.ServiceError(c, "Failed to register upload")
	}

	return response.Created(c, fiber.Map{
		"fileId": song.ID,
		"url":    "/download/" + song.ID,
		"song":   song,
	})
}
