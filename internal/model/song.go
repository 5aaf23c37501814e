package model

import "time"

// Song represents one registered audio asset after upload assembly.
type Song struct {
	ID        string                 `json:"id"`
	Title     *string                `json:"title"`
	Artist    *string                `json:"artist"`
	Filename  string                 `json:"filename"`
	Duration  *float64               `json:"duration"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"createdAt"`
}

// SongPatch is a partial update applied to a song. All fields are merged
// into the stored metadata blob; Title and Artist override the dedicated
// columns only when present in the patch.
type SongPatch map[string]interface{}

// UploadSessionMeta is the caller-supplied metadata persisted when a
// resumable upload session is created. Filename drives extension
// inference at assembly time; TotalSize enables observed upload progress.
type UploadSessionMeta struct {
	Filename  string                 `json:"filename,omitempty"`
	TotalSize int64                  `json:"totalSize,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}
