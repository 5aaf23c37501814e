package model

// WebSocket event names
const (
	WSEventProgress   = "processing_progress"
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// ProgressEvent is broadcast to every connected client for every job;
// clients filter by jobId themselves.
type ProgressEvent struct {
	Event                     string   `json:"event"`
	JobID                     string   `json:"jobId"`
	Stage                     string   `json:"stage"`
	Progress                  float64  `json:"progress"`
	Message                   string   `json:"message,omitempty"`
	EstimatedSecondsRemaining *float64 `json:"estimatedSecondsRemaining,omitempty"`
	Error                     string   `json:"error,omitempty"`
}
