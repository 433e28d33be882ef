package model

import "time"

// Event types carried on an application's progress channel.
const (
	EventStatusUpdate = "status_update"
	EventProgressLog  = "progress_log"
)

// StatusUpdate is broadcast after every accepted phase write.
type StatusUpdate struct {
	ApplicationID string    `json:"application_id"`
	Revision      int64     `json:"revision"`
	Status        Phase     `json:"status"`
	StatusPercent int       `json:"status_percent"`
	StageLabel    string    `json:"stage_label"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProgressLog is a free-form step log line for an application.
type ProgressLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Step      string         `json:"step"`
	Substep   string         `json:"substep,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProgressEvent is the envelope published on the channel. Exactly one of
// Status or Log is set, matching Type.
type ProgressEvent struct {
	Type   string        `json:"type"`
	Status *StatusUpdate `json:"status,omitempty"`
	Log    *ProgressLog  `json:"log,omitempty"`
}
