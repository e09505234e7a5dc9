// Package events implements the per-(org, project) live event bus that
// feeds WebSocket subscribers, with a cross-instance Redis mirror.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// Kind labels the server-to-client message types.
type Kind string

// Supported event kinds.
const (
	KindConnected   Kind = "CONNECTED"
	KindLog         Kind = "LOG"
	KindJobUpdate   Kind = "JOB_UPDATE"
	KindStatsUpdate Kind = "STATS_UPDATE"
	KindPong        Kind = "PONG"
)

// Level grades log events for the UI.
type Level string

// Supported log levels.
const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// LogPayload is the LOG event body.
type LogPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Module    string    `json:"module"`
	Message   string    `json:"message"`
	JobID     string    `json:"jobId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
}

// JobUpdatePayload is the JOB_UPDATE event body.
type JobUpdatePayload struct {
	ID             string            `json:"id"`
	Type           indexer.JobType   `json:"type"`
	Status         indexer.JobStatus `json:"status"`
	Progress       int               `json:"progress"`
	ProcessedItems int               `json:"processedItems"`
	TotalItems     int               `json:"totalItems"`
}

// StatsPayload is the STATS_UPDATE event body.
type StatsPayload struct {
	Counters indexer.Counters `json:"counters"`
}

// Event is one bus message scoped to an (org, project) channel. Origin
// carries the publishing instance id so the mirror can suppress loops.
type Event struct {
	Kind      Kind              `json:"type"`
	OrgID     uuid.UUID         `json:"orgId"`
	ProjectID uuid.UUID         `json:"projectId"`
	Origin    string            `json:"origin,omitempty"`
	Log       *LogPayload       `json:"log,omitempty"`
	Job       *JobUpdatePayload `json:"job,omitempty"`
	Stats     *StatsPayload     `json:"stats,omitempty"`
}

// TerminalJobUpdate reports whether the event announces a terminal job
// state. These must survive subscriber backpressure.
func (e Event) TerminalJobUpdate() bool {
	return e.Kind == KindJobUpdate && e.Job != nil && e.Job.Status.Terminal()
}

// Droppable reports whether the event may be shed under backpressure.
// LOG events go first; terminal JOB_UPDATEs never.
func (e Event) Droppable() bool {
	return !e.TerminalJobUpdate()
}
