// Package session holds the durable session record, its derived streams, and
// the typed events exchanged on a session's chat channel.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusError
}

// Session is the durable record of one orchestration unit: one prompt stream,
// one sandbox, one agent.
type Session struct {
	ID            string    `json:"session_id"`
	Status        Status    `json:"status"`
	InitialPrompt string    `json:"initial_prompt"`
	Environment   string    `json:"environment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DesktopPort   int       `json:"desktop_port,omitempty"`
	ToolPort      int       `json:"tool_port,omitempty"`
	SandboxID     string    `json:"sandbox_id,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// EventType classifies a MessageEvent.
type EventType string

const (
	EventUserPrompt    EventType = "user_prompt"
	EventAgentThinking EventType = "agent_thinking"
	EventAgentAction   EventType = "agent_action"
	EventAgentResponse EventType = "agent_response"
	EventSystemUpdate  EventType = "system_update"
	EventDownloadReady EventType = "download_ready"
	EventError         EventType = "error"
)

// EventMetadata carries the optional attributes of a MessageEvent.
type EventMetadata struct {
	ToolUsed      string `json:"tool_used,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	DownloadURL   string `json:"download_url,omitempty"`
	Error         string `json:"error,omitempty"`
	DesktopReady  bool   `json:"desktop_ready,omitempty"`
	SessionStatus Status `json:"session_status,omitempty"`
}

// MessageEvent is a typed record on a session's chat channel. Timestamp is
// unix milliseconds.
type MessageEvent struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

// NewEvent builds a MessageEvent stamped with the current time.
func NewEvent(t EventType, content string) MessageEvent {
	return MessageEvent{
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithMetadata returns a copy of evt carrying md.
func (evt MessageEvent) WithMetadata(md EventMetadata) MessageEvent {
	evt.Metadata = &md
	return evt
}

// LogEntry is one line of a session's bounded log stream.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
