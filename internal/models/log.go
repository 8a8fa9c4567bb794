package models

// LogKind classifies an activity entry
type LogKind string

const (
	LogDanger  LogKind = "danger"
	LogInfo    LogKind = "info"
	LogLogin   LogKind = "login"
	LogCommand LogKind = "command"
)

// LogEntry is one row of the per-family activity ring buffer
type LogEntry struct {
	Key       string  `json:"-"`
	Kind      LogKind `json:"kind"`
	Title     string  `json:"title,omitempty"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}
