package domain

import "time"

// SourceHealth is the reported condition of one event source.
type SourceHealth struct {
	Source              SourceID  `json:"source"`
	Healthy             bool      `json:"healthy"`
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	DownSince           time.Time `json:"down_since,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}
