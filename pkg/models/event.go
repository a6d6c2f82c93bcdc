package models

import "time"

// EventRecord is the readback view of one execution event: the envelope
// unwrapped so callers see the inner application payload plus the
// envelope timestamp.
type EventRecord struct {
	ID         int            `json:"id"`
	SessionID  int            `json:"session_id"`
	StepNumber *int           `json:"step_number,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	StreamID   string         `json:"stream_id,omitempty"`
}

// EventsResponse contains the events of a session since a given id
type EventsResponse struct {
	SessionID int           `json:"session_id"`
	Events    []EventRecord `json:"events"`
	LastID    int           `json:"last_id"`
}
