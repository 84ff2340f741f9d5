package model

// WebSocket message types
const (
	WSMessageTypeEvent = "event"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEventMessage relays one job event to live subscribers
type WSEventMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"jobId"`
	Event JobEvent `json:"event"`
}
