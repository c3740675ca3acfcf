package domain

type PlayerStatus string

const (
	StatusIdle      PlayerStatus = "idle"
	StatusPlaying   PlayerStatus = "playing"
	StatusPaused    PlayerStatus = "paused"
	StatusBuffering PlayerStatus = "buffering"
	StatusError     PlayerStatus = "error"
)

// PlayerState is a point-in-time snapshot of one guild's player, safe to
// serialize for the status API and websocket broadcasts.
type PlayerState struct {
	Guild        string       `json:"guild"`
	Status       PlayerStatus `json:"status"`
	Current      *Track       `json:"current,omitempty"`
	Position     int          `json:"position"` // seconds
	Volume       float64      `json:"volume"`   // 0.0 - 1.0
	Mode         PlayMode     `json:"mode"`
	QueueLength  int          `json:"queueLength"`
	QueueIndex   int          `json:"queueIndex"`
	LastError    string       `json:"lastError,omitempty"`
}
