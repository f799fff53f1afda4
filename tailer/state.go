package tailer

// State of the tail engine
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateTailing
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateTailing:
		return "tailing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a tailer
type Status struct {
	Identity         string `json:"identity"`
	State            string `json:"state"`
	Position         uint64 `json:"position"`
	PositionTime     string `json:"position_time,omitempty"`
	LastCheckpoint   uint64 `json:"last_checkpoint"`
	EntriesRead      uint64 `json:"entries_read"`
	RecordsForwarded uint64 `json:"records_forwarded"`
	Endpoint         string `json:"endpoint"`
}
