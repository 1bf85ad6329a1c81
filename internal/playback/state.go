package playback

// State is the observable lifecycle phase of a playback session.
type State int

// Session states. Stopped is absorbing; a session that completes naturally reports
// Idle.
const (
	StateIdle State = iota
	StateAccumulating
	StateDecoding
	StateQueued
	StatePlaying
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateDecoding:
		return "decoding"
	case StateQueued:
		return "queued"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
