package syncengine

// State governs when the engine may flush and apply
type State int

const (
	// Disconnected: edits are queued, nothing is sent
	Disconnected State = iota
	// Connecting: transport is open, waiting for the snapshot reply
	Connecting
	// Synced: batches flow in both directions
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}
