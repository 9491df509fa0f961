package progress

// ConnectionState is the lifecycle state of the push channel.
type ConnectionState int32

// Connection states.
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lowercase name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Table maps a job or batch id to its latest Snapshot.
type Table map[string]Snapshot

// Clone deep-copies the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, snap := range t {
		out[id] = snap.Clone()
	}
	return out
}

// Get returns the snapshot for id, if tracked.
func (t Table) Get(id string) (Snapshot, bool) {
	snap, ok := t[id]
	return snap, ok
}

// View is an immutable point-in-time copy of what the client exposes.
type View struct {
	State ConnectionState
	Table Table
}
