package entity

// StreamStatus is the lifecycle state of a stream instance.
type StreamStatus int

const (
	StreamCreated StreamStatus = iota
	StreamStarting
	StreamRunning
	StreamDraining
	StreamStopped
	StreamFailed
)

var streamStatusName = map[StreamStatus]string{
	StreamCreated:  "created",
	StreamStarting: "starting",
	StreamRunning:  "running",
	StreamDraining: "draining",
	StreamStopped:  "stopped",
	StreamFailed:   "failed",
}

func (s StreamStatus) String() string {
	if name, ok := streamStatusName[s]; ok {
		return name
	}
	return "unknown"
}

func (s StreamStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true if the stream instance will not process any more data.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamStopped || s == StreamFailed
}
