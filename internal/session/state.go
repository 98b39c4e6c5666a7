package session

// State is the lifecycle state of a [Session].
type State int

const (
	// Idle is the state of a session that has never been started.
	Idle State = iota
	// Connecting means a connect episode is in progress.
	Connecting
	// Connected means the handshake completed and topics are subscribed.
	Connected
	// Disconnected means the link was lost or explicitly stopped.
	Disconnected
	// Failed means a connect episode exhausted its retries. Start may
	// be called again.
	Failed
	// TornDown is terminal; the transport has been released.
	TornDown
)

var stateNames = [...]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Failed:       "failed",
	TornDown:     "torn_down",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
