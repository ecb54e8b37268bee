package sync

// Status is the engine's coarse position in the protocol.
type Status string

const (
	// StatusConnecting means the authorization handshake has not finished.
	StatusConnecting Status = "CONNECTING"
	// StatusReady means no sync is in flight.
	StatusReady Status = "READY"
	// StatusSyncing means an upstream sync is walking the protocol steps.
	StatusSyncing Status = "SYNCING"
	// StatusOutOfDate means a server-initiated downstream is being applied.
	StatusOutOfDate Status = "OUT_OF_DATE"
)

// upStep is the position of the in-flight upstream sync.
type upStep int

const (
	stepNone upStep = iota
	stepInit
	stepChksum
	stepPatch
)

func (s upStep) String() string {
	switch s {
	case stepInit:
		return "INIT"
	case stepChksum:
		return "CHKSUM"
	case stepPatch:
		return "PATCH"
	default:
		return "NONE"
	}
}

// Counters are the per-session sync totals, logged at teardown.
type Counters struct {
	UpstreamSynced   int
	DownstreamSynced int
	Failed           int
}
