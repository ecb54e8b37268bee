// Package sync implements the server half of the sync protocol. Each
// websocket connection gets one Handler whose Run loop owns all session
// state, so upstream syncs, downstream syncs and broadcast updates for a
// connection never race each other.
package sync

import (
	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/syncmsg"
)

// State is the per-connection protocol state.
type State string

const (
	// StateListening accepts new upstream sync requests and starts queued
	// downstreams.
	StateListening State = "LISTENING"
	// StateInit has granted an upstream sync and waits for checksums.
	StateInit State = "INIT"
	// StateChksum has sent checksums and waits for diffs.
	StateChksum State = "CHKSUM"
	// StatePatch is applying an upstream patch. The session cannot be torn
	// down while in this state; teardown waits for the patch to land.
	StatePatch State = "PATCH"
	// StateOutOfDate has a downstream sync in flight.
	StateOutOfDate State = "OUT_OF_DATE"
	// StateClosing refuses all new work.
	StateClosing State = "CLOSING"
)

// downstream is one queued or in-flight server-to-client sync.
type downstream struct {
	path    string
	mode    syncmsg.SyncMode
	oldPath string

	// sourceList is captured when the downstream starts and reused if the
	// client asks for diffs again after local interference.
	sourceList []delta.SourceEntry
}

// Counters tallies session outcomes for the teardown log line.
type Counters struct {
	UpstreamSynced   int
	DownstreamSynced int
	Failed           int
	Interrupted      int
}
