// Package diag exposes read-only bridge state over HTTP so humans and
// lab dashboards can inspect a live debug session without attaching a
// second debugger.
package diag

// CoreStatus is one core's run state. ID matches the thread id the
// debugger sees; PC is only present while the core is halted.
type CoreStatus struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	PC    string `json:"pc,omitempty"`
}

type BreakpointStatus struct {
	Addr string `json:"addr"`
	Kind int    `json:"kind"`
}

// FlashStatus counts what a client has staged through vFlash packets but
// not yet committed.
type FlashStatus struct {
	StagedErases int `json:"stagedErases"`
	StagedWrites int `json:"stagedWrites"`
	StagedBytes  int `json:"stagedBytes"`
}

// Snapshot is one self-consistent view of the bridge. Producers publish
// whole values; nothing here is updated in place.
type Snapshot struct {
	SessionID   string             `json:"sessionId,omitempty"`
	Remote      string             `json:"remote,omitempty"`
	Device      string             `json:"device,omitempty"`
	Connected   bool               `json:"connected"`
	NoAck       bool               `json:"noAck"`
	Cores       []CoreStatus       `json:"cores"`
	Breakpoints []BreakpointStatus `json:"breakpoints"`
	Flash       FlashStatus        `json:"flash"`
	StaleFiles  []string           `json:"staleFiles,omitempty"`
}

// Snapshotter is implemented by the bridge server. Snapshot must be safe
// to call from any goroutine at any time.
type Snapshotter interface {
	Snapshot() Snapshot
}
