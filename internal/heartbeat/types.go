// Package heartbeat implements the Heartbeat (C10): a periodic self-check
// tick that routes a synthesized prompt through the same dispatcher
// pipeline as a scheduled task, then gates delivery of the result by four
// independent knobs and dedupes repeated alerts by content hash.
package heartbeat

import "time"

// okToken is the literal marker a heartbeat job's result must equal
// (after trimming whitespace) to be treated as "all clear" rather than an
// alert.
const okToken = "HEARTBEAT_OK"

// Gates controls what a fired heartbeat actually surfaces, independent of
// whether the underlying check passed or failed.
type Gates struct {
	ShowOK        bool
	ShowAlerts    bool
	UseIndicator  bool
	DeliveryMuted bool
}

// Outcome is the classified result of one heartbeat fire.
type Outcome struct {
	JobID     string
	Owner     string
	IsOK      bool
	Message   string
	FiredAt   time.Time
}
