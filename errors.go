// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "fmt"

// Status is the error kind vocabulary from spec §7. The zero value,
// StatusOK, means success.
type Status uint8

const (
	// StatusOK indicates success.
	StatusOK Status = iota
	// StatusInvalidArgument is a bad size, null buffer, or wrong session role.
	StatusInvalidArgument
	// StatusNoFreeSlot means the session window is full.
	StatusNoFreeSlot
	// StatusSessionDisconnected means the session left connected before completion.
	StatusSessionDisconnected
	// StatusInvalidRemote means the remote endpoint is not registered.
	StatusInvalidRemote
	// StatusNoSessions means the remote endpoint has no free session slot.
	StatusNoSessions
	// StatusTransportMismatch means the endpoints disagree on transport type.
	StatusTransportMismatch
	// StatusEndpointGone means the local Endpoint was destroyed mid-flight.
	StatusEndpointGone
	// StatusWatchdogExpired means the optional per-slot watchdog fired.
	StatusWatchdogExpired
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusNoFreeSlot:
		return "no-free-slot"
	case StatusSessionDisconnected:
		return "session-disconnected"
	case StatusInvalidRemote:
		return "invalid-remote"
	case StatusNoSessions:
		return "no-sessions"
	case StatusTransportMismatch:
		return "transport-mismatch"
	case StatusEndpointGone:
		return "endpoint-gone"
	case StatusWatchdogExpired:
		return "watchdog-expired"
	default:
		return "unknown-status"
	}
}

// Error adapts a Status to the error interface for synchronous API returns.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("xrpc: %s", e.Status)
}

// errStatus wraps st as an error, or returns nil for StatusOK.
func errStatus(st Status) error {
	if st == StatusOK {
		return nil
	}
	return &Error{Status: st}
}

// The wheel-horizon-exceeded event (spec §4.3) has no Status: it is not
// returned to users, only counted as a diagnostic exposed for tuning via
// [TimingWheel.HorizonExceededCount].
