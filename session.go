// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

// Role distinguishes which side of a Session originates requests (spec §3:
// "only client-role sessions may originate requests").
type Role uint8

const (
	// RoleClient sessions may call EnqueueRequest.
	RoleClient Role = iota
	// RoleServer sessions only ever respond.
	RoleServer
)

// SessionState is the session management state machine (spec §4.1).
type SessionState uint8

const (
	// StateConnectInProgress: client has sent connect-req, awaiting reply.
	StateConnectInProgress SessionState = iota
	// StateConnected: handshake complete, requests may flow.
	StateConnected
	// StateDisconnectWaitForConnect: user destroyed the session before
	// the connect handshake settled; the disconnect-req is deferred.
	StateDisconnectWaitForConnect
	// StateDisconnectInProgress: disconnect-req sent, awaiting reply.
	StateDisconnectInProgress
	// StateDisconnected is terminal.
	StateDisconnected
)

// String implements fmt.Stringer for diagnostics and test failure messages.
func (s SessionState) String() string {
	switch s {
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateDisconnectWaitForConnect:
		return "disconnect-wait-for-connect"
	case StateDisconnectInProgress:
		return "disconnect-in-progress"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown-state"
	}
}

// isManaged reports whether s is a non-terminal management state: one that
// the endpoint's retransmit sweep covers (spec §4.1).
func (s SessionState) isManaged() bool {
	switch s {
	case StateConnectInProgress, StateDisconnectWaitForConnect, StateDisconnectInProgress:
		return true
	default:
		return false
	}
}

// Session is a half-duplex pair of endpoints (spec §3). The client-role
// side originates requests; credits and the slot window are meaningful
// only for the client role, matching the "at most W outstanding requests"
// invariant.
type Session struct {
	number SessionNumber
	role   Role
	state  SessionState

	local  EndpointDescriptor
	remote EndpointDescriptor

	slots         []Slot // length == cfg.SessionReqWindow
	creditsRemain int    // in [0, cfg.SessionCredits]

	// reqCounter assigns monotonically increasing request numbers for
	// data-plane framing (spec §4.2).
	reqCounter requestNumberAllocator

	// lastMgmtSendTsc is the last time (in wheel ticks, wall-clock
	// nanoseconds from Endpoint.nowTsc) a management request was sent for this session, used
	// by the endpoint's retransmit sweep.
	lastMgmtSendTsc int64

	ep *Endpoint
}

// asPacketFields returns s's endpoint descriptors in the wire-fixed
// Client/Server order (spec §6): that naming is pinned to whoever
// originated the session and does not change when the other side later
// sends a management packet of its own (e.g. a server-role session sending
// a disconnect-reply still reports Client==the original connecting peer).
func (s *Session) asPacketFields() (client, server EndpointDescriptor) {
	if s.role == RoleClient {
		return s.local, s.remote
	}
	return s.remote, s.local
}

// Number returns the session's locally-assigned number.
func (s *Session) Number() SessionNumber { return s.number }

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// State returns the session's current management state.
func (s *Session) State() SessionState { return s.state }

// CreditsRemaining returns the number of transmit credits currently held.
// It is read by diagnostics and tests; only the owning Endpoint's polling
// goroutine ever mutates it.
func (s *Session) CreditsRemaining() int { return s.creditsRemain }

// newSession allocates a Session's fixed-size slot array and initializes
// its credit budget to cfg.SessionCredits (spec §3: "at most W outstanding
// requests... only client-role sessions may originate requests").
func newSession(ep *Endpoint, number SessionNumber, role Role, local, remote EndpointDescriptor) *Session {
	s := &Session{
		number: number,
		role:   role,
		state:  StateConnectInProgress,
		local:  local,
		remote: remote,
		ep:     ep,
	}
	s.slots = make([]Slot, ep.cfg.SessionReqWindow)
	for i := range s.slots {
		s.slots[i].session = s
		s.slots[i].index = i
	}
	if role == RoleClient {
		s.creditsRemain = ep.cfg.SessionCredits
	}
	return s
}

// freeSlot returns the first unused slot, or nil if the window is full
// (spec §4.2: "a free slot must exist").
func (s *Session) freeSlot() *Slot {
	for i := range s.slots {
		if !s.slots[i].inUse {
			return &s.slots[i]
		}
	}
	return nil
}

// transition applies a state machine edge and, on settling into a terminal
// or stable state, notifies the endpoint's session-management callback and
// fails any requests still outstanding in the session's window. status is
// the reason reported to both: StatusOK for a normal disconnect, or the
// actual failure status (e.g. StatusInvalidRemote, StatusNoSessions,
// StatusTransportMismatch from a failed connect-reply) when settling into
// Disconnected for a reason other than the user tearing down a live session.
// Ignored when to is neither StateConnected nor StateDisconnected.
func (s *Session) transition(to SessionState, status Status) {
	s.state = to
	switch to {
	case StateConnected:
		if s.ep.onSessionEvent != nil {
			s.ep.onSessionEvent(s.number, SessionEventConnected, StatusOK)
		}
	case StateDisconnected:
		failStatus := status
		if failStatus == StatusOK {
			failStatus = StatusSessionDisconnected
		}
		s.failOutstanding(failStatus)
		if s.ep.onSessionEvent != nil {
			s.ep.onSessionEvent(s.number, SessionEventDisconnected, status)
		}
	}
}

// failOutstanding invokes every occupied slot's continuation with st (spec
// §8 property 2: a request either completes with its tag exactly once, or
// fails exactly once on disconnection). As with any completion, the slot is
// freed when the continuation calls ReleaseResponse (see completeSlot).
func (s *Session) failOutstanding(st Status) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.inUse {
			s.ep.completeSlot(sl, nil, st)
		}
	}
}

// SessionEvent is the kind of notification delivered to the Endpoint's
// session-management callback (SPEC_FULL §3 supplement).
type SessionEvent uint8

const (
	// SessionEventConnected fires once, when a session reaches Connected: a
	// client session on its connect-reply, a server session on accepting
	// the connect-req.
	SessionEventConnected SessionEvent = iota
	// SessionEventDisconnected fires once, when a session reaches Disconnected.
	SessionEventDisconnected
)
