// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "time"

// Default configuration constants, chosen to match the reference runtime's
// session request window and credit budget.
const (
	// DefaultSessionReqWindow is the default max outstanding requests per session.
	DefaultSessionReqWindow = 8
	// DefaultSessionCredits is the default per-session transmit credit budget.
	DefaultSessionCredits = DefaultSessionReqWindow
	// DefaultMgmtRetransMs is the default management retransmit threshold.
	DefaultMgmtRetransMs = 5
	// DefaultWheelBuckets is the default timing wheel bucket count.
	DefaultWheelBuckets = 5 * 1000 * 1000 // 5M buckets at .5us width covers a 2.5s horizon
	// DefaultWheelSlotWidthUs is the default wheel bucket width in microseconds.
	DefaultWheelSlotWidthUs = 0.5
	// DefaultMTU is the default pacing quantum in bytes.
	DefaultMTU = 1024
	// DefaultBgThreads is the default background worker pool size.
	DefaultBgThreads = 4
	// DefaultMaxMsgSize is the default upper bound on a single message, in bytes.
	DefaultMaxMsgSize = 1 << 20
)

// Config carries the tunables enumerated in spec §6. Start from
// [DefaultConfig] and override individual fields; when an Endpoint is
// created, any zero or negative numeric field is replaced by its default
// (see normalize), so a zero Config yields the defaults.
type Config struct {
	// SessionReqWindow (W) is the max outstanding requests per session.
	SessionReqWindow int
	// SessionCredits (C) is the per-session transmit credit budget, usually == W.
	SessionCredits int
	// MgmtRetransMs (T_mgmt) is the management retransmit threshold.
	MgmtRetransMs int
	// WheelBuckets (B) is the timing wheel's ring size.
	WheelBuckets int
	// WheelSlotWidthUs (w) is the wall time per wheel bucket, in microseconds.
	WheelSlotWidthUs float64
	// MTU (M) is the pacing quantum in bytes.
	MTU int
	// BgThreads is the number of background pool workers.
	BgThreads int
	// MaxMsgSize is the upper bound on a single message.
	MaxMsgSize int
	// SlotWatchdog, if nonzero, is the per-slot liveness deadline. It never
	// mutates session state; an expired slot's continuation fires with
	// StatusWatchdogExpired. Zero disables the watchdog (the default).
	SlotWatchdog time.Duration
	// TransportType identifies this Endpoint's data-plane transport kind
	// (spec §6's EndpointDescriptor.TransportType), compared against the
	// peer's value on every connect-req; a mismatch fails the handshake
	// with StatusTransportMismatch (spec §7). Endpoints on both sides of a
	// session must agree on a value; the zero value is a valid kind like
	// any other; there is no implicit "unset" handling.
	TransportType uint8
	// MaxSessions, if nonzero, caps how many sessions this Endpoint will
	// accept as a connect-req target before replying StatusNoSessions (spec
	// §7's no-sessions error). Zero (the default) means unbounded.
	MaxSessions int
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		SessionReqWindow: DefaultSessionReqWindow,
		SessionCredits:   DefaultSessionCredits,
		MgmtRetransMs:    DefaultMgmtRetransMs,
		WheelBuckets:     DefaultWheelBuckets,
		WheelSlotWidthUs: DefaultWheelSlotWidthUs,
		MTU:              DefaultMTU,
		BgThreads:        DefaultBgThreads,
		MaxMsgSize:       DefaultMaxMsgSize,
	}
}

// normalize fills any zero-valued fields with defaults and clamps credits to
// the request window.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.SessionReqWindow <= 0 {
		c.SessionReqWindow = d.SessionReqWindow
	}
	if c.SessionCredits <= 0 {
		c.SessionCredits = c.SessionReqWindow
	}
	if c.SessionCredits > c.SessionReqWindow {
		c.SessionCredits = c.SessionReqWindow
	}
	if c.MgmtRetransMs <= 0 {
		c.MgmtRetransMs = d.MgmtRetransMs
	}
	if c.WheelBuckets <= 0 {
		c.WheelBuckets = d.WheelBuckets
	}
	if c.WheelSlotWidthUs <= 0 {
		c.WheelSlotWidthUs = d.WheelSlotWidthUs
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.BgThreads <= 0 {
		c.BgThreads = d.BgThreads
	}
	if c.MaxMsgSize <= 0 {
		c.MaxMsgSize = d.MaxMsgSize
	}
	return c
}
