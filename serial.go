// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "code.hybscloud.com/atomix"

// EndpointID locally identifies an Endpoint within a process.
type EndpointID = uint8

// SessionNumber locally identifies a Session within an Endpoint.
type SessionNumber = uint16

// RequestNumber identifies a request within a session for response
// demultiplexing (spec §4.2 framing).
type RequestNumber = uint64

// idAllocator hands out small monotonically increasing IDs, guarded by an
// atomic counter since a Nexus may see CreateEndpoint calls from more than
// one goroutine even though each resulting Endpoint is single-threaded
// thereafter.
type idAllocator struct {
	next atomix.Uint32
}

// alloc returns the next allocator value, starting at 0.
func (a *idAllocator) alloc() uint32 {
	return a.next.Add(1) - 1
}

// sessionNumberAllocator assigns session numbers local to one Endpoint.
// Only the Endpoint's own polling goroutine calls CreateSession/
// DestroySession, so a plain counter would suffice; it is kept atomic to
// match the teacher's serial.go idiom.
type sessionNumberAllocator struct {
	next atomix.Uint32
}

func (a *sessionNumberAllocator) alloc() SessionNumber {
	return SessionNumber(a.next.Add(1) - 1)
}

// requestNumberAllocator assigns per-session monotonically increasing
// request numbers, used in data-plane framing for response demultiplexing.
type requestNumberAllocator struct {
	next atomix.Uint64
}

func (a *requestNumberAllocator) alloc() RequestNumber {
	return a.next.Add(1) - 1
}
