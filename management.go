// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import (
	"encoding/binary"
)

// maxHostnameLen bounds EndpointDescriptor.Hostname's wire representation
// (spec §6: char hostname[kMaxHostnameLen]).
const maxHostnameLen = 64

// transportSpecificLen is the size of EndpointDescriptor's opaque
// transport-specific trailer.
const transportSpecificLen = 16

// pktKind enumerates the management packet kinds (spec §6).
type pktKind uint8

const (
	pktConnectReq pktKind = 1 + iota
	pktConnectReply
	pktDisconnectReq
	pktDisconnectReply
)

// EndpointDescriptor identifies one side of a session (spec §6).
type EndpointDescriptor struct {
	Hostname          string
	TransportType     uint8
	EndpointID        EndpointID
	SessionNumber     SessionNumber
	TransportSpecific [transportSpecificLen]byte
}

const endpointDescriptorWireLen = maxHostnameLen + 1 + 1 + 2 + transportSpecificLen

func (d *EndpointDescriptor) encode(b []byte) {
	var hostBuf [maxHostnameLen]byte
	copy(hostBuf[:], d.Hostname)
	copy(b[0:maxHostnameLen], hostBuf[:])
	b[maxHostnameLen] = d.TransportType
	b[maxHostnameLen+1] = d.EndpointID
	wireOrder.PutUint16(b[maxHostnameLen+2:maxHostnameLen+4], d.SessionNumber)
	copy(b[maxHostnameLen+4:endpointDescriptorWireLen], d.TransportSpecific[:])
}

func (d *EndpointDescriptor) decode(b []byte) {
	end := 0
	for end < maxHostnameLen && b[end] != 0 {
		end++
	}
	d.Hostname = string(b[0:end])
	d.TransportType = b[maxHostnameLen]
	d.EndpointID = b[maxHostnameLen+1]
	d.SessionNumber = wireOrder.Uint16(b[maxHostnameLen+2 : maxHostnameLen+4])
	copy(d.TransportSpecific[:], b[maxHostnameLen+4:endpointDescriptorWireLen])
}

// mgmtPacket is the fixed-size management record (spec §6).
type mgmtPacket struct {
	Kind   pktKind
	Status Status
	Client EndpointDescriptor
	Server EndpointDescriptor
}

const mgmtPacketWireLen = 1 + 1 + 2 + 2*endpointDescriptorWireLen

// wireOrder is the management/data-plane wire byte order. Spec §6 calls for
// native byte order within a single administrative domain; cross-endian
// deployments require an explicit byte-swap pass at the boundary. Naming
// the codec functions (encode/decode below, and [encodeDataHeader] /
// [decodeDataHeader]) around this single symbol is the hook a byte-swap
// pass would replace without touching the state machine.
var wireOrder = binary.NativeEndian

// encode serializes p into the fixed mgmtPacketWireLen-byte wire format.
func (p *mgmtPacket) encode() []byte {
	b := make([]byte, mgmtPacketWireLen)
	b[0] = byte(p.Kind)
	b[1] = byte(p.Status)
	// b[2:4] reserved, left zero
	p.Client.encode(b[4 : 4+endpointDescriptorWireLen])
	p.Server.encode(b[4+endpointDescriptorWireLen : 4+2*endpointDescriptorWireLen])
	return b
}

// decodeMgmtPacket parses a wire-format management record.
func decodeMgmtPacket(b []byte) (mgmtPacket, bool) {
	if len(b) < mgmtPacketWireLen {
		return mgmtPacket{}, false
	}
	var p mgmtPacket
	p.Kind = pktKind(b[0])
	p.Status = Status(b[1])
	p.Client.decode(b[4 : 4+endpointDescriptorWireLen])
	p.Server.decode(b[4+endpointDescriptorWireLen : 4+2*endpointDescriptorWireLen])
	return p, true
}

// dataPktKind distinguishes request and response packets on the data plane
// (spec §6 data wire framing).
type dataPktKind uint8

const (
	dataPktRequest dataPktKind = iota
	dataPktResponse
)

// dataHeader is the per-packet data-plane header (spec §6): session
// identifier (remote-assigned), request number, packet sequence number
// within the request, total packet count, kind, and request type.
type dataHeader struct {
	SessionNumber SessionNumber
	ReqNumber     RequestNumber
	PktIndex      uint16
	PktCount      uint16
	Kind          dataPktKind
	ReqType       uint8
}

const dataHeaderWireLen = 2 + 8 + 2 + 2 + 1 + 1

func encodeDataHeader(h dataHeader) []byte {
	b := make([]byte, dataHeaderWireLen)
	wireOrder.PutUint16(b[0:2], h.SessionNumber)
	wireOrder.PutUint64(b[2:10], h.ReqNumber)
	wireOrder.PutUint16(b[10:12], h.PktIndex)
	wireOrder.PutUint16(b[12:14], h.PktCount)
	b[14] = byte(h.Kind)
	b[15] = h.ReqType
	return b
}

func decodeDataHeader(b []byte) (dataHeader, bool) {
	if len(b) < dataHeaderWireLen {
		return dataHeader{}, false
	}
	var h dataHeader
	h.SessionNumber = wireOrder.Uint16(b[0:2])
	h.ReqNumber = wireOrder.Uint64(b[2:10])
	h.PktIndex = wireOrder.Uint16(b[10:12])
	h.PktCount = wireOrder.Uint16(b[12:14])
	h.Kind = dataPktKind(b[14])
	h.ReqType = b[15]
	return h, true
}
