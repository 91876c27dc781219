package bluez

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SDP ServiceSearchAttribute client, just enough to find the RFCOMM channel
// of a service record.

const (
	sdpPSM = 0x0001

	sdpErrorResponse          = 0x01
	sdpServiceSearchAttrReq   = 0x06
	sdpServiceSearchAttrResp  = 0x07
	sdpMaxAttrByteCount       = 0xFFFF
	sdpMaxContinuationLen     = 16
	attrProtocolDescriptorLst = 0x0004
	protoRFCOMM               = 0x0003
)

// Data element types (high five bits of the descriptor byte).
const (
	deNil  = 0
	deUint = 1
	deInt  = 2
	deUUID = 3
	deStr  = 4
	deBool = 5
	deSeq  = 6
	deAlt  = 7
	deURL  = 8
)

var (
	errSDPMalformed = errors.New("bluez: malformed sdp response")
	errNoRFCOMM     = errors.New("bluez: service record has no rfcomm channel")
)

// baseUUID is the Bluetooth base UUID; short UUIDs replace its first 32 bits.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

type dataElement struct {
	typ   byte
	value []byte
	items []dataElement
}

// shortUUID returns the 16 or 32 bit alias of u, if it has one.
func shortUUID(u uuid.UUID) (uint32, bool) {
	if !bytes.Equal(u[4:], baseUUID[4:]) {
		return 0, false
	}
	return binary.BigEndian.Uint32(u[:4]), true
}

func encodeUUID(u uuid.UUID) []byte {
	if v, ok := shortUUID(u); ok {
		if v <= 0xFFFF {
			return []byte{deUUID<<3 | 1, byte(v >> 8), byte(v)}
		}
		out := []byte{deUUID<<3 | 2, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(out[1:], v)
		return out
	}
	return append([]byte{deUUID<<3 | 4}, u[:]...)
}

// buildSearchAttrRequest encodes a ServiceSearchAttributeRequest for service
// asking only for the ProtocolDescriptorList.
func buildSearchAttrRequest(tid uint16, service uuid.UUID, cont []byte) []byte {
	u := encodeUUID(service)

	var params []byte
	params = append(params, deSeq<<3|5, byte(len(u)))
	params = append(params, u...)
	params = binary.BigEndian.AppendUint16(params, sdpMaxAttrByteCount)
	params = append(params, deSeq<<3|5, 3, deUint<<3|1)
	params = binary.BigEndian.AppendUint16(params, attrProtocolDescriptorLst)
	params = append(params, byte(len(cont)))
	params = append(params, cont...)

	pdu := []byte{sdpServiceSearchAttrReq}
	pdu = binary.BigEndian.AppendUint16(pdu, tid)
	pdu = binary.BigEndian.AppendUint16(pdu, uint16(len(params)))
	return append(pdu, params...)
}

// parseSearchAttrResponse returns the attribute list bytes carried by one
// response PDU and its continuation state.
func parseSearchAttrResponse(pdu []byte, tid uint16) (attrs, cont []byte, err error) {
	if len(pdu) < 5 {
		return nil, nil, errSDPMalformed
	}
	if got := binary.BigEndian.Uint16(pdu[1:3]); got != tid {
		return nil, nil, fmt.Errorf("bluez: sdp transaction %d, want %d", got, tid)
	}
	plen := int(binary.BigEndian.Uint16(pdu[3:5]))
	params := pdu[5:]
	if len(params) < plen {
		return nil, nil, errSDPMalformed
	}
	params = params[:plen]

	switch pdu[0] {
	case sdpErrorResponse:
		if len(params) < 2 {
			return nil, nil, errSDPMalformed
		}
		return nil, nil, fmt.Errorf("bluez: sdp error 0x%04x", binary.BigEndian.Uint16(params))
	case sdpServiceSearchAttrResp:
	default:
		return nil, nil, fmt.Errorf("bluez: unexpected sdp pdu 0x%02x", pdu[0])
	}

	if len(params) < 2 {
		return nil, nil, errSDPMalformed
	}
	n := int(binary.BigEndian.Uint16(params))
	params = params[2:]
	if len(params) < n+1 {
		return nil, nil, errSDPMalformed
	}
	attrs = params[:n]
	clen := int(params[n])
	if clen > sdpMaxContinuationLen || len(params) < n+1+clen {
		return nil, nil, errSDPMalformed
	}
	if clen > 0 {
		cont = append([]byte(nil), params[n+1:n+1+clen]...)
	}
	return attrs, cont, nil
}

// parseDataElement decodes one element from b and returns the number of bytes
// it used.
func parseDataElement(b []byte) (dataElement, int, error) {
	if len(b) == 0 {
		return dataElement{}, 0, errSDPMalformed
	}
	typ := b[0] >> 3
	sizeIdx := b[0] & 0x07
	pos := 1

	var size int
	switch {
	case typ == deNil:
		size = 0
	case sizeIdx <= 4:
		size = 1 << sizeIdx
	default:
		width := 1 << (sizeIdx - 5)
		if len(b) < pos+width {
			return dataElement{}, 0, errSDPMalformed
		}
		switch width {
		case 1:
			size = int(b[pos])
		case 2:
			size = int(binary.BigEndian.Uint16(b[pos:]))
		case 4:
			size = int(binary.BigEndian.Uint32(b[pos:]))
		}
		pos += width
	}
	if size < 0 || len(b) < pos+size {
		return dataElement{}, 0, errSDPMalformed
	}

	el := dataElement{typ: typ, value: b[pos : pos+size]}
	if typ == deSeq || typ == deAlt {
		rest := el.value
		for len(rest) > 0 {
			item, n, err := parseDataElement(rest)
			if err != nil {
				return dataElement{}, 0, err
			}
			el.items = append(el.items, item)
			rest = rest[n:]
		}
	}
	return el, pos + size, nil
}

func (e dataElement) uint() (uint32, bool) {
	if e.typ != deUint {
		return 0, false
	}
	switch len(e.value) {
	case 1:
		return uint32(e.value[0]), true
	case 2:
		return uint32(binary.BigEndian.Uint16(e.value)), true
	case 4:
		return binary.BigEndian.Uint32(e.value), true
	}
	return 0, false
}

func (e dataElement) uuid16() (uint32, bool) {
	if e.typ != deUUID {
		return 0, false
	}
	switch len(e.value) {
	case 2:
		return uint32(binary.BigEndian.Uint16(e.value)), true
	case 4:
		return binary.BigEndian.Uint32(e.value), true
	case 16:
		u, err := uuid.FromBytes(e.value)
		if err != nil {
			return 0, false
		}
		return shortUUID(u)
	}
	return 0, false
}

// rfcommChannel finds the RFCOMM channel in the AttributeLists of a response:
// a sequence of records, each a sequence of (attribute id, value) pairs.
func rfcommChannel(attrLists []byte) (uint8, error) {
	top, _, err := parseDataElement(attrLists)
	if err != nil {
		return 0, err
	}
	if top.typ != deSeq {
		return 0, errSDPMalformed
	}
	for _, record := range top.items {
		if record.typ != deSeq {
			continue
		}
		for i := 0; i+1 < len(record.items); i += 2 {
			id, ok := record.items[i].uint()
			if !ok || id != attrProtocolDescriptorLst {
				continue
			}
			if ch, ok := channelFromProtocols(record.items[i+1]); ok {
				return ch, nil
			}
		}
	}
	return 0, errNoRFCOMM
}

func channelFromProtocols(list dataElement) (uint8, bool) {
	switch list.typ {
	case deAlt:
		for _, alt := range list.items {
			if ch, ok := channelFromProtocols(alt); ok {
				return ch, true
			}
		}
	case deSeq:
		for _, proto := range list.items {
			if proto.typ != deSeq || len(proto.items) < 2 {
				continue
			}
			if id, ok := proto.items[0].uuid16(); !ok || id != protoRFCOMM {
				continue
			}
			if ch, ok := proto.items[1].uint(); ok && ch > 0 && ch <= 30 {
				return uint8(ch), true
			}
		}
	}
	return 0, false
}
