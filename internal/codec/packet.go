// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package codec implements the SFU wire framing: this is the only place
// in the module that produces or parses it.
package codec

import (
	"encoding/binary"
	"fmt"
)

// headerSize is four bytes each for sequence number, timestamp, and the
// payload length prefix.
const headerSize = 12

// Packet is a decoded SFU frame: a sequence number, a timestamp, and an
// opaque payload. Both fields may legitimately be zero.
type Packet struct {
	Sequence  uint32
	Timestamp uint32
	Payload   []byte
}

// Encode produces a self-contained framed message. The payload is
// copied into the output buffer, so callers may reuse p.Payload's
// backing array after Encode returns.
func Encode(p Packet) []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	copy(buf[headerSize:], p.Payload)
	return buf
}

// Decode parses a framed message. The returned Payload is a fresh copy,
// never a view into frame, and its trailing byte is truncated if the
// payload length is odd (per , mirroring the transcoder's
// even-byte rule for PCM payloads).
func Decode(frame []byte) (Packet, error) {
	if len(frame) < headerSize {
		return Packet{}, fmt.Errorf("packet: frame too short: %d bytes", len(frame))
	}
	seq := binary.BigEndian.Uint32(frame[0:4])
	ts := binary.BigEndian.Uint32(frame[4:8])
	payloadLen := binary.BigEndian.Uint32(frame[8:12])
	if int(payloadLen) != len(frame)-headerSize {
		return Packet{}, fmt.Errorf("packet: declared payload length %d does not match frame (%d bytes available)", payloadLen, len(frame)-headerSize)
	}

	n := int(payloadLen)
	if n%2 != 0 {
		n--
	}
	payload := make([]byte, n)
	copy(payload, frame[headerSize:headerSize+n])

	return Packet{Sequence: seq, Timestamp: ts, Payload: payload}, nil
}
