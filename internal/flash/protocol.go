// Copyright 2025 Aviator Labs. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flash

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Bootloader wire protocol.
//
// Every exchange is one framed command and one framed response:
//
//	request:  [SOP][CMD][LEN lo][LEN hi][PAYLOAD...][CKSUM lo][CKSUM hi][EOP]
//	response: [SOP][STATUS][LEN lo][LEN hi][PAYLOAD...][CKSUM lo][CKSUM hi][EOP]
//
// The checksum is the 16-bit two's complement of the byte sum over
// CMD/STATUS, LEN and PAYLOAD.
const (
	startOfFrame = 0x01
	endOfFrame   = 0x17

	// frameOverhead is SOP(1) + CMD/STATUS(1) + LEN(2) + CKSUM(2) + EOP(1).
	frameOverhead = 7

	// maxPayload bounds the LEN field of any frame: the largest legitimate
	// payload is a write command (4-byte offset + one chunk).
	maxPayload = ChunkSize + 8
)

// Command codes.
const (
	cmdSync     = 0x01
	cmdErase    = 0x02
	cmdWrite    = 0x03 // payload: offset(4 LE) + chunk
	cmdReadBack = 0x04 // payload: offset(4 LE) + length(2 LE)
	cmdReset    = 0x05
)

// Response status codes.
const (
	statusOK         = 0x00
	statusEraseFail  = 0x01
	statusWriteFail  = 0x02
	statusRangeError = 0x03
	statusBusy       = 0xFF
)

// ImageOffset is the flash offset the application image is written at. The
// region below it belongs to the bootloader and is never touched.
const ImageOffset = 0x1000

// ChunkSize is the flow-controlled transfer unit for writes and read-backs.
const ChunkSize = 4096

// StatusError reports a non-OK status returned by the bootloader.
type StatusError struct {
	Op     string
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: device returned status %s", e.Op, statusName(e.Status))
}

func statusName(s byte) string {
	switch s {
	case statusOK:
		return "ok"
	case statusEraseFail:
		return "erase failure"
	case statusWriteFail:
		return "write failure"
	case statusRangeError:
		return "range error"
	case statusBusy:
		return "busy"
	default:
		return fmt.Sprintf("0x%02X", s)
	}
}

// frameChecksum computes the two's complement of the 16-bit byte sum over
// the CMD/STATUS, LEN and PAYLOAD fields.
func frameChecksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return ^sum + 1
}

func encodeFrame(cmd byte, payload []byte) []byte {
	f := make([]byte, 0, frameOverhead+len(payload))
	f = append(f, startOfFrame, cmd, byte(len(payload)), byte(len(payload)>>8))
	f = append(f, payload...)
	ck := frameChecksum(f[1:])
	f = append(f, byte(ck), byte(ck>>8), endOfFrame)
	return f
}

// decodeFrame reads one response frame. It returns the status byte and the
// payload, or an error if the frame is malformed.
func decodeFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}
	if hdr[0] != startOfFrame {
		return 0, nil, fmt.Errorf("bad start of frame 0x%02X", hdr[0])
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if n > maxPayload {
		return 0, nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxPayload)
	}
	rest := make([]byte, n+3)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, fmt.Errorf("reading frame body: %w", err)
	}
	if rest[len(rest)-1] != endOfFrame {
		return 0, nil, fmt.Errorf("bad end of frame 0x%02X", rest[len(rest)-1])
	}
	payload := rest[:n]
	ck := binary.LittleEndian.Uint16(rest[n : n+2])
	if want := frameChecksum(append(hdr[1:4:4], payload...)); ck != want {
		return 0, nil, fmt.Errorf("frame checksum 0x%04X, want 0x%04X", ck, want)
	}
	return hdr[1], payload, nil
}

func writePayload(offset uint32, chunk []byte) []byte {
	p := make([]byte, 4, 4+len(chunk))
	binary.LittleEndian.PutUint32(p, offset)
	return append(p, chunk...)
}

func readBackPayload(offset uint32, n int) []byte {
	p := make([]byte, 6)
	binary.LittleEndian.PutUint32(p, offset)
	binary.LittleEndian.PutUint16(p[4:], uint16(n))
	return p
}
