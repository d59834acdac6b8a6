package frame

import (
	"encoding/binary"
	"fmt"
)

// Frame is one message group envelope
// Format: [Group: 1 byte] [Code: 1 byte] [Length: 2 bytes BE] [Payload: N bytes]
type Frame struct {
	Group   Group
	Code    uint8
	Payload []byte
}

// Status is the outcome of a single decode attempt
type Status int

const (
	StatusNeedMoreData Status = iota
	StatusFrame
)

// DecodeResult describes what Decode found at the start of a buffer
type DecodeResult struct {
	Status     Status
	Frame      Frame
	Consumed   int
	Recognized bool
}

// Encode serializes a frame. The only failure is a payload that does not
// fit the 16-bit length field.
func Encode(group Group, code uint8, payload []byte) ([]byte, error) {
	buf, err := Append(make([]byte, 0, HeaderLen+len(payload)), group, code, payload)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Append serializes a frame onto dst and returns the extended slice
func Append(dst []byte, group Group, code uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return dst, fmt.Errorf("frame: payload too large (%d > %d)", len(payload), MaxPayloadLen)
	}

	dst = append(dst, byte(group), code)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// Encode serializes f
func (f *Frame) Encode() ([]byte, error) {
	return Encode(f.Group, f.Code, f.Payload)
}

// Decode extracts one frame from the start of buf.
//
// A group outside the live set is decoded with its length forced to zero and
// flagged unrecognized; the stream cannot be trusted past that point, so the
// declared length is never used to wait for more data.
func Decode(buf []byte) DecodeResult {
	if len(buf) < HeaderLen {
		return DecodeResult{Status: StatusNeedMoreData}
	}

	group := Group(buf[0])
	code := buf[1]

	if !group.IsValid() {
		return DecodeResult{
			Status:   StatusFrame,
			Frame:    Frame{Group: group, Code: code, Payload: buf[HeaderLen:HeaderLen]},
			Consumed: HeaderLen,
		}
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < HeaderLen+length {
		return DecodeResult{Status: StatusNeedMoreData}
	}

	return DecodeResult{
		Status:     StatusFrame,
		Frame:      Frame{Group: group, Code: code, Payload: buf[HeaderLen : HeaderLen+length]},
		Consumed:   HeaderLen + length,
		Recognized: true,
	}
}

// DecodeRaw extracts one frame honouring the length field for every group.
// Seekers use it to read acknowledgement frames. ok is false when buf does
// not yet hold a complete frame.
func DecodeRaw(buf []byte) (f Frame, consumed int, ok bool) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, false
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < HeaderLen+length {
		return Frame{}, 0, false
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderLen:HeaderLen+length])

	return Frame{Group: Group(buf[0]), Code: buf[1], Payload: payload}, HeaderLen + length, true
}
