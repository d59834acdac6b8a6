package frame

import (
	"bytes"
	"testing"
)

func TestFrameEncode(t *testing.T) {
	tests := []struct {
		name      string
		group     Group
		code      uint8
		payload   []byte
		wantBytes []byte
	}{
		{
			name:      "empty payload",
			group:     GroupDeviceInfo,
			code:      0x01,
			payload:   nil,
			wantBytes: []byte{0x03, 0x01, 0x00, 0x00},
		},
		{
			name:      "small payload",
			group:     GroupBluetoothEvent,
			code:      0x05,
			payload:   []byte{0x09, 0x09},
			wantBytes: []byte{0x01, 0x05, 0x00, 0x02, 0x09, 0x09},
		},
		{
			name:      "acknowledgement group",
			group:     GroupAcknowledgement,
			code:      CodeAck,
			payload:   []byte{0x03, 0x07},
			wantBytes: []byte{0xFF, 0x01, 0x00, 0x02, 0x03, 0x07},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.group, tt.code, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.wantBytes) {
				t.Errorf("Encode() = %v, want %v", got, tt.wantBytes)
			}
		})
	}
}

func TestEncodeLengthIsBigEndian(t *testing.T) {
	payload := make([]byte, 0x0102)
	got, err := Encode(GroupSass, 0x10, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got[2] != 0x01 || got[3] != 0x02 {
		t.Errorf("length bytes = %02X %02X, want 01 02", got[2], got[3])
	}
	if len(got) != HeaderLen+0x0102 {
		t.Errorf("len = %d", len(got))
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := Encode(GroupDeviceInfo, 0x01, make([]byte, MaxPayloadLen+1)); err == nil {
		t.Error("Encode() accepted an oversized payload")
	}
	if _, err := Encode(GroupDeviceInfo, 0x01, make([]byte, MaxPayloadLen)); err != nil {
		t.Errorf("Encode() rejected a max-size payload: %v", err)
	}
}

func TestRoundTripAllGroups(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0xDE, 0xAD, 0xBE, 0xEF},
		bytes.Repeat([]byte{0xA5}, 300),
	}

	for _, g := range Groups {
		for _, code := range []uint8{0x00, 0x07, 0xFF} {
			for _, p := range payloads {
				encoded, err := Encode(g, code, p)
				if err != nil {
					t.Fatalf("Encode(%v) error = %v", g, err)
				}

				dr := Decode(encoded)
				if dr.Status != StatusFrame || !dr.Recognized {
					t.Fatalf("Decode(%v) status=%v recognized=%v", g, dr.Status, dr.Recognized)
				}
				if dr.Frame.Group != g || dr.Frame.Code != code {
					t.Errorf("header = (%v,%d), want (%v,%d)", dr.Frame.Group, dr.Frame.Code, g, code)
				}
				if !bytes.Equal(dr.Frame.Payload, p) {
					t.Errorf("payload mismatch for group %v len %d", g, len(p))
				}
				if dr.Consumed != HeaderLen+len(p) {
					t.Errorf("Consumed = %d, want %d", dr.Consumed, HeaderLen+len(p))
				}
			}
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name           string
		data           []byte
		wantStatus     Status
		wantRecognized bool
		wantConsumed   int
	}{
		{
			name:       "empty",
			data:       []byte{},
			wantStatus: StatusNeedMoreData,
		},
		{
			name:       "partial header",
			data:       []byte{0x03, 0x01, 0x00},
			wantStatus: StatusNeedMoreData,
		},
		{
			name:       "truncated payload",
			data:       []byte{0x03, 0x01, 0x00, 0x05, 0xAA},
			wantStatus: StatusNeedMoreData,
		},
		{
			name:           "header only",
			data:           []byte{0x04, 0x01, 0x00, 0x00},
			wantStatus:     StatusFrame,
			wantRecognized: true,
			wantConsumed:   4,
		},
		{
			name:           "trailing bytes are left",
			data:           []byte{0x02, 0x08, 0x00, 0x01, 0x01, 0x07, 0x07},
			wantStatus:     StatusFrame,
			wantRecognized: true,
			wantConsumed:   5,
		},
		{
			name:         "unknown group ignores declared length",
			data:         []byte{0x00, 0x01, 0x10, 0x00},
			wantStatus:   StatusFrame,
			wantConsumed: 4,
		},
		{
			name:         "reserved group",
			data:         []byte{0x05, 0x01, 0x00, 0x02, 0x01, 0x02},
			wantStatus:   StatusFrame,
			wantConsumed: 4,
		},
		{
			name:         "max group is invalid",
			data:         []byte{0x08, 0x01, 0x00, 0x00},
			wantStatus:   StatusFrame,
			wantConsumed: 4,
		},
		{
			name:         "acknowledgement group is not accepted inbound",
			data:         []byte{0xFF, 0x01, 0x00, 0x02, 0x03, 0x07},
			wantStatus:   StatusFrame,
			wantConsumed: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dr := Decode(tt.data)
			if dr.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", dr.Status, tt.wantStatus)
			}
			if dr.Recognized != tt.wantRecognized {
				t.Errorf("Recognized = %v, want %v", dr.Recognized, tt.wantRecognized)
			}
			if dr.Consumed != tt.wantConsumed {
				t.Errorf("Consumed = %d, want %d", dr.Consumed, tt.wantConsumed)
			}
			if !dr.Recognized && len(dr.Frame.Payload) != 0 {
				t.Errorf("unrecognized frame carries payload %v", dr.Frame.Payload)
			}
		})
	}
}

func TestDecodeRaw(t *testing.T) {
	data := []byte{0xFF, 0x02, 0x00, 0x03, 0x02, 0x03, 0x07, 0x99}

	f, n, ok := DecodeRaw(data)
	if !ok {
		t.Fatal("DecodeRaw() not ok")
	}
	if n != 7 {
		t.Errorf("consumed = %d, want 7", n)
	}
	if f.Group != GroupAcknowledgement || f.Code != CodeNak {
		t.Errorf("header = (%v,%d)", f.Group, f.Code)
	}
	if !bytes.Equal(f.Payload, []byte{0x02, 0x03, 0x07}) {
		t.Errorf("payload = %v", f.Payload)
	}

	if _, _, ok := DecodeRaw(data[:5]); ok {
		t.Error("DecodeRaw() accepted a truncated frame")
	}
}

func TestGroupValidity(t *testing.T) {
	valid := map[Group]bool{1: true, 2: true, 3: true, 4: true, 7: true}
	for g := 0; g <= 0xFF; g++ {
		if Group(g).IsValid() != valid[Group(g)] {
			t.Errorf("Group(%d).IsValid() = %v", g, Group(g).IsValid())
		}
	}
}
