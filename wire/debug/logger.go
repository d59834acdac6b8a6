package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// DebugLogger writes human-readable JSON logs of message stream traffic.
// These files are WRITE-ONLY and never read by production code.
type DebugLogger struct {
	deviceID string
	debugDir string
	enabled  bool
	mu       sync.Mutex
}

// FrameLog represents one logged frame, or the unparsed tail of a delivery
type FrameLog struct {
	Timestamp  string `json:"timestamp"`
	Direction  string `json:"direction"` // "tx" or "rx"
	PeerID     string `json:"peer_id"`
	ChannelID  string `json:"channel_id"`
	Group      string `json:"group,omitempty"`
	GroupName  string `json:"group_name,omitempty"`
	Code       string `json:"code,omitempty"`
	PayloadLen int    `json:"payload_len"`
	PayloadHex string `json:"payload_hex,omitempty"`
	Unparsed   bool   `json:"unparsed,omitempty"`
}

// ConnectionEvent represents a link lifecycle event
type ConnectionEvent struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // socket_created, handshake_failed, link_accepted, link_rejected, link_closed, ...
	PeerID    string            `json:"peer_id,omitempty"`
	ChannelID uint16            `json:"channel_id,omitempty"`
	Path      string            `json:"path,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewDebugLogger creates a debug logger for a device. A disabled logger
// accepts every call and writes nothing.
func NewDebugLogger(deviceID string, enabled bool) *DebugLogger {
	if !enabled {
		return &DebugLogger{enabled: false}
	}

	debugDir := filepath.Join(util.GetDeviceDir(deviceID), "debug")
	os.MkdirAll(debugDir, 0755)

	return &DebugLogger{
		deviceID: deviceID,
		debugDir: debugDir,
		enabled:  enabled,
	}
}

// Enabled reports whether anything is written
func (d *DebugLogger) Enabled() bool {
	return d != nil && d.enabled
}

// Dir returns the directory the JSONL files go to
func (d *DebugLogger) Dir() string {
	return d.debugDir
}

// LogFrames splits data into frames and logs each to debug/frames.jsonl.
// Bytes that do not form a whole frame are logged as one unparsed entry.
func (d *DebugLogger) LogFrames(direction, peerID string, channelID uint16, data []byte) {
	if !d.Enabled() || len(data) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	for len(data) > 0 {
		f, n, ok := frame.DecodeRaw(data)
		if !ok {
			d.appendJSONL("frames.jsonl", FrameLog{
				Timestamp:  now,
				Direction:  direction,
				PeerID:     peerID,
				ChannelID:  fmt.Sprintf("0x%04X", channelID),
				PayloadLen: len(data),
				PayloadHex: hex.EncodeToString(data),
				Unparsed:   true,
			})
			return
		}

		entry := FrameLog{
			Timestamp:  now,
			Direction:  direction,
			PeerID:     peerID,
			ChannelID:  fmt.Sprintf("0x%04X", channelID),
			Group:      fmt.Sprintf("0x%02X", uint8(f.Group)),
			GroupName:  f.Group.String(),
			Code:       fmt.Sprintf("0x%02X", f.Code),
			PayloadLen: len(f.Payload),
		}
		if len(f.Payload) > 0 {
			entry.PayloadHex = hex.EncodeToString(f.Payload)
		}
		d.appendJSONL("frames.jsonl", entry)
		data = data[n:]
	}
}

// LogConnectionEvent appends ev to debug/connection_events.jsonl
func (d *DebugLogger) LogConnectionEvent(ev ConnectionEvent) {
	if !d.Enabled() {
		return
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendJSONL("connection_events.jsonl", ev)
}

// appendJSONL appends a JSON line to a file
func (d *DebugLogger) appendJSONL(filename string, data interface{}) {
	path := filepath.Join(d.debugDir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // Silently fail - debug logging is best-effort
	}
	defer f.Close()

	line, err := json.Marshal(data)
	if err != nil {
		return
	}

	f.Write(append(line, '\n'))
}
