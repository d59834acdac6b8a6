package wire

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Seeker is the phone side of a link: it dials an accessory, writes frames
// and reads the accessory's responses.
type Seeker struct {
	identity  string
	conn      net.Conn
	channelID uint16
	rx        []byte
	prefix    string
}

// DialSeeker connects to the accessory at socketPath as identity
func DialSeeker(socketPath, identity string) (*Seeker, error) {
	id, err := uuid.Parse(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid seeker identity %q: %w", identity, err)
	}

	conn, err := net.DialTimeout("unix", socketPath, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}
	if err := writeHandshake(conn, id.String()); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ch, err := readChannelID(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Seeker{
		identity:  id.String(),
		conn:      conn,
		channelID: ch,
		prefix:    fmt.Sprintf("%s seeker", util.ShortID(id.String())),
	}
	logger.Info(s.prefix, "✅ Linked to %s on channel 0x%04X", socketPath, ch)
	return s, nil
}

// Identity returns the seeker's normalized identity
func (s *Seeker) Identity() string {
	return s.identity
}

// ChannelID returns the channel the accessory assigned
func (s *Seeker) ChannelID() uint16 {
	return s.channelID
}

// Send encodes and writes one frame
func (s *Seeker) Send(group frame.Group, code uint8, payload []byte) error {
	b, err := frame.Encode(group, code, payload)
	if err != nil {
		return err
	}
	logger.Debug(s.prefix, "📤 TX %s code=0x%02X (%d bytes)", group, code, len(payload))
	return s.WriteRaw(b)
}

// WriteRaw writes b as is, for split or malformed deliveries
func (s *Seeker) WriteRaw(b []byte) error {
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(b), err)
	}
	return nil
}

// ReadFrame returns the next frame from the accessory, waiting at most timeout
func (s *Seeker) ReadFrame(timeout time.Duration) (frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, DefaultReadChunk)

	for {
		if f, n, ok := frame.DecodeRaw(s.rx); ok {
			s.rx = append(s.rx[:0], s.rx[n:]...)
			logger.Debug(s.prefix, "📥 RX %s code=0x%02X (%d bytes)", f.Group, f.Code, len(f.Payload))
			return f, nil
		}

		s.conn.SetReadDeadline(deadline)
		n, err := s.conn.Read(buf)
		s.rx = append(s.rx, buf[:n]...)
		if err != nil {
			if f, m, ok := frame.DecodeRaw(s.rx); ok {
				s.rx = append(s.rx[:0], s.rx[m:]...)
				return f, nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return frame.Frame{}, fmt.Errorf("no frame within %v: %w", timeout, err)
			}
			return frame.Frame{}, err
		}
	}
}

// Close closes the link; the accessory sees a remote disconnect
func (s *Seeker) Close() error {
	return s.conn.Close()
}
