package msgstream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	peerA = "6f1c2a9e-0b1d-4c43-9a55-1f0e2d3c4b5a"
	peerB = "b7e3d4c1-5a6f-4e2d-8c1b-0a9f8e7d6c5b"
	peerC = "0d9c8b7a-6f5e-4d3c-2b1a-09f8e7d6c5b4"
)

type fakeLink struct {
	channels      map[uint16]io.Writer
	disconnected  []string
	disconnectFn  func(peer string)
	disconnectErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{channels: make(map[uint16]io.Writer)}
}

func (l *fakeLink) SinkForChannel(channelID uint16) (io.Writer, bool) {
	w, ok := l.channels[channelID]
	return w, ok
}

func (l *fakeLink) Disconnect(peer string) error {
	l.disconnected = append(l.disconnected, peer)
	if l.disconnectErr != nil {
		return l.disconnectErr
	}
	if l.disconnectFn != nil {
		l.disconnectFn(peer)
	}
	return nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("link buffer exhausted")
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, nil
}

// connect drives an incoming connection through indication and confirm
func connect(t *testing.T, e *Engine, peer string, channelID uint16) (*Instance, *bytes.Buffer) {
	t.Helper()
	require.True(t, e.ConnectIndication(peer), "connect indication for %s", peer)

	sink := &bytes.Buffer{}
	e.ConnectConfirm(peer, channelID, sink, true)

	inst := e.Table().Find(peer)
	require.NotNil(t, inst)
	require.Equal(t, StateConnected, inst.State)
	return inst, sink
}

type recordedEvent struct {
	Event      Event
	InstanceID uint8
	Data       []byte
}

type recordingHandler struct {
	events []recordedEvent
}

func (h *recordingHandler) HandleMessageStreamEvent(event Event, instanceID uint8, data []byte) {
	var cp []byte
	if data != nil {
		cp = append([]byte{}, data...)
	}
	h.events = append(h.events, recordedEvent{Event: event, InstanceID: instanceID, Data: cp})
}

func (h *recordingHandler) of(event Event) []recordedEvent {
	var out []recordedEvent
	for _, ev := range h.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}
