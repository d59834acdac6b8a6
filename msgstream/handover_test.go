package msgstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/auraphone-msgstream/wire/frame"
)

func marshalBlob(t *testing.T, e *Engine, peer string) []byte {
	t.Helper()
	buf := make([]byte, 256)
	n, err := e.HandoverMarshal(peer, buf)
	require.NoError(t, err)
	require.NotZero(t, n)
	return buf[:n]
}

func sizePrefixed(msg []byte) []byte {
	return append(protowire.AppendVarint(nil, uint64(len(msg))), msg...)
}

func TestMarshalWithoutConnectedInstance(t *testing.T) {
	e := NewEngine("primary")
	buf := make([]byte, 64)

	n, err := e.HandoverMarshal(peerA, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Allocated but never confirmed
	require.True(t, e.ConnectIndication(peerA))
	n, err = e.HandoverMarshal(peerA, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarshalBufferTooSmall(t *testing.T) {
	e := NewEngine("primary")
	connect(t, e, peerA, 1)

	_, err := e.HandoverMarshal(peerA, make([]byte, 4))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestHandoverRoundTrip(t *testing.T) {
	primary := NewEngine("primary")
	inst, _ := connect(t, primary, peerA, 0x0041)
	require.NoError(t, primary.SetCachedField(inst.ID, frame.GroupDeviceInfo, []byte{0x01, 0x02}))
	require.NoError(t, primary.SetCachedField(inst.ID, frame.GroupSass, []byte{0x7F}))
	wantNonce, ok := primary.GetSessionNonce(inst.ID)
	require.True(t, ok)

	blob := marshalBlob(t, primary, peerA)
	assert.Equal(t, HandoverMarshalling, primary.Handover().State())

	secondary := NewEngine("secondary")
	link := newFakeLink()
	liveSink := &bytes.Buffer{}
	link.channels[0x0041] = liveSink
	secondary.AttachLink(link)

	// Trailing bytes belong to whatever follows in the outer stream
	consumed, err := secondary.HandoverUnmarshal(peerA, append(append([]byte{}, blob...), 0xEE, 0xEE))
	require.NoError(t, err)
	assert.Equal(t, len(blob), consumed)
	assert.True(t, secondary.Handover().Pending())

	restored := secondary.Table().Find(peerA)
	require.NotNil(t, restored)
	assert.Equal(t, StateConnected, restored.State)
	assert.Equal(t, uint16(0x0041), restored.ChannelID)
	assert.Equal(t, []byte{0x01, 0x02}, secondary.CachedField(restored.ID, frame.GroupDeviceInfo))
	assert.Equal(t, []byte{0x7F}, secondary.CachedField(restored.ID, frame.GroupSass))
	assert.Nil(t, secondary.CachedField(restored.ID, frame.GroupCompanionApp))

	gotNonce, ok := secondary.GetSessionNonce(restored.ID)
	require.True(t, ok)
	assert.Equal(t, wantNonce, gotNonce)

	// Not primary yet: nothing attached
	secondary.HandoverCommit(peerA, false)
	assert.Nil(t, restored.Sink)

	secondary.HandoverCommit(peerA, true)
	assert.Equal(t, HandoverCommitted, secondary.Handover().State())
	require.True(t, secondary.SendAck(frame.GroupDeviceInfo, 1, restored.ID))
	assert.Equal(t, []byte{0xFF, 0x01, 0x00, 0x02, 0x03, 0x01}, liveSink.Bytes())

	secondary.HandoverComplete(true)
	assert.False(t, secondary.Handover().Pending())
	assert.Equal(t, HandoverIdle, secondary.Handover().State())

	// Abort after completion keeps the session
	secondary.HandoverAbort()
	assert.NotNil(t, secondary.Table().Find(peerA))
}

func TestHandoverAbortRollsBack(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 1)
	blob := marshalBlob(t, primary, peerA)

	secondary := NewEngine("secondary")
	_, err := secondary.HandoverUnmarshal(peerA, blob)
	require.NoError(t, err)

	secondary.HandoverComplete(false)
	assert.True(t, secondary.Handover().Pending(), "only the primary clears the marker")

	secondary.HandoverAbort()
	assert.Nil(t, secondary.Table().Find(peerA))
	assert.Zero(t, secondary.Table().ConnectedCount())
	_, ok := secondary.GetSessionNonce(1)
	assert.False(t, ok)
	assert.Equal(t, HandoverAborted, secondary.Handover().State())
}

func TestHandoverAbortKeepsNativeInstances(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 1)
	blob := marshalBlob(t, primary, peerA)

	secondary := NewEngine("secondary")
	native, sink := connect(t, secondary, peerB, 2)
	h := &recordingHandler{}
	require.True(t, secondary.RegisterGroupHandler(frame.GroupDeviceInfo, h))

	_, err := secondary.HandoverUnmarshal(peerA, blob)
	require.NoError(t, err)
	require.Equal(t, 2, secondary.Table().ConnectedCount())

	secondary.HandoverAbort()
	assert.Nil(t, secondary.Table().Find(peerA))
	assert.Same(t, native, secondary.Table().Find(peerB))
	assert.Equal(t, 1, secondary.Table().ConnectedCount())

	// The native seeker is still served
	req, err := frame.Encode(frame.GroupDeviceInfo, 0x0A, nil)
	require.NoError(t, err)
	assert.Equal(t, len(req), secondary.DataDelivered(peerB, req))
	assert.Len(t, h.of(EventIncomingData), 1)

	require.True(t, secondary.SendAck(frame.GroupDeviceInfo, 0x0A, native.ID))
	assert.Equal(t, []byte{0xFF, 0x01, 0x00, 0x02, 0x03, 0x0A}, sink.Bytes())
}

func TestHandoverAbortDiscardsOverwrittenInstance(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 1)
	blob := marshalBlob(t, primary, peerA)

	secondary := NewEngine("secondary")
	connect(t, secondary, peerA, 2)

	_, err := secondary.HandoverUnmarshal(peerA, blob)
	require.NoError(t, err)

	secondary.HandoverAbort()
	assert.Nil(t, secondary.Table().Find(peerA))
}

func TestHandoverCompleteOnSecondaryIsNoop(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 1)
	marshalBlob(t, primary, peerA)

	primary.HandoverComplete(false)
	assert.Equal(t, HandoverMarshalling, primary.Handover().State())
}

func TestDisconnectAfterUncommittedHandover(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 0x0041)
	blob := marshalBlob(t, primary, peerA)

	// The secondary's link never saw channel 0x0041
	secondary := NewEngine("secondary")
	link := newFakeLink()
	link.disconnectErr = errors.New("no link for peer")
	secondary.AttachLink(link)

	_, err := secondary.HandoverUnmarshal(peerA, blob)
	require.NoError(t, err)
	secondary.HandoverCommit(peerA, true)
	assert.NotEqual(t, HandoverCommitted, secondary.Handover().State())
	secondary.HandoverComplete(true)

	assert.Error(t, secondary.Disconnect(peerA))
	assert.Nil(t, secondary.Table().Find(peerA))
	assert.True(t, secondary.ConnectIndication(peerA))
}

func TestHandoverUnmarshalOverwritesExisting(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerA, 9)
	blob := marshalBlob(t, primary, peerA)
	wantNonce, _ := primary.GetSessionNonce(1)

	secondary := NewEngine("secondary")
	connect(t, secondary, peerA, 2)

	_, err := secondary.HandoverUnmarshal(peerA, blob)
	require.NoError(t, err)

	inst := secondary.Table().Find(peerA)
	assert.Equal(t, uint16(9), inst.ChannelID)
	got, _ := secondary.GetSessionNonce(inst.ID)
	assert.Equal(t, wantNonce, got)
}

func TestHandoverUnmarshalRejectedWhenFull(t *testing.T) {
	primary := NewEngine("primary")
	connect(t, primary, peerC, 1)
	blob := marshalBlob(t, primary, peerC)

	secondary := NewEngine("secondary")
	connect(t, secondary, peerA, 1)
	connect(t, secondary, peerB, 2)

	_, err := secondary.HandoverUnmarshal(peerC, blob)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHandoverUnknownFieldsAreSkipped(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldVersion, protowire.VarintType)
	msg = protowire.AppendVarint(msg, handoverVersion)
	msg = protowire.AppendTag(msg, 15, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte("future"))
	msg = protowire.AppendTag(msg, fieldNonce, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	e := NewEngine("secondary")
	_, err := e.HandoverUnmarshal(peerA, sizePrefixed(msg))
	require.NoError(t, err)

	got, _ := e.GetSessionNonce(1)
	assert.Equal(t, [NonceSize]byte{1, 2, 3, 4, 5, 6, 7, 8}, got)
}

func TestHandoverStructuralMismatchPanics(t *testing.T) {
	nonce := func(b []byte) []byte {
		b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
		return protowire.AppendBytes(b, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	}
	version := func(b []byte, v uint64) []byte {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{
			name: "empty",
			blob: nil,
		},
		{
			name: "truncated",
			blob: append(protowire.AppendVarint(nil, 40), 0x08, 0x01),
		},
		{
			name: "garbage tag",
			blob: sizePrefixed([]byte{0xFF, 0xFF, 0xFF}),
		},
		{
			name: "wrong version",
			blob: sizePrefixed(nonce(version(nil, 2))),
		},
		{
			name: "missing version",
			blob: sizePrefixed(nonce(nil)),
		},
		{
			name: "missing nonce",
			blob: sizePrefixed(version(nil, handoverVersion)),
		},
		{
			name: "short nonce",
			blob: sizePrefixed(protowire.AppendBytes(
				protowire.AppendTag(version(nil, handoverVersion), fieldNonce, protowire.BytesType),
				[]byte{1, 2, 3})),
		},
		{
			name: "nonce with wrong wire type",
			blob: sizePrefixed(protowire.AppendVarint(
				protowire.AppendTag(version(nil, handoverVersion), fieldNonce, protowire.VarintType), 5)),
		},
		{
			name: "cached field for reserved group",
			blob: sizePrefixed(nonce(protowire.AppendBytes(
				protowire.AppendTag(version(nil, handoverVersion), fieldCached, protowire.BytesType),
				protowire.AppendVarint(protowire.AppendTag(nil, fieldCachedGroup, protowire.VarintType), 5)))),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine("secondary")

			defer func() {
				r := recover()
				require.NotNil(t, r, "Unmarshal did not panic")
				err, ok := r.(*HandoverMismatchError)
				require.True(t, ok, "panic value %T", r)
				assert.ErrorIs(t, err, ErrHandoverMismatch)
				assert.Nil(t, e.Table().Find(peerA), "nothing restored")
			}()

			_, _ = e.HandoverUnmarshal(peerA, tt.blob)
		})
	}
}

func TestHandoverVetoWhileDispatching(t *testing.T) {
	e := NewEngine("primary")
	connect(t, e, peerA, 1)

	var vetoDuringDispatch bool
	require.True(t, e.RegisterGroupHandler(frame.GroupDeviceInfo, HandlerFunc(func(event Event, instanceID uint8, data []byte) {
		vetoDuringDispatch = e.HandoverVeto()
	})))

	assert.False(t, e.HandoverVeto())
	e.DataDelivered(peerA, []byte{0x03, 0x01, 0x00, 0x00})
	assert.True(t, vetoDuringDispatch)
	assert.False(t, e.HandoverVeto())
}

func TestHandoverVetoWhileSending(t *testing.T) {
	e := NewEngine("primary")
	require.True(t, e.ConnectIndication(peerA))

	var vetoDuringWrite bool
	e.ConnectConfirm(peerA, 1, writerFunc(func(p []byte) (int, error) {
		vetoDuringWrite = e.HandoverVeto()
		return len(p), nil
	}), true)

	require.True(t, e.SendAck(frame.GroupDeviceInfo, 1, 1))
	assert.True(t, vetoDuringWrite)
}

type writerFunc func(p []byte) (int, error)

func (fn writerFunc) Write(p []byte) (int, error) { return fn(p) }
