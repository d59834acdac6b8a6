package msgstream

import (
	"fmt"
	"io"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Link is the transport underneath the engine
type Link interface {
	// SinkForChannel returns the writer of an already-established channel
	SinkForChannel(channelID uint16) (io.Writer, bool)
	// Disconnect asks the transport to close peer's link; the transport
	// answers later with DisconnectConfirm
	Disconnect(peer string) error
}

// Engine owns every piece of message stream state for one accessory.
//
// Engine is not safe for concurrent use. All calls, including the
// transport events, must come from one goroutine; wire.SocketWire runs
// them on its event loop.
type Engine struct {
	deviceID string
	prefix   string

	nonces      *NonceStore
	table       *InstanceTable
	router      *MessageRouter
	responses   *ResponseBuilder
	handover    *HandoverSerializer
	reassembler frame.Reassembler
	link        Link
}

// NewEngine creates an engine with empty tables and no link
func NewEngine(deviceID string) *Engine {
	prefix := fmt.Sprintf("%s msgstream", util.ShortID(deviceID))

	e := &Engine{
		deviceID: deviceID,
		prefix:   prefix,
	}
	e.nonces = NewNonceStore(prefix)
	e.table = NewInstanceTable(e.nonces, deviceID, prefix)
	e.router = NewMessageRouter(prefix)
	e.responses = NewResponseBuilder(e.table, prefix)
	e.handover = NewHandoverSerializer(e.table, e.nonces, nil, e.busy, prefix)
	return e
}

// AttachLink binds the transport used for disconnects and handover commit
func (e *Engine) AttachLink(link Link) {
	e.link = link
	e.handover.link = link
}

// DeviceID returns the accessory identity
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Table exposes the instance table
func (e *Engine) Table() *InstanceTable {
	return e.table
}

func (e *Engine) busy() bool {
	return e.reassembler.Busy() || e.responses.Busy()
}

// ─── Transport events ───

// ConnectIndication decides whether to accept an incoming link from peer
func (e *Engine) ConnectIndication(peer string) bool {
	if inst := e.table.Find(peer); inst != nil {
		if !inst.connectionsAllowed {
			metrics.ConnectionsRejectedTotal.WithLabelValues("disconnecting").Inc()
			logger.Warn(e.prefix, "🚫 Rejecting %s: disconnect in progress on instance %d", util.ShortID(peer), inst.ID)
			return false
		}
		if inst.State == StateConnected {
			metrics.ConnectionsRejectedTotal.WithLabelValues("duplicate").Inc()
			logger.Warn(e.prefix, "🚫 Rejecting %s: already connected on instance %d", util.ShortID(peer), inst.ID)
			return false
		}
	}

	if _, err := e.table.CreateOrGet(peer); err != nil {
		metrics.ConnectionsRejectedTotal.WithLabelValues("capacity").Inc()
		return false
	}

	logger.Info(e.prefix, "📞 Accepting connection from %s", util.ShortID(peer))
	return true
}

// ConnectConfirm completes an accepted incoming connection
func (e *Engine) ConnectConfirm(peer string, channelID uint16, sink io.Writer, ok bool) {
	e.confirm(peer, channelID, sink, ok, EventConnectIncoming)
}

// LocalConnect reserves an instance for an outbound connection to peer
func (e *Engine) LocalConnect(peer string) error {
	if _, err := e.table.CreateOrGet(peer); err != nil {
		return err
	}
	logger.Info(e.prefix, "🔌 Connecting to %s", util.ShortID(peer))
	return nil
}

// LocalConnectConfirm completes an outbound connection
func (e *Engine) LocalConnectConfirm(peer string, channelID uint16, sink io.Writer, ok bool) {
	e.confirm(peer, channelID, sink, ok, EventLocalConnectConfirmed)
}

func (e *Engine) confirm(peer string, channelID uint16, sink io.Writer, ok bool, event Event) {
	inst := e.table.Find(peer)
	if inst == nil {
		logger.Warn(e.prefix, "⚠️  %s for %s without an instance", event, util.ShortID(peer))
		return
	}
	if !ok {
		logger.Warn(e.prefix, "❌ Connection to %s failed", util.ShortID(peer))
		e.table.Destroy(inst)
		return
	}

	inst.ChannelID = channelID
	inst.Sink = sink
	e.table.SetState(inst, StateConnected)

	logger.Info(e.prefix, "✅ %s connected on instance %d (channel %d)", util.ShortID(peer), inst.ID, channelID)
	e.router.Broadcast(event, inst.ID, nil)
}

// DataDelivered consumes complete frames from buf on behalf of peer and
// returns how many leading bytes the transport may drop.
func (e *Engine) DataDelivered(peer string, buf []byte) int {
	inst := e.table.Find(peer)
	if inst == nil || inst.State != StateConnected {
		logger.Warn(e.prefix, "⚠️  Dropping %d bytes from unconnected %s", len(buf), util.ShortID(peer))
		return len(buf)
	}

	logger.Trace(e.prefix, "📥 RX %d bytes from %s: % X", len(buf), util.ShortID(peer), buf)

	id := inst.ID
	res := e.reassembler.Process(buf, frame.DispatcherFunc(func(f frame.Frame) {
		_ = e.router.RouteIncoming(f.Group, id, f.Code, f.Payload)
	}))

	if res.Discarded > 0 {
		metrics.BytesDiscardedTotal.Add(float64(res.Discarded))
		logger.Warn(e.prefix, "🗑️  Unrecognized group from %s, discarded %d bytes", util.ShortID(peer), res.Discarded)
	}
	return res.Consumed
}

// Disconnect requests that peer's link be closed. Incoming connections for
// the same peer are refused until the disconnect completes. When the link
// cannot close it, no confirm will follow and the instance is torn down
// here instead.
func (e *Engine) Disconnect(peer string) error {
	inst := e.table.Find(peer)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, util.ShortID(peer))
	}
	inst.connectionsAllowed = false

	err := ErrNoLink
	if e.link != nil {
		logger.Info(e.prefix, "🔌 Disconnecting %s (instance %d)", util.ShortID(peer), inst.ID)
		err = e.link.Disconnect(peer)
	}
	if err != nil {
		logger.Warn(e.prefix, "⚠️  Link could not close %s, releasing instance %d: %v", util.ShortID(peer), inst.ID, err)
		e.disconnected(peer, EventDisconnectConfirmed)
		return err
	}
	return nil
}

// DisconnectIndication handles a link the seeker closed
func (e *Engine) DisconnectIndication(peer string) {
	e.disconnected(peer, EventDisconnectIncoming)
}

// DisconnectConfirm handles a link closed at our request
func (e *Engine) DisconnectConfirm(peer string) {
	e.disconnected(peer, EventDisconnectConfirmed)
}

func (e *Engine) disconnected(peer string, event Event) {
	inst := e.table.Find(peer)
	if inst == nil {
		logger.Debug(e.prefix, "%s for unknown %s", event, util.ShortID(peer))
		return
	}
	inst.connectionsAllowed = false

	if inst.State == StateConnected {
		e.router.Broadcast(event, inst.ID, nil)
	}
	e.table.SetState(inst, StateDisconnected)
	// A half-open instance never reached Connected, free it too
	e.table.Destroy(inst)

	logger.Info(e.prefix, "👋 %s disconnected (%s)", util.ShortID(peer), event)
}

// ─── Registration and sending ───

// RegisterGroupHandler installs the feature module handler for group
func (e *Engine) RegisterGroupHandler(group frame.Group, h Handler) bool {
	return e.router.Register(group, h)
}

// Send writes one frame to instanceID
func (e *Engine) Send(group frame.Group, code uint8, payload []byte, instanceID uint8) bool {
	return e.responses.Send(group, code, payload, instanceID)
}

// SendToAll writes one frame to every connected instance
func (e *Engine) SendToAll(group frame.Group, code uint8, payload []byte) {
	e.responses.SendToAll(group, code, payload)
}

// SendAck acknowledges (group, code) to instanceID
func (e *Engine) SendAck(group frame.Group, code uint8, instanceID uint8) bool {
	return e.responses.SendAck(group, code, instanceID)
}

// SendAckWithData acknowledges (group, code) with extra bytes
func (e *Engine) SendAckWithData(group frame.Group, code uint8, extra []byte, instanceID uint8) bool {
	return e.responses.SendAckWithData(group, code, extra, instanceID)
}

// SendNak refuses (group, code) to instanceID
func (e *Engine) SendNak(group frame.Group, code uint8, reason NakReason, instanceID uint8) bool {
	return e.responses.SendNak(group, code, reason, instanceID)
}

// SendResponse answers a request from instanceID
func (e *Engine) SendResponse(group frame.Group, code uint8, data []byte, instanceID uint8) bool {
	return e.responses.SendResponse(group, code, data, instanceID)
}

// ─── Session nonces ───

// GetSessionNonce returns the nonce of a 1-based instance id
func (e *Engine) GetSessionNonce(instanceID uint8) ([NonceSize]byte, bool) {
	return e.nonces.Get(instanceID)
}

// SetSessionNonce overwrites the nonce of instanceID
func (e *Engine) SetSessionNonce(instanceID uint8, nonce [NonceSize]byte) {
	e.nonces.Set(instanceID, nonce)
}

// FreeAllSessionNonces clears every nonce
func (e *Engine) FreeAllSessionNonces() {
	e.nonces.ClearAll()
}

// ─── Feature module cache ───

// SetCachedField stores opaque per-instance state for group; it travels
// with the instance on handover. nil data removes the entry.
func (e *Engine) SetCachedField(instanceID uint8, group frame.Group, data []byte) error {
	inst := e.table.Get(instanceID)
	if inst == nil {
		return fmt.Errorf("%w: instance %d", ErrUnknownPeer, instanceID)
	}
	if !group.IsValid() {
		return fmt.Errorf("msgstream: invalid group 0x%02X", uint8(group))
	}
	if data == nil {
		inst.cache[group] = nil
		return nil
	}
	inst.cache[group] = append([]byte{}, data...)
	return nil
}

// CachedField returns the cached state for group on instanceID
func (e *Engine) CachedField(instanceID uint8, group frame.Group) []byte {
	inst := e.table.Get(instanceID)
	if inst == nil || !group.IsValid() {
		return nil
	}
	return inst.cache[group]
}

// ─── Handover ───

// HandoverVeto reports whether a handover must wait
func (e *Engine) HandoverVeto() bool {
	return e.handover.Veto()
}

// HandoverMarshal serializes peer's session into buf
func (e *Engine) HandoverMarshal(peer string, buf []byte) (int, error) {
	return e.handover.Marshal(peer, buf)
}

// HandoverUnmarshal restores peer's session from buf
func (e *Engine) HandoverUnmarshal(peer string, buf []byte) (int, error) {
	return e.handover.Unmarshal(peer, buf)
}

// HandoverCommit attaches restored state to the live link
func (e *Engine) HandoverCommit(peer string, isPrimary bool) {
	e.handover.Commit(peer, isPrimary)
}

// HandoverComplete finishes a handover
func (e *Engine) HandoverComplete(isPrimary bool) {
	e.handover.Complete(isPrimary)
}

// HandoverAbort rolls back an incomplete handover
func (e *Engine) HandoverAbort() {
	e.handover.Abort()
}

// Handover exposes the serializer state machine
func (e *Engine) Handover() *HandoverSerializer {
	return e.handover
}
