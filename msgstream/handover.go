package msgstream

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Blob layout: uvarint(len(message)) followed by a protobuf-wire message.
const (
	handoverVersion = 1

	fieldVersion   protowire.Number = 1
	fieldChannelID protowire.Number = 2
	fieldCached    protowire.Number = 3 // nested {1: group, 2: data}, repeated
	fieldNonce     protowire.Number = 4

	fieldCachedGroup protowire.Number = 1
	fieldCachedData  protowire.Number = 2
)

// HandoverState tracks where a handover is
type HandoverState int

const (
	HandoverIdle HandoverState = iota
	HandoverMarshalling
	HandoverCommitted
	HandoverAborted
)

func (s HandoverState) String() string {
	switch s {
	case HandoverMarshalling:
		return "marshalling"
	case HandoverCommitted:
		return "committed"
	case HandoverAborted:
		return "aborted"
	default:
		return "idle"
	}
}

// HandoverSerializer moves one peer's session state to a sibling device
type HandoverSerializer struct {
	table   *InstanceTable
	nonces  *NonceStore
	link    Link
	busy    func() bool
	pending bool // an unmarshal happened and has not completed
	state   HandoverState
	prefix  string

	// Instances created or overwritten by Unmarshal, by slot
	restored [MaxInstances]*Instance
}

// NewHandoverSerializer creates a serializer; busy reports in-flight I/O
func NewHandoverSerializer(table *InstanceTable, nonces *NonceStore, link Link, busy func() bool, prefix string) *HandoverSerializer {
	return &HandoverSerializer{
		table:  table,
		nonces: nonces,
		link:   link,
		busy:   busy,
		prefix: prefix,
	}
}

// State returns the current handover state
func (h *HandoverSerializer) State() HandoverState {
	return h.state
}

// Pending reports whether an unmarshalled instance awaits completion
func (h *HandoverSerializer) Pending() bool {
	return h.pending
}

// Veto is true while a send or receive is mid-flight
func (h *HandoverSerializer) Veto() bool {
	if h.busy != nil && h.busy() {
		logger.Info(h.prefix, "✋ Handover vetoed: message stream busy")
		return true
	}
	return false
}

type handoverSnapshot struct {
	version   uint64
	channelID uint16
	cache     [frame.GroupMax][]byte
	nonce     [NonceSize]byte
	hasNonce  bool
}

// Marshal writes the blob for peer into buf. A peer with no connected
// instance has nothing to transfer: zero bytes, no error.
func (h *HandoverSerializer) Marshal(peer string, buf []byte) (int, error) {
	inst := h.table.Find(peer)
	if inst == nil || inst.State != StateConnected {
		logger.Debug(h.prefix, "Nothing to marshal for %s", util.ShortID(peer))
		return 0, nil
	}

	nonce, ok := h.nonces.Get(inst.ID)
	if !ok {
		return 0, fmt.Errorf("msgstream: instance %d has no session nonce", inst.ID)
	}

	msg := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	msg = protowire.AppendVarint(msg, handoverVersion)
	msg = protowire.AppendTag(msg, fieldChannelID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(inst.ChannelID))
	for _, g := range frame.Groups {
		data := inst.cache[g]
		if data == nil {
			continue
		}
		var nested []byte
		nested = protowire.AppendTag(nested, fieldCachedGroup, protowire.VarintType)
		nested = protowire.AppendVarint(nested, uint64(g))
		nested = protowire.AppendTag(nested, fieldCachedData, protowire.BytesType)
		nested = protowire.AppendBytes(nested, data)

		msg = protowire.AppendTag(msg, fieldCached, protowire.BytesType)
		msg = protowire.AppendBytes(msg, nested)
	}
	msg = protowire.AppendTag(msg, fieldNonce, protowire.BytesType)
	msg = protowire.AppendBytes(msg, nonce[:])

	blob := protowire.AppendVarint(nil, uint64(len(msg)))
	blob = append(blob, msg...)
	if len(blob) > len(buf) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, len(blob), len(buf))
	}

	h.state = HandoverMarshalling
	metrics.HandoverStepsTotal.WithLabelValues("marshal").Inc()
	logger.Info(h.prefix, "📦 Marshalled instance %d (%s): channel=%d, %d bytes",
		inst.ID, util.ShortID(peer), inst.ChannelID, len(blob))
	return copy(buf, blob), nil
}

// Unmarshal restores peer's state from buf as a Connected instance,
// bypassing the accept handshake. It panics with *HandoverMismatchError
// when the blob does not have the expected structure.
func (h *HandoverSerializer) Unmarshal(peer string, buf []byte) (int, error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		h.mismatch(peer, fmt.Sprintf("length prefix: %v", protowire.ParseError(n)))
	}
	if uint64(len(buf)-n) < size {
		h.mismatch(peer, fmt.Sprintf("truncated: declared %d, have %d", size, len(buf)-n))
	}

	snap := h.decode(peer, buf[n:n+int(size)])

	inst, err := h.table.CreateOrGet(peer)
	if err != nil {
		return 0, err
	}

	inst.ChannelID = snap.channelID
	inst.cache = snap.cache
	inst.connectionsAllowed = true
	// Set before the state change so the restored nonce is kept
	h.nonces.Set(inst.ID, snap.nonce)
	h.table.SetState(inst, StateConnected)

	h.restored[inst.ID-1] = inst
	h.pending = true
	h.state = HandoverMarshalling
	metrics.HandoverStepsTotal.WithLabelValues("unmarshal").Inc()
	logger.Info(h.prefix, "📥 Unmarshalled %s into instance %d (channel=%d)", util.ShortID(peer), inst.ID, inst.ChannelID)
	return n + int(size), nil
}

func (h *HandoverSerializer) decode(peer string, msg []byte) handoverSnapshot {
	var snap handoverSnapshot
	hasVersion := false

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			h.mismatch(peer, fmt.Sprintf("tag: %v", protowire.ParseError(n)))
		}
		msg = msg[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			snap.version, n = protowire.ConsumeVarint(msg)
			hasVersion = true
		case num == fieldChannelID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			if n >= 0 && v > 0xFFFF {
				h.mismatch(peer, fmt.Sprintf("channel id %d out of range", v))
			}
			snap.channelID = uint16(v)
		case num == fieldCached && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(msg)
			if n >= 0 {
				g, data := h.decodeCached(peer, b)
				snap.cache[g] = data
			}
		case num == fieldNonce && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(msg)
			if n >= 0 && len(b) != NonceSize {
				h.mismatch(peer, fmt.Sprintf("nonce is %d bytes", len(b)))
			}
			copy(snap.nonce[:], b)
			snap.hasNonce = true
		case num == fieldVersion || num == fieldChannelID || num == fieldCached || num == fieldNonce:
			h.mismatch(peer, fmt.Sprintf("field %d has wire type %d", num, typ))
		default:
			// Newer sibling, field we don't know
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}

		if n < 0 {
			h.mismatch(peer, fmt.Sprintf("field %d: %v", num, protowire.ParseError(n)))
		}
		msg = msg[n:]
	}

	if !hasVersion {
		h.mismatch(peer, "missing version")
	}
	if snap.version != handoverVersion {
		h.mismatch(peer, fmt.Sprintf("version %d, want %d", snap.version, handoverVersion))
	}
	if !snap.hasNonce {
		h.mismatch(peer, "missing session nonce")
	}
	return snap
}

func (h *HandoverSerializer) decodeCached(peer string, b []byte) (frame.Group, []byte) {
	var (
		group frame.Group
		data  = []byte{}
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			h.mismatch(peer, fmt.Sprintf("cached field tag: %v", protowire.ParseError(n)))
		}
		b = b[n:]

		switch {
		case num == fieldCachedGroup && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && !frame.Group(v).IsValid() {
				h.mismatch(peer, fmt.Sprintf("cached field for invalid group %d", v))
			}
			group = frame.Group(v)
		case num == fieldCachedData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			data = append([]byte{}, v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			h.mismatch(peer, fmt.Sprintf("cached field %d: %v", num, protowire.ParseError(n)))
		}
		b = b[n:]
	}

	if !group.IsValid() {
		h.mismatch(peer, "cached field without group")
	}
	return group, data
}

func (h *HandoverSerializer) mismatch(peer, reason string) {
	err := &HandoverMismatchError{Peer: peer, Reason: reason}
	logger.Error(h.prefix, "💥 %v", err)
	metrics.HandoverStepsTotal.WithLabelValues("mismatch").Inc()
	panic(err)
}

// Commit re-attaches the restored instance to the already-negotiated link
// identified by its channel id. Only the new primary does anything.
func (h *HandoverSerializer) Commit(peer string, isPrimary bool) {
	if !isPrimary {
		return
	}

	inst := h.table.Find(peer)
	if inst == nil || inst.State != StateConnected {
		logger.Debug(h.prefix, "Nothing to commit for %s", util.ShortID(peer))
		return
	}
	if h.link == nil {
		logger.Warn(h.prefix, "⚠️  No link to commit instance %d onto", inst.ID)
		return
	}

	sink, ok := h.link.SinkForChannel(inst.ChannelID)
	if !ok {
		logger.Warn(h.prefix, "⚠️  Channel %d not found for %s", inst.ChannelID, util.ShortID(peer))
		return
	}
	inst.Sink = sink

	h.state = HandoverCommitted
	metrics.HandoverStepsTotal.WithLabelValues("commit").Inc()
	logger.Info(h.prefix, "🔗 Instance %d (%s) attached to channel %d", inst.ID, util.ShortID(peer), inst.ChannelID)
}

// Complete ends a handover on the new primary; a no-op elsewhere
func (h *HandoverSerializer) Complete(isPrimary bool) {
	if !isPrimary {
		return
	}
	h.pending = false
	h.restored = [MaxInstances]*Instance{}
	h.state = HandoverIdle
	metrics.HandoverStepsTotal.WithLabelValues("complete").Inc()
}

// Abort rolls back an unmarshal that never completed. Only restored
// instances are destroyed; natively connected ones keep their slot.
func (h *HandoverSerializer) Abort() {
	if h.pending {
		n := 0
		for i, inst := range h.restored {
			if inst != nil && h.table.Get(inst.ID) == inst {
				h.table.Destroy(inst)
				n++
			}
			h.restored[i] = nil
		}
		logger.Warn(h.prefix, "↩️  Handover aborted, discarded %d restored instance(s)", n)
		h.nonces.ClearAll()
		h.pending = false
	}
	h.state = HandoverAborted
	metrics.HandoverStepsTotal.WithLabelValues("abort").Inc()
}
