package msgstream

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Instance is one active or pending seeker connection
type Instance struct {
	ID           uint8 // 1-based slot index
	PeerIdentity string
	State        State
	ChannelID    uint16
	Sink         io.Writer // claim+write+flush primitive for this link

	// Cleared once a disconnect has been requested so a racing
	// connect for the same peer is refused instead of duplicated.
	connectionsAllowed bool

	// Opaque per-group state feature modules want carried across handover
	cache [frame.GroupMax][]byte
}

// InstanceTable is a fixed arena of MaxInstances slots
type InstanceTable struct {
	slots  [MaxInstances]*Instance
	nonces *NonceStore
	gauge  prometheus.Gauge
	prefix string
}

// NewInstanceTable creates an empty table bound to a nonce store. The
// connected gauge is labelled with deviceID.
func NewInstanceTable(nonces *NonceStore, deviceID, prefix string) *InstanceTable {
	return &InstanceTable{
		nonces: nonces,
		gauge:  metrics.InstancesConnected.WithLabelValues(deviceID),
		prefix: prefix,
	}
}

// Find returns the instance for peer, or nil
func (t *InstanceTable) Find(peer string) *Instance {
	for _, inst := range t.slots {
		if inst != nil && inst.PeerIdentity == peer {
			return inst
		}
	}
	return nil
}

// Get returns the instance with the given id, or nil
func (t *InstanceTable) Get(instanceID uint8) *Instance {
	i, ok := slot(instanceID)
	if !ok {
		return nil
	}
	return t.slots[i]
}

// CreateOrGet returns the existing instance for peer or allocates a new one
// in StateDisconnected. ErrRejected when every slot is taken.
func (t *InstanceTable) CreateOrGet(peer string) (*Instance, error) {
	if inst := t.Find(peer); inst != nil {
		return inst, nil
	}

	for i, inst := range t.slots {
		if inst != nil {
			continue
		}
		inst = &Instance{
			ID:                 uint8(i + 1),
			PeerIdentity:       peer,
			State:              StateDisconnected,
			connectionsAllowed: true,
		}
		t.slots[i] = inst
		logger.Debug(t.prefix, "➕ Instance %d allocated for %s", inst.ID, util.ShortID(peer))
		return inst, nil
	}

	logger.Warn(t.prefix, "🚫 No free instance for %s (%d live)", util.ShortID(peer), MaxInstances)
	return nil, ErrRejected
}

// SetState moves inst to state. Entering Connected generates the session
// nonce; entering Disconnected clears it and frees the slot.
func (t *InstanceTable) SetState(inst *Instance, state State) {
	if inst == nil {
		return
	}
	if inst.State == state {
		logger.Trace(t.prefix, "Instance %d already %s", inst.ID, state)
		return
	}

	logger.Info(t.prefix, "🔁 Instance %d (%s): %s → %s", inst.ID, util.ShortID(inst.PeerIdentity), inst.State, state)
	inst.State = state

	switch state {
	case StateConnected:
		t.nonces.Generate(inst.ID)
	case StateDisconnected:
		t.nonces.Clear(inst.ID)
		t.Destroy(inst)
	}
	t.updateGauge()
}

// Destroy removes inst from the table. Destroying an instance that is no
// longer in the table is a no-op.
func (t *InstanceTable) Destroy(inst *Instance) {
	if inst == nil {
		return
	}
	i, ok := slot(inst.ID)
	if !ok || t.slots[i] != inst {
		return
	}
	t.slots[i] = nil
	inst.Sink = nil
	logger.Debug(t.prefix, "➖ Instance %d freed (%s)", inst.ID, util.ShortID(inst.PeerIdentity))
	t.updateGauge()
}

// ConnectedCount returns the number of instances in StateConnected
func (t *InstanceTable) ConnectedCount() int {
	n := 0
	for _, inst := range t.slots {
		if inst != nil && inst.State == StateConnected {
			n++
		}
	}
	return n
}

// IsConnected reports whether instanceID is live and connected
func (t *InstanceTable) IsConnected(instanceID uint8) bool {
	inst := t.Get(instanceID)
	return inst != nil && inst.State == StateConnected
}

// Connected returns connected instances in id order
func (t *InstanceTable) Connected() []*Instance {
	var out []*Instance
	for _, inst := range t.slots {
		if inst != nil && inst.State == StateConnected {
			out = append(out, inst)
		}
	}
	return out
}

// Instances returns every live instance in id order
func (t *InstanceTable) Instances() []*Instance {
	var out []*Instance
	for _, inst := range t.slots {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

func (t *InstanceTable) updateGauge() {
	t.gauge.Set(float64(t.ConnectedCount()))
}
