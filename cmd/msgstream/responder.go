package main

import (
	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/msgstream"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// responder stands in for the feature modules: it ACKs every request on
// its group and NAKs the codes it was told to refuse.
type responder struct {
	engine *msgstream.Engine
	group  frame.Group
	refuse map[uint8]msgstream.NakReason
	prefix string
}

// registerResponders installs a responder on every live group
func registerResponders(e *msgstream.Engine, prefix string) {
	for _, g := range frame.Groups {
		r := &responder{engine: e, group: g, prefix: prefix}
		if g == frame.GroupDeviceAction {
			// No actions are wired on the simulated accessory
			r.refuse = map[uint8]msgstream.NakReason{0x01: msgstream.NakNotSupported}
		}
		e.RegisterGroupHandler(g, r)
	}
}

func (r *responder) HandleMessageStreamEvent(event msgstream.Event, instanceID uint8, data []byte) {
	if event != msgstream.EventIncomingData {
		if r.group == frame.GroupBluetoothEvent {
			logger.Info(r.prefix, "📣 %s on instance %d", event, instanceID)
		}
		return
	}

	code := data[0]
	logger.Debug(r.prefix, "📥 %s code=0x%02X (%d bytes)", r.group, code, len(data)-3)

	if reason, ok := r.refuse[code]; ok {
		r.engine.SendNak(r.group, code, reason, instanceID)
		return
	}
	r.engine.SendAck(r.group, code, instanceID)
}
