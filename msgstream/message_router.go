package msgstream

import (
	"encoding/binary"
	"fmt"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Handler is implemented by the feature module that owns a message group.
//
// For EventIncomingData, data is the frame without its group byte:
// [code, length hi, length lo, payload...]. Lifecycle events carry nil.
type Handler interface {
	HandleMessageStreamEvent(event Event, instanceID uint8, data []byte)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(event Event, instanceID uint8, data []byte)

func (fn HandlerFunc) HandleMessageStreamEvent(event Event, instanceID uint8, data []byte) {
	fn(event, instanceID, data)
}

// MessageRouter maps each live group to at most one handler
type MessageRouter struct {
	handlers [frame.GroupMax]Handler
	prefix   string
}

// NewMessageRouter creates a router with no handlers
func NewMessageRouter(prefix string) *MessageRouter {
	return &MessageRouter{prefix: prefix}
}

// Register installs h for group, replacing any previous handler.
// Returns false for groups outside the live set.
func (mr *MessageRouter) Register(group frame.Group, h Handler) bool {
	if !group.IsValid() || h == nil {
		logger.Warn(mr.prefix, "⚠️  Refusing handler registration for group 0x%02X", uint8(group))
		return false
	}
	mr.handlers[group] = h
	logger.Debug(mr.prefix, "📋 Handler registered for %s", group)
	return true
}

// RouteIncoming hands one inbound frame to its group's handler
func (mr *MessageRouter) RouteIncoming(group frame.Group, instanceID uint8, code uint8, payload []byte) error {
	var h Handler
	if group.IsValid() {
		h = mr.handlers[group]
	}
	if h == nil {
		metrics.FramesUnroutedTotal.WithLabelValues(group.String()).Inc()
		logger.Debug(mr.prefix, "📭 No handler for %s (code=0x%02X, instance %d)", group, code, instanceID)
		return fmt.Errorf("%w: 0x%02X", ErrHandlerNotRegistered, uint8(group))
	}

	// Handlers parse the sub-header themselves
	data := make([]byte, 3+len(payload))
	data[0] = code
	binary.BigEndian.PutUint16(data[1:3], uint16(len(payload)))
	copy(data[3:], payload)

	metrics.FramesDispatchedTotal.WithLabelValues(group.String()).Inc()
	logger.Debug(mr.prefix, "📨 %s code=0x%02X → instance %d (%d bytes)", group, code, instanceID, len(payload))
	h.HandleMessageStreamEvent(EventIncomingData, instanceID, data)
	return nil
}

// Broadcast delivers a lifecycle event to every registered handler in
// ascending group order
func (mr *MessageRouter) Broadcast(event Event, instanceID uint8, data []byte) {
	if event == EventIncomingData {
		logger.Warn(mr.prefix, "⚠️  IncomingData is never broadcast")
		return
	}

	logger.Trace(mr.prefix, "📣 Broadcast %s for instance %d", event, instanceID)
	for _, group := range frame.Groups {
		if h := mr.handlers[group]; h != nil {
			h.HandleMessageStreamEvent(event, instanceID, data)
		}
	}
}
