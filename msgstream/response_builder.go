package msgstream

import (
	"io"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/frame"
)

// Frames up to this size are built without a heap allocation
const scratchFrameLen = 64

// ResponseBuilder writes outbound frames to connected instances
type ResponseBuilder struct {
	table  *InstanceTable
	busy   bool
	prefix string
}

// NewResponseBuilder creates a builder sending through table's sinks
func NewResponseBuilder(table *InstanceTable, prefix string) *ResponseBuilder {
	return &ResponseBuilder{table: table, prefix: prefix}
}

// Busy reports whether a send is in progress
func (rb *ResponseBuilder) Busy() bool {
	return rb.busy
}

// Send encodes one frame and writes it to instanceID's sink in a single
// write. Returns false if the instance has no sink, the payload does not
// fit, or the write fails; nothing is retried.
func (rb *ResponseBuilder) Send(group frame.Group, code uint8, payload []byte, instanceID uint8) bool {
	inst := rb.table.Get(instanceID)
	if inst == nil || inst.Sink == nil {
		metrics.SendFailuresTotal.WithLabelValues("no_sink").Inc()
		logger.Warn(rb.prefix, "⚠️  Send %s code=0x%02X dropped: instance %d has no sink", group, code, instanceID)
		return false
	}

	var scratch [scratchFrameLen]byte
	buf, err := frame.Append(scratch[:0], group, code, payload)
	if err != nil {
		metrics.SendFailuresTotal.WithLabelValues("encode").Inc()
		logger.Warn(rb.prefix, "⚠️  Send %s code=0x%02X dropped: %v", group, code, err)
		return false
	}

	rb.busy = true
	n, err := inst.Sink.Write(buf)
	rb.busy = false

	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		metrics.SendFailuresTotal.WithLabelValues("write").Inc()
		logger.Warn(rb.prefix, "❌ Send to %s failed: %v", util.ShortID(inst.PeerIdentity), err)
		return false
	}

	metrics.FramesSentTotal.WithLabelValues(group.String()).Inc()
	logger.Trace(rb.prefix, "📤 TX %s code=0x%02X → instance %d (% X)", group, code, instanceID, buf)
	return true
}

// SendToAll writes the same frame to every connected instance
func (rb *ResponseBuilder) SendToAll(group frame.Group, code uint8, payload []byte) {
	connected := rb.table.Connected()
	if len(connected) == 0 {
		logger.Debug(rb.prefix, "No connected instances, %s code=0x%02X not sent", group, code)
		return
	}
	for _, inst := range connected {
		rb.Send(group, code, payload, inst.ID)
	}
}

// SendAck acknowledges (group, code)
func (rb *ResponseBuilder) SendAck(group frame.Group, code uint8, instanceID uint8) bool {
	return rb.Send(frame.GroupAcknowledgement, frame.CodeAck, []byte{byte(group), code}, instanceID)
}

// SendAckWithData acknowledges (group, code) with extra trailing bytes
func (rb *ResponseBuilder) SendAckWithData(group frame.Group, code uint8, extra []byte, instanceID uint8) bool {
	return rb.Send(frame.GroupAcknowledgement, frame.CodeAck, ackPayload(group, code, extra), instanceID)
}

// SendNak refuses (group, code) with reason
func (rb *ResponseBuilder) SendNak(group frame.Group, code uint8, reason NakReason, instanceID uint8) bool {
	return rb.Send(frame.GroupAcknowledgement, frame.CodeNak, []byte{byte(reason), byte(group), code}, instanceID)
}

// SendResponse answers a request. Framing matches SendAckWithData.
func (rb *ResponseBuilder) SendResponse(group frame.Group, code uint8, data []byte, instanceID uint8) bool {
	return rb.Send(frame.GroupAcknowledgement, frame.CodeAck, ackPayload(group, code, data), instanceID)
}

func ackPayload(group frame.Group, code uint8, extra []byte) []byte {
	p := make([]byte, 0, 2+len(extra))
	p = append(p, byte(group), code)
	return append(p, extra...)
}
