package msgstream

import "fmt"

// Capacity limits
const (
	MaxInstances = 2 // Concurrently connected seekers
	NonceSize    = 8 // Session nonce length in bytes
)

// State is the lifecycle state of a connection instance
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is delivered to group handlers
type Event int

const (
	EventConnectIncoming Event = iota
	EventLocalConnectConfirmed
	EventIncomingData
	EventDisconnectIncoming
	EventDisconnectConfirmed
)

var eventNames = map[Event]string{
	EventConnectIncoming:       "ConnectIncoming",
	EventLocalConnectConfirmed: "LocalConnectConfirmed",
	EventIncomingData:          "IncomingData",
	EventDisconnectIncoming:    "DisconnectIncoming",
	EventDisconnectConfirmed:   "DisconnectConfirmed",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "Unknown"
}

// NakReason is the first payload byte of a NAK
type NakReason uint8

const (
	NakNotSupported          NakReason = 0x00
	NakDeviceBusy            NakReason = 0x01
	NakNotAllowedDueToState  NakReason = 0x02
	NakIncorrectMac          NakReason = 0x03
	NakRedundantDeviceAction NakReason = 0x04
)

func (r NakReason) String() string {
	switch r {
	case NakNotSupported:
		return "not supported"
	case NakDeviceBusy:
		return "device busy"
	case NakNotAllowedDueToState:
		return "not allowed due to current state"
	case NakIncorrectMac:
		return "incorrect MAC"
	case NakRedundantDeviceAction:
		return "redundant device action"
	default:
		return fmt.Sprintf("reason 0x%02X", uint8(r))
	}
}
