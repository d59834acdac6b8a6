package frame

// Group is the message group byte at offset 0 of every frame
type Group uint8

// Message groups routed to feature modules
const (
	GroupUnknown        Group = 0x00 // Invalid
	GroupBluetoothEvent Group = 0x01
	GroupCompanionApp   Group = 0x02
	GroupDeviceInfo     Group = 0x03
	GroupDeviceAction   Group = 0x04
	// 0x05 and 0x06 are reserved
	GroupSass Group = 0x07
	GroupMax  Group = 0x08 // Exclusive upper bound, invalid

	// GroupAcknowledgement carries ACK/NAK responses from the accessory
	GroupAcknowledgement Group = 0xFF
)

// Codes inside GroupAcknowledgement
const (
	CodeAck uint8 = 0x01
	CodeNak uint8 = 0x02
)

// Wire layout
const (
	HeaderLen     = 4 // Group (1) + Code (1) + Length (2, big-endian)
	MaxPayloadLen = 0xFFFF
)

// Groups lists the live group ids in ascending order
var Groups = []Group{
	GroupBluetoothEvent,
	GroupCompanionApp,
	GroupDeviceInfo,
	GroupDeviceAction,
	GroupSass,
}

// GroupNames maps groups to human-readable names for logs
var GroupNames = map[Group]string{
	GroupUnknown:         "Unknown",
	GroupBluetoothEvent:  "Bluetooth Event",
	GroupCompanionApp:    "Companion App Event",
	GroupDeviceInfo:      "Device Information Event",
	GroupDeviceAction:    "Device Action Event",
	GroupSass:            "SASS Event",
	GroupAcknowledgement: "Acknowledgement",
}

// IsValid reports whether g is one of the live group ids
func (g Group) IsValid() bool {
	switch g {
	case GroupBluetoothEvent, GroupCompanionApp, GroupDeviceInfo, GroupDeviceAction, GroupSass:
		return true
	default:
		return false
	}
}

func (g Group) String() string {
	if name, ok := GroupNames[g]; ok {
		return name
	}
	return "Reserved"
}
