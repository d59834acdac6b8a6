package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/auraphone-msgstream/msgstream"
	"github.com/user/auraphone-msgstream/wire/frame"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode a captured delivery the way the accessory would",
	Long: `Decode hex bytes as one delivery into the message stream and print every
frame the accessory would dispatch, plus whatever it would drop or keep.
Arguments are concatenated; spaces and colons are ignored.

Examples:
  msgstream decode 03 0A 00 02 AA BB
  msgstream decode ff:01:00:02:03:0a`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseHex(args)
		if err != nil {
			return err
		}
		return runDecode(cmd.OutOrStdout(), data)
	},
}

func parseHex(args []string) ([]byte, error) {
	s := strings.NewReplacer(" ", "", ":", "").Replace(strings.Join(args, ""))
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}

func runDecode(out io.Writer, data []byte) error {
	fmt.Fprintf(out, "=== Delivery: %d bytes ===\n", len(data))

	var r frame.Reassembler
	res := r.Process(data, frame.DispatcherFunc(func(f frame.Frame) {
		fmt.Fprintf(out, "  ✓ %s\n", describeFrame(f))
	}))

	if res.Discarded > 0 {
		fmt.Fprintf(out, "  🗑️  unrecognized group 0x%02X: %d bytes discarded\n", data[res.Consumed-res.Discarded], res.Discarded)
	}
	if pending := len(data) - res.Consumed; pending > 0 {
		fmt.Fprintf(out, "  ⏳ %d bytes kept for the next delivery\n", pending)
	}
	fmt.Fprintf(out, "Frames: %d, consumed: %d\n", res.Dispatched, res.Consumed)
	return nil
}

// describeFrame renders a frame, spelling out ACK/NAK payloads
func describeFrame(f frame.Frame) string {
	s := fmt.Sprintf("%s (0x%02X) code=0x%02X len=%d", f.Group, uint8(f.Group), f.Code, len(f.Payload))
	if len(f.Payload) > 0 {
		s += fmt.Sprintf(" payload=% X", f.Payload)
	}

	if f.Group != frame.GroupAcknowledgement {
		return s
	}
	switch {
	case f.Code == frame.CodeAck && len(f.Payload) >= 2:
		s += fmt.Sprintf(" [ACK %s code=0x%02X]", frame.Group(f.Payload[0]), f.Payload[1])
	case f.Code == frame.CodeNak && len(f.Payload) >= 3:
		s += fmt.Sprintf(" [NAK %s code=0x%02X reason=%s]", frame.Group(f.Payload[1]), f.Payload[2], msgstream.NakReason(f.Payload[0]))
	}
	return s
}
