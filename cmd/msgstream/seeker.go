package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/user/auraphone-msgstream/wire"
	"github.com/user/auraphone-msgstream/wire/frame"
)

type seekerOptions struct {
	socket   string
	identity string
	group    uint8
	code     uint8
	payload  string // hex
	wait     time.Duration
}

var seekerOpts seekerOptions

var seekerCmd = &cobra.Command{
	Use:   "seeker",
	Short: "Send one frame to an accessory and print the response",
	Long: `Connect to an accessory as a seeker, send a single frame and print the
frame that comes back.

Examples:
  msgstream seeker -s /tmp/msgstream-9b2f6a1e.sock -g 3 -k 1
  msgstream seeker -s /tmp/msgstream-9b2f6a1e.sock -g 4 -k 1 -p 0102`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()
		return runSeeker(cmd.OutOrStdout(), seekerOpts)
	},
}

func init() {
	seekerCmd.Flags().StringVarP(&seekerOpts.socket, "socket", "s", "", "accessory socket path (required)")
	seekerCmd.Flags().StringVar(&seekerOpts.identity, "id", "", "seeker identity (default: random UUID)")
	seekerCmd.Flags().Uint8VarP(&seekerOpts.group, "group", "g", uint8(frame.GroupDeviceInfo), "message group")
	seekerCmd.Flags().Uint8VarP(&seekerOpts.code, "code", "k", 0x01, "message code")
	seekerCmd.Flags().StringVarP(&seekerOpts.payload, "payload", "p", "", "payload as hex")
	seekerCmd.Flags().DurationVarP(&seekerOpts.wait, "wait", "w", 2*time.Second, "how long to wait for the response")
	seekerCmd.MarkFlagRequired("socket")
}

func runSeeker(out io.Writer, opts seekerOptions) error {
	payload, err := hex.DecodeString(opts.payload)
	if err != nil {
		return fmt.Errorf("invalid payload hex: %w", err)
	}
	if opts.identity == "" {
		opts.identity = uuid.New().String()
	}

	s, err := wire.DialSeeker(opts.socket, opts.identity)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(out, "🔗 Linked as %s on channel 0x%04X\n", s.Identity(), s.ChannelID())

	group := frame.Group(opts.group)
	if err := s.Send(group, opts.code, payload); err != nil {
		return err
	}
	fmt.Fprintf(out, "📤 %s\n", describeFrame(frame.Frame{Group: group, Code: opts.code, Payload: payload}))

	f, err := s.ReadFrame(opts.wait)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📥 %s\n", describeFrame(f))
	return nil
}
