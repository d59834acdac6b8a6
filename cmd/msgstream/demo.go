package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/user/auraphone-msgstream/msgstream"
	"github.com/user/auraphone-msgstream/wire"
	"github.com/user/auraphone-msgstream/wire/frame"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Hand a live seeker session from one in-process accessory to another",
	Long: `Run two accessory engines in one process, connect a seeker to the first,
exchange a request, then marshal the session and restore it on the second.
The seeker keeps its channel and session nonce across the handover.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()
		return runDemo(cmd.OutOrStdout())
	},
}

// memLink is the already-negotiated channel both accessories can reach
type memLink struct {
	channels map[uint16]io.Writer
}

func (l *memLink) SinkForChannel(channelID uint16) (io.Writer, bool) {
	w, ok := l.channels[channelID]
	return w, ok
}

func (l *memLink) Disconnect(peer string) error {
	return fmt.Errorf("demo link cannot disconnect %s", peer)
}

func runDemo(out io.Writer) error {
	var (
		primaryID   = uuid.New().String()
		secondaryID = uuid.New().String()
		seeker      = uuid.New().String()
		channel     = wire.FirstDynamicChannel
		air         = &bytes.Buffer{} // bytes on their way to the seeker
	)
	link := &memLink{channels: map[uint16]io.Writer{channel: air}}

	primary := msgstream.NewEngine(primaryID)
	registerResponders(primary, "demo primary")
	primary.AttachLink(link)

	fmt.Fprintln(out, "=== 1. Seeker connects to the primary ===")
	if !primary.ConnectIndication(seeker) {
		return fmt.Errorf("primary refused the seeker")
	}
	primary.ConnectConfirm(seeker, channel, air, true)
	inst := primary.Table().Find(seeker)
	nonce, ok := primary.GetSessionNonce(inst.ID)
	if !ok {
		return fmt.Errorf("no session nonce after connect")
	}
	fmt.Fprintf(out, "Instance %d on channel 0x%04X, nonce % X\n", inst.ID, channel, nonce)

	fmt.Fprintln(out, "=== 2. Seeker asks for device information ===")
	req, err := frame.Encode(frame.GroupDeviceInfo, 0x0A, []byte{0x01})
	if err != nil {
		return err
	}
	primary.DataDelivered(seeker, req)
	if err := printResponses(out, air); err != nil {
		return err
	}
	if err := primary.SetCachedField(inst.ID, frame.GroupSass, []byte{0x01, 0x42}); err != nil {
		return err
	}

	fmt.Fprintln(out, "=== 3. Primary marshals the session ===")
	if primary.HandoverVeto() {
		return fmt.Errorf("handover vetoed while idle")
	}
	blob := make([]byte, 128)
	n, err := primary.HandoverMarshal(seeker, blob)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d bytes: % X\n", n, blob[:n])

	fmt.Fprintln(out, "=== 4. Secondary restores the session and takes over ===")
	secondary := msgstream.NewEngine(secondaryID)
	registerResponders(secondary, "demo secondary")
	secondary.AttachLink(link)

	if _, err := secondary.HandoverUnmarshal(seeker, blob[:n]); err != nil {
		return err
	}
	secondary.HandoverCommit(seeker, true)
	secondary.HandoverComplete(true)
	primary.HandoverComplete(false)

	restored := secondary.Table().Find(seeker)
	got, _ := secondary.GetSessionNonce(restored.ID)
	if got != nonce {
		return fmt.Errorf("session nonce changed across handover")
	}
	fmt.Fprintf(out, "Instance %d restored on channel 0x%04X, nonce preserved, SASS state % X\n",
		restored.ID, restored.ChannelID, secondary.CachedField(restored.ID, frame.GroupSass))

	fmt.Fprintln(out, "=== 5. Seeker talks to the new primary ===")
	req, err = frame.Encode(frame.GroupDeviceAction, 0x01, []byte{0x00})
	if err != nil {
		return err
	}
	secondary.DataDelivered(seeker, req)
	return printResponses(out, air)
}

// printResponses drains whole frames from air
func printResponses(out io.Writer, air *bytes.Buffer) error {
	buf := air.Bytes()
	if len(buf) == 0 {
		return fmt.Errorf("no response from accessory")
	}
	for len(buf) > 0 {
		f, n, ok := frame.DecodeRaw(buf)
		if !ok {
			return fmt.Errorf("truncated response: % X", buf)
		}
		fmt.Fprintf(out, "📥 %s\n", describeFrame(f))
		buf = buf[n:]
	}
	air.Reset()
	return nil
}
