package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/msgstream"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated accessory on a Unix socket",
	Long: `Run the accessory side of the message stream. Seekers connect to the
socket, and every request is answered by a responder that ACKs it.

Examples:
  msgstream serve
  msgstream serve -c msgstream.yaml -l debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	prefix := fmt.Sprintf("%s serve", util.ShortID(cfg.Device.ID))

	engine := msgstream.NewEngine(cfg.Device.ID)
	registerResponders(engine, prefix)

	sw := wire.NewSocketWire(cfg.Device.ID, engine, wire.Options{
		SocketPath: cfg.Transport.Socket,
		ReadChunk:  cfg.Transport.ReadChunk,
		DebugLog:   cfg.Transport.DebugFrames,
	})
	engine.AttachLink(sw)
	if err := sw.Start(); err != nil {
		return err
	}
	logger.Info(prefix, "🎧 Accessory %s listening on %s", cfg.Device.ID, sw.SocketPath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return sw.Stop()
	})
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info(prefix, "👋 Accessory stopped")
	return err
}
