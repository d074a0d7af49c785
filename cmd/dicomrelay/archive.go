package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomrelay/archive"
	"github.com/caio-sobreiro/dicomrelay/config"
	"github.com/caio-sobreiro/dicomrelay/events"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/objectstore"
	"github.com/caio-sobreiro/dicomrelay/server"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Run a storage SCP writing Part 10 files to a local object store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runArchive(cmd.Context(), a)
		},
	}

	cmd.Flags().String("archive-listen", "", "DICOM listen address of the archive")
	cmd.Flags().String("store-dir", "", "Root directory of the object store")
	cmd.Flags().String("event-subject", "", "Bus subject for ImageStoredEvent (empty disables events)")
	bindFlags(a.v, cmd.Flags(), map[string]string{
		"archive.listen":        "archive-listen",
		"archive.store_dir":     "store-dir",
		"archive.event_subject": "event-subject",
	})
	return cmd
}

func runArchive(ctx context.Context, a *app) error {
	cfg := a.cfg
	caps, err := config.LoadCapabilities(cfg.Archive.CapabilitiesFile)
	if err != nil {
		return err
	}
	store, err := objectstore.NewFS(cfg.Archive.StoreDir, cfg.Archive.Bucket)
	if err != nil {
		return err
	}

	var publisher interfaces.EventPublisher
	if cfg.Archive.EventSubject != "" {
		conn, err := a.connectBus(ctx, "dicomrelay-archive")
		if err != nil {
			return err
		}
		defer conn.Close()
		p, err := events.NewPublisher(conn, cfg.Archive.EventSubject,
			events.WithLogger(a.logger),
			events.WithWADOEndpoints(cfg.Archive.WADOInternal, cfg.Archive.WADOExternal))
		if err != nil {
			return err
		}
		publisher = p
	}

	srv := archive.NewServer(cfg.Archive.AETitle, store, publisher, a.logger,
		server.WithCapabilities(caps),
		server.WithMetrics(a.metrics))

	ln, err := net.Listen("tcp", cfg.Archive.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Archive.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stopped(srv.Serve(gctx, ln)) })
	g.Go(func() error { return a.serveMetrics(gctx) })

	a.logger.Info("Archive started",
		"listen", ln.Addr().String(),
		"store_dir", cfg.Archive.StoreDir,
		"bucket", store.Bucket(),
		"events", cfg.Archive.EventSubject != "")
	return g.Wait()
}
