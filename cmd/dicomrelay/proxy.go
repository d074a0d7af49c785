package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomrelay/config"
	"github.com/caio-sobreiro/dicomrelay/proxy"
	"github.com/caio-sobreiro/dicomrelay/server"
)

func newProxyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Accept DICOM associations and forward their requests over the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd.Context(), a)
		},
	}

	cmd.Flags().String("listen", "", "DICOM listen address")
	cmd.Flags().String("ae-title", "", "AE title of the proxy")
	cmd.Flags().String("capabilities", "", "Capabilities file listing accepted SOP classes and transfer syntaxes")
	bindFlags(a.v, cmd.Flags(), map[string]string{
		"proxy.listen":            "listen",
		"proxy.ae_title":          "ae-title",
		"proxy.capabilities_file": "capabilities",
	})
	return cmd
}

func runProxy(ctx context.Context, a *app) error {
	cfg := a.cfg
	caps, err := config.LoadCapabilities(cfg.Proxy.CapabilitiesFile)
	if err != nil {
		return err
	}

	conn, err := a.connectBus(ctx, "dicomrelay-proxy")
	if err != nil {
		return err
	}
	defer conn.Close()

	gateway, err := proxy.New(conn, proxy.Config{
		Scheme:       cfg.Bus.Scheme(),
		ReplyTimeout: cfg.Bus.ReplyTimeout,
		ChunkSize:    cfg.Bus.ChunkSize,
		Compression:  cfg.Bus.CompressionAlgorithm(),
	}, proxy.WithLogger(a.logger), proxy.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	srv := server.New(cfg.Proxy.AETitle, gateway,
		server.WithLogger(a.logger),
		server.WithCapabilities(caps),
		server.WithAssociationListener(gateway),
		server.WithReadTimeout(cfg.Proxy.ReadTimeout),
		server.WithWriteTimeout(cfg.Proxy.WriteTimeout),
		server.WithAdmission(cfg.Proxy.Admission.Rate, cfg.Proxy.Admission.Burst),
		server.WithMetrics(a.metrics))

	ln, err := net.Listen("tcp", cfg.Proxy.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Proxy.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stopped(srv.Serve(gctx, ln)) })
	g.Go(func() error { return a.serveMetrics(gctx) })

	a.logger.Info("Proxy started",
		"listen", ln.Addr().String(),
		"announcements", cfg.Bus.Scheme().Announcements(),
		"compression", cfg.Bus.CompressionAlgorithm().String())
	return g.Wait()
}
