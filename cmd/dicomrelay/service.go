package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomrelay/dispatch"
	"github.com/caio-sobreiro/dicomrelay/relay"
)

func newServiceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Replay tunnelled requests against the target archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), a)
		},
	}

	cmd.Flags().String("target", "", "Address of the target archive (host:port)")
	cmd.Flags().String("target-ae-title", "", "Called AE title of the target archive")
	bindFlags(a.v, cmd.Flags(), map[string]string{
		"service.target.address":  "target",
		"service.target.ae_title": "target-ae-title",
	})
	return cmd
}

func runService(ctx context.Context, a *app) error {
	cfg := a.cfg
	conn, err := a.connectBus(ctx, "dicomrelay-service")
	if err != nil {
		return err
	}
	defer conn.Close()

	connector := &dispatch.ClientConnector{
		Address:        cfg.Service.Target.Address,
		CalledAETitle:  cfg.Service.Target.AETitle,
		CallingAETitle: cfg.Service.AETitle,
		MaxPDULength:   cfg.Service.MaxPDULength,
		ConnectTimeout: cfg.Service.ConnectTimeout,
		Logger:         a.logger,
	}
	dispatcher := dispatch.New(connector,
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics))
	defer dispatcher.Close()

	listener, err := relay.NewListener(conn, dispatcher, relay.Config{
		Scheme:     cfg.Bus.Scheme(),
		QueueGroup: cfg.Bus.QueueGroup,
	}, relay.WithLogger(a.logger), relay.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := listener.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		dispatcher.Run(gctx, cfg.Service.SweepInterval, cfg.Service.IdleTimeout)
		return nil
	})
	g.Go(func() error {
		listener.Run(gctx, cfg.Service.SweepInterval, cfg.Service.SubscriberIdleTimeout)
		return nil
	})
	g.Go(func() error { return a.serveMetrics(gctx) })

	a.logger.Info("Service started",
		"target", cfg.Service.Target.Address,
		"target_ae", cfg.Service.Target.AETitle,
		"queue_group", cfg.Bus.QueueGroup)

	err = g.Wait()
	// subscribers close their outbound associations before the dispatcher shuts down
	return errors.Join(err, listener.Close())
}
