package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/config"
	"github.com/caio-sobreiro/dicomrelay/metrics"
)

// app holds what every subcommand shares once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "dicomrelay",
		Short:         "Tunnel DICOM C-ECHO and C-STORE across a NATS bus",
		Long:          "dicomrelay accepts DICOM associations at a proxy, relays their requests over NATS to a service next to the archive and answers the modality with the archive's responses.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "Configuration file (YAML or TOML)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("bus-url", "", "NATS server URL")
	flags.String("metrics-listen", "", "Address serving /metrics (empty disables)")
	bindFlags(a.v, flags, map[string]string{
		"log.level":      "log-level",
		"log.format":     "log-format",
		"bus.url":        "bus-url",
		"metrics.listen": "metrics-listen",
	})

	rootCmd.AddCommand(
		newProxyCmd(a),
		newServiceCmd(a),
		newArchiveCmd(a),
		newEchoCmd(a),
		newStoreCmd(a),
	)
	return rootCmd
}

// bindFlags binds configuration keys to flags of fs. A flag overrides the
// file and environment only when it is set on the command line.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger.With("command", cmd.Name())
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(reg)
	return nil
}

func (a *app) connectBus(ctx context.Context, name string) (*bus.Client, error) {
	busCfg, err := a.cfg.Bus.ClientConfig(name)
	if err != nil {
		return nil, err
	}
	busCfg.Logger = a.logger
	conn, err := bus.Connect(ctx, busCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", a.cfg.Bus.URL, err)
	}
	return conn, nil
}

// serveMetrics serves /metrics until ctx is done. It returns at once when
// no address is configured.
func (a *app) serveMetrics(ctx context.Context) error {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("Serving metrics", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// stopped turns the cancellation that ends a serve loop into a clean exit.
func stopped(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
