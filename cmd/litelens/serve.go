package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/litelens/litelens-core/internal/api"
	"github.com/litelens/litelens-core/internal/core"
	"github.com/litelens/litelens-core/internal/infrastructure/config"
	"github.com/litelens/litelens-core/internal/infrastructure/logging"
	"github.com/litelens/litelens-core/internal/infrastructure/mqtt"
)

// shutdownTimeout bounds closing the open databases on exit.
const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	*rootOptions
	ReadOnly bool

	// started is called with the listen address once the API is up.
	started func(addr string)
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve [database...]",
		Short: "Run the engine behind the HTTP/WebSocket API",
		Long: `Run the engine behind the HTTP/WebSocket API until interrupted.

Databases named on the command line are opened at startup; the first
becomes the active connection. When mqtt.enabled is set, every engine
event is mirrored to the broker as well.

Example:
  litelens serve --config configs/config.yaml ./shop.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "open startup databases read-only")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, paths []string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log := opts.logger(cfg)
	log.Info("starting LiteLens Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	svc := core.New(cfg.Engine, log)
	svc.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("closing databases")
		if closeErr := svc.Close(closeCtx); closeErr != nil {
			log.Error("error closing databases", "error", closeErr)
		}
	}()

	for _, path := range paths {
		info, _, openErr := svc.OpenDatabase(ctx, core.OpenRequest{Path: path, ReadOnly: opts.ReadOnly})
		if openErr != nil {
			return fmt.Errorf("opening %s: %w", path, openErr)
		}
		log.Info("database opened", "path", info.Path, "connection_id", info.ID)
	}

	if cfg.MQTT.Enabled {
		stop, mirrorErr := startMirror(ctx, cfg.MQTT, svc, log)
		if mirrorErr != nil {
			return mirrorErr
		}
		defer stop()
	} else {
		log.Info("MQTT mirror disabled")
	}

	srv, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Core:     svc,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	if opts.started != nil {
		opts.started(srv.Addr())
	}

	log.Info("LiteLens Core ready", "address", srv.Addr())
	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

// startMirror connects to the broker and subscribes the event mirror to
// the core bus. The returned function undoes both.
func startMirror(ctx context.Context, cfg config.MQTTConfig, svc *core.Service, log *logging.Logger) (func(), error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
		"status_topic", client.Topics().SystemStatus(),
	)

	mirrorCtx, cancel := context.WithCancel(ctx)
	mirror := mqtt.NewMirror(client, cfg, log)
	go mirror.Run(mirrorCtx)
	unsubscribe := svc.Subscribe(mirror.Handle)

	return func() {
		unsubscribe()
		cancel()
		if dropped := mirror.Dropped(); dropped > 0 {
			log.Warn("MQTT mirror dropped events", "count", dropped)
		}
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}, nil
}
