package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/inconshreveable/log15/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aurorium/patchmirror/pkg/config"
	"github.com/aurorium/patchmirror/pkg/mirror"
	"github.com/aurorium/patchmirror/pkg/orchestrator"
	"github.com/aurorium/patchmirror/pkg/prometheus"
	"github.com/aurorium/patchmirror/pkg/revision"
	"github.com/aurorium/patchmirror/pkg/server"
)

func serveCommand(logger log15.Logger, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "fetch patch revisions from upstream (or a primary mirror) and serve them over HTTP",
		Action:  serveAction(logger),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "The address the HTTP server listens on",
				Sources: flagSources("server.endpoint", "SERVER_ENDPOINT"),
				Value:   ":8080",
			},
			&cli.IntFlag{
				Name:    "concurrent-downloads",
				Usage:   "The maximum number of in-flight asset downloads per fetch cycle",
				Sources: flagSources("fetch.concurrent-downloads", "FETCH_CONCURRENT_DOWNLOADS"),
				Value:   8,
			},
			&cli.StringFlag{
				Name:     "save-directory",
				Usage:    "The directory under which every revision's assets are stored",
				Sources:  flagSources("fetch.save-directory", "FETCH_SAVE_DIRECTORY"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "upstream-host",
				Usage:   "The vendor patch-info host, e.g. patch.us.wizard101.com. Ignored when --mirror-host is set",
				Sources: flagSources("fetch.upstream-host", "FETCH_UPSTREAM_HOST"),
			},
			&cli.DurationFlag{
				Name:    "fetch-interval",
				Usage:   "The delay between periodic fetch cycles",
				Sources: flagSources("fetch.interval", "FETCH_INTERVAL"),
				Value:   config.DefaultFetchInterval,
			},
			&cli.IntFlag{
				Name:    "max-requests",
				Usage:   "The maximum number of requests a single IP may make per reset-interval",
				Sources: flagSources("server.max-requests", "SERVER_MAX_REQUESTS"),
				Value:   config.DefaultMaxRequests,
			},
			&cli.DurationFlag{
				Name:    "reset-interval",
				Usage:   "The window over which max-requests is enforced per IP",
				Sources: flagSources("server.reset-interval", "SERVER_RESET_INTERVAL"),
				Value:   config.DefaultResetInterval,
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Usage:   "The maximum duration a single HTTP request may run",
				Sources: flagSources("server.request-timeout", "SERVER_REQUEST_TIMEOUT"),
				Value:   config.DefaultRequestTimeout,
			},
			&cli.StringSliceFlag{
				Name:    "mirror-ips",
				Usage:   "Literal IPv4 addresses allowlisted for the mirror-only routes. Cannot be combined with --mirror-host",
				Sources: flagSources("mirror.allowed-ips", "MIRROR_ALLOWED_IPS"),
			},
			&cli.DurationFlag{
				Name:    "broadcast-interval",
				Usage:   "The period between mirror snapshot re-emissions (60s when unset). Cannot be combined with --mirror-host",
				Sources: flagSources("mirror.broadcast-interval", "MIRROR_BROADCAST_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "mirror-host",
				Usage:   "If set, run as a backup client of this primary instead of polling upstream directly",
				Sources: flagSources("mirror.host", "MIRROR_HOST"),
			},
			&cli.StringFlag{
				Name:    "initial-revision",
				Usage:   "Force one fetch cycle for this exact revision name before the periodic loop begins",
				Sources: flagSources("fetch.initial-revision", "FETCH_INITIAL_REVISION"),
			},
			&cli.BoolFlag{
				Name:    "trust-forwarded-for",
				Usage:   "Honour X-Forwarded-For over the physical peer address for the mirror IP allowlist check",
				Sources: flagSources("mirror.trust-forwarded-for", "MIRROR_TRUST_FORWARDED_FOR"),
			},
		},
	}
}

func serveAction(logger log15.Logger) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		zlog := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = zlog.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && ctx.Err() == nil {
				zlog.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		cfg := config.Config{
			Endpoint:            cmd.String("endpoint"),
			ConcurrentDownloads: int64(cmd.Int("concurrent-downloads")),
			SaveDirectory:       cmd.String("save-directory"),
			UpstreamHost:        cmd.String("upstream-host"),
			FetchInterval:       cmd.Duration("fetch-interval"),
			MaxRequests:         cmd.Int("max-requests"),
			ResetInterval:       cmd.Duration("reset-interval"),
			RequestTimeout:      cmd.Duration("request-timeout"),
			MirrorIPs:           cmd.StringSlice("mirror-ips"),
			BroadcastInterval:   cmd.Duration("broadcast-interval"),
			MirrorHost:          cmd.String("mirror-host"),
			InitialRevision:     cmd.String("initial-revision"),
			TrustForwardedFor:   cmd.Bool("trust-forwarded-for"),
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("error validating configuration: %w", err)
		}

		cfg = cfg.WithDefaults()

		store := revision.NewStore()
		if err := store.InitAll(ctx, cfg.SaveDirectory); err != nil {
			return fmt.Errorf("error initialising revision store: %w", err)
		}

		broadcaster := mirror.NewBroadcaster()

		srv := server.New(server.Config{
			SaveRoot:          cfg.SaveDirectory,
			MaxRequests:       cfg.MaxRequests,
			ResetInterval:     cfg.ResetInterval,
			RequestTimeout:    cfg.RequestTimeout,
			MirrorIPs:         cfg.MirrorIPs,
			TrustForwardedFor: cfg.TrustForwardedFor,
		}, store, broadcaster, logger)

		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			prometheusShutdown = shutdown

			srv.SetPrometheusGatherer(gatherer)

			zlog.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					zlog.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}
		}()

		orch := orchestrator.New(cfg, store, broadcaster, logger, http.DefaultClient)

		g.Go(func() error {
			return orch.Run(ctx)
		})

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cfg.Endpoint,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info("server started", "endpoint", cfg.Endpoint, "config", cfg.String())

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cancel()

			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}
