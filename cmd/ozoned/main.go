package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func version() string {
	return versioninfo.Short()
}

func run(args []string) error {
	app := cli.App{
		Name:    "ozoned",
		Usage:   "moderation service: event log, label stream and takedown propagation",
		Version: version(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"OZONE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			Value:   "text",
			EnvVars: []string{"OZONE_LOG_FORMAT", "LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		daemonCmd,
		keygenCmd,
	}

	return app.Run(args)
}

var serviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "database-url",
		Value:   "sqlite://data/ozone/ozone.sqlite",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:    "max-db-connections",
		Value:   20,
		EnvVars: []string{"OZONE_MAX_DB_CONNECTIONS"},
	},
	&cli.BoolFlag{
		Name:    "db-tracing",
		Usage:   "trace database queries with OpenTelemetry",
		EnvVars: []string{"OZONE_DB_TRACING"},
	},
	&cli.StringFlag{
		Name:     "service-did",
		Usage:    "DID of this moderation service; labels are issued under it",
		Required: true,
		EnvVars:  []string{"OZONE_SERVER_DID"},
	},
	&cli.StringFlag{
		Name:     "signing-key",
		Usage:    "multibase secp256k1 private key for labels and service auth (see 'keygen')",
		Required: true,
		EnvVars:  []string{"OZONE_SIGNING_KEY"},
	},
	&cli.StringFlag{
		Name:    "label-notifier",
		Usage:   "how label writers wake stream sequencers: local, pg or redis",
		Value:   "local",
		EnvVars: []string{"OZONE_LABEL_NOTIFIER"},
	},
	&cli.StringFlag{
		Name:    "redis-url",
		Usage:   "redis URL, required by the redis label notifier",
		EnvVars: []string{"OZONE_REDIS_URL", "REDIS_URL"},
	},
	&cli.StringFlag{
		Name:    "pds-url",
		Usage:   "base URL of the PDS receiving takedowns and moderation email",
		EnvVars: []string{"OZONE_PDS_URL"},
	},
	&cli.StringFlag{
		Name:    "pds-did",
		Usage:   "service DID of the PDS, the audience of its service-auth tokens",
		EnvVars: []string{"OZONE_PDS_DID"},
	},
	&cli.StringFlag{
		Name:    "appview-url",
		Usage:   "base URL of the appview receiving takedowns",
		EnvVars: []string{"OZONE_APPVIEW_URL"},
	},
	&cli.StringFlag{
		Name:    "appview-did",
		Usage:   "service DID of the appview",
		EnvVars: []string{"OZONE_APPVIEW_DID"},
	},
	&cli.Float64Flag{
		Name:    "push-rate-limit",
		Usage:   "max downstream takedown requests per second; zero is unlimited",
		Value:   50,
		EnvVars: []string{"OZONE_PUSH_RATE_LIMIT"},
	},
	&cli.IntFlag{
		Name:    "push-concurrency",
		Usage:   "max concurrent downstream calls per poll",
		Value:   10,
		EnvVars: []string{"OZONE_PUSH_CONCURRENCY"},
	},
	&cli.DurationFlag{
		Name:    "push-poll-interval",
		Value:   30 * time.Second,
		EnvVars: []string{"OZONE_PUSH_POLL_INTERVAL"},
	},
	&cli.IntFlag{
		Name:    "background-concurrency",
		Usage:   "max concurrent background tasks",
		Value:   16,
		EnvVars: []string{"OZONE_BACKGROUND_CONCURRENCY"},
	},
	&cli.StringFlag{
		Name:    "metrics-listen",
		Usage:   "IP or address, and port, to listen on for metrics APIs",
		Value:   ":3031",
		EnvVars: []string{"OZONE_METRICS_LISTEN"},
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the API server and the background daemon",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3030",
			EnvVars: []string{"OZONE_BIND"},
		},
		&cli.IntFlag{
			Name:    "outbox-buffer",
			Usage:   "live events buffered per label subscriber before it is dropped",
			Value:   500,
			EnvVars: []string{"OZONE_OUTBOX_BUFFER"},
		},
	}, serviceFlags...),
	Action: func(cctx *cli.Context) error {
		return runService(cctx, true)
	},
}

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "run only the background daemon (push delivery, reversals, scheduled actions)",
	Flags: serviceFlags,
	Action: func(cctx *cli.Context) error {
		return runService(cctx, false)
	},
}

var keygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate a signing key and print it with its did:key",
	Action: func(cctx *cli.Context) error {
		key, err := signing.GeneratePrivateKey()
		if err != nil {
			return err
		}
		fmt.Printf("OZONE_SIGNING_KEY=%s\n", key.Multibase())
		fmt.Printf("# public key: %s\n", key.PublicKey().DIDKey())
		return nil
	},
}

func runService(cctx *cli.Context, withAPI bool) error {
	logger, err := cliutil.SetupSlog(cctx.String("log-level"), cctx.String("log-format"))
	if err != nil {
		return err
	}

	shutdownOTEL, err := configOTEL("ozone")
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	defer shutdownOTEL()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := setupService(ctx, cctx, logger)
	if err != nil {
		return err
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cctx.String("metrics-listen"), mux); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
		}
	}()

	svc.daemon.Start(ctx)

	var srv *Server
	serverErr := make(chan error, 1)
	if withAPI {
		if err := svc.sequencer.Start(ctx); err != nil {
			return fmt.Errorf("starting label sequencer: %w", err)
		}
		go func() {
			if err := svc.sequencer.Run(ctx); err != nil {
				logger.Error("label sequencer exited", "err", err)
			}
		}()

		srv = NewServer(svc.db, svc.sequencer, ServerConfig{
			Bind:         cctx.String("bind"),
			OutboxBuffer: cctx.Int("outbox-buffer"),
			Logger:       logger,
		})
		go func() {
			serverErr <- srv.Start()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server exited", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	return svc.Shutdown(shutdownCtx)
}
