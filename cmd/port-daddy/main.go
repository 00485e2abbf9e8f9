package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/agents"
	"github.com/erichowens/port-daddy-sub004/internal/api"
	"github.com/erichowens/port-daddy-sub004/internal/config"
	"github.com/erichowens/port-daddy-sub004/internal/conntrack"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/locks"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
	"github.com/erichowens/port-daddy-sub004/internal/osprobe"
	"github.com/erichowens/port-daddy-sub004/internal/projects"
	"github.com/erichowens/port-daddy-sub004/internal/reaper"
	"github.com/erichowens/port-daddy-sub004/internal/services"
	"github.com/erichowens/port-daddy-sub004/internal/sessions"
	"github.com/erichowens/port-daddy-sub004/internal/version"
	"github.com/erichowens/port-daddy-sub004/internal/webhooks"
)

type flags struct {
	configPath string
	dbPath     string
	socketPath string
	port       int
	noTCP      bool
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "port-daddy",
		Short: "port-daddy — single-host port coordination daemon",
		Long: `port-daddy coordinates TCP ports, advisory locks, channels and work
sessions between the processes on one machine. It listens on a Unix socket
and, by default, on loopback TCP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to the JSON config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "Database file path (overrides config)")
	root.PersistentFlags().StringVar(&f.socketPath, "socket", "", "Unix socket path (overrides config)")
	root.PersistentFlags().IntVar(&f.port, "port", 0, "Loopback TCP port (overrides config)")
	root.PersistentFlags().BoolVar(&f.noTCP, "no-tcp", false, "Serve on the Unix socket only")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error; overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("port-daddy %s (commit: %s, built: %s, code: %s)\n",
				version.Version, version.Commit, version.Date, version.CodeHash())
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, f)

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting port-daddy",
		zap.String("version", version.Version),
		zap.String("db", cfg.DBPath),
		zap.String("socket", cfg.Service.SocketPath),
		zap.Int("port", cfg.Service.Port),
		zap.Bool("no_tcp", cfg.Service.NoTCP),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.Open(db.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	audit := activity.New(database, logger)
	probe := osprobe.New(logger)

	hooks := webhooks.New(database, logger, audit, webhooks.Config{
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Timeout:     cfg.WebhookTimeout(),
		BackoffBase: time.Duration(cfg.Webhooks.BackoffBaseMS) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Webhooks.BackoffMaxMS) * time.Millisecond,
	})

	svc := services.New(database, logger, probe, audit, services.PortConfig{
		RangeStart: cfg.Ports.RangeStart,
		RangeEnd:   cfg.Ports.RangeEnd,
		Reserved:   cfg.ReservedPorts(),
	}, nil, hooks)
	lck := locks.New(database, logger, audit, cfg.MaxLockTTLMS)
	msg := messages.New(database, logger, audit, messages.Config{
		ChannelDepth:   cfg.Messages.ChannelDepth,
		MaxPayloadSize: cfg.Messages.MaxPayloadSize,
	}, hooks)
	sess := sessions.New(database, logger, audit, cfg.Agents.SingleActiveSession)
	agt := agents.New(database, logger, audit, probe, agents.Config{
		StaleThresholdMS: cfg.Agents.StaleThresholdMS,
		DeadThresholdMS:  cfg.Agents.DeadThresholdMS,
		MaxServices:      cfg.Agents.MaxServices,
		MaxLocks:         cfg.Agents.MaxLocks,
		AutoRevive:       cfg.Agents.AutoRevive,
	}, svc, lck, sess, hooks)

	// The agents registry is both a consumer of services/locks (cleanup) and
	// their quota source, so quotas bind after construction.
	svc.SetQuota(agt)
	lck.SetQuota(agt)

	store := projects.New(database, logger)
	tracker := conntrack.New(conntrack.Limits{
		MaxLongPoll:  cfg.Connections.MaxLongPoll,
		MaxStreams:   cfg.Connections.MaxStreams,
		MaxPerOrigin: cfg.Connections.MaxPerOrigin,
	})

	rpr, err := reaper.New(logger, reaper.Config{
		Interval:            cfg.CleanupInterval(),
		ActivityRetentionMS: cfg.Cleanup.ActivityRetentionMS,
		ActivityMaxRows:     cfg.Cleanup.ActivityMaxRows,
		NoteRetentionMS:     cfg.Cleanup.NoteRetentionMS,
		DeliveryRetentionMS: cfg.Cleanup.DeliveryRetentionMS,
	}, svc, lck, msg, agt, audit, hooks, sess)
	if err != nil {
		return err
	}

	metrics := api.NewMetrics()
	router := api.NewRouter(api.RouterConfig{
		Logger:   logger,
		Services: api.NewServiceHandler(svc, logger, metrics),
		Locks:    api.NewLockHandler(lck, logger),
		Messages: api.NewMessageHandler(msg, tracker, logger,
			time.Duration(cfg.Messages.PollMaxMS)*time.Millisecond,
			time.Duration(cfg.Messages.StreamMaxMS)*time.Millisecond,
			metrics),
		Agents:   api.NewAgentHandler(agt, logger),
		Sessions: api.NewSessionHandler(sess, logger),
		Webhooks: api.NewWebhookHandler(hooks, logger, metrics),
		Activity: api.NewActivityHandler(audit, logger),
		Projects: api.NewProjectHandler(store, logger),
		System:   api.NewSystemHandler(database, cfg, svc, probe, rpr, logger, metrics),
		Metrics:  metrics,
		Limiter:  api.NewRateLimiter(cfg.Security.RateLimitPerMinute),
	})

	hooks.Start(ctx)
	defer hooks.Stop()
	if n, err := hooks.Reschedule(ctx); err != nil {
		logger.Warn("failed to requeue pending deliveries", zap.Error(err))
	} else if n > 0 {
		logger.Info("requeued pending deliveries", zap.Int("count", n))
	}

	if err := rpr.Start(); err != nil {
		return err
	}
	defer rpr.Stop() //nolint:errcheck

	audit.Record(ctx, activity.TypeDaemonStart, "", "", version.Version, nil)
	hooks.Emit(ctx, activity.TypeDaemonStart, "", map[string]any{"version": version.Version})

	return serve(ctx, cfg, logger, router, audit, hooks)
}

// serve runs the HTTP server on the Unix socket and, unless disabled, on
// loopback TCP, then shuts both down when ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, handler http.Handler, audit *activity.Log, hooks *webhooks.Manager) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A previous crash can leave the socket file behind; a live daemon would
	// accept the probe connection.
	if conn, err := net.Dial("unix", cfg.Service.SocketPath); err == nil {
		conn.Close()
		return fmt.Errorf("another instance is listening on %s", cfg.Service.SocketPath)
	}
	_ = os.Remove(cfg.Service.SocketPath)

	unixLn, err := net.Listen("unix", cfg.Service.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", cfg.Service.SocketPath, err)
	}
	defer os.Remove(cfg.Service.SocketPath) //nolint:errcheck

	errCh := make(chan error, 2)
	go func() {
		if err := server.Serve(unixLn); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("listening", zap.String("socket", cfg.Service.SocketPath))

	if !cfg.Service.NoTCP {
		addr := fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.Port)
		tcpLn, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		go func() {
			if err := server.Serve(tcpLn); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("listening", zap.String("addr", addr))
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down port-daddy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	audit.Record(shutdownCtx, activity.TypeDaemonStop, "", "", version.Version, nil)
	hooks.Emit(shutdownCtx, activity.TypeDaemonStop, "", nil)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// applyFlags overlays the command-line overrides on the loaded config.
// Environment variables were already applied by Load; flags win over both.
func applyFlags(cfg *config.Config, f *flags) {
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.socketPath != "" {
		cfg.Service.SocketPath = f.socketPath
	}
	if f.port != 0 {
		cfg.Service.Port = f.port
	}
	if f.noTCP {
		cfg.Service.NoTCP = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func buildLogger(lc config.Logging) (*zap.Logger, error) {
	level := lc.Level
	if lc.Silent {
		level = "error"
	}

	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
