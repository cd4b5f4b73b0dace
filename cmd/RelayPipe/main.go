package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/RelayPipe/internal/api"
	"github.com/BTreeMap/RelayPipe/internal/conversation"
	"github.com/BTreeMap/RelayPipe/internal/lock"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/metrics"
	"github.com/BTreeMap/RelayPipe/internal/scheduler"
	signalcli "github.com/BTreeMap/RelayPipe/internal/signal"
	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/BTreeMap/RelayPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RelayPipe/internal/util"
	"github.com/BTreeMap/RelayPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RelayPipe state data
	DefaultStateDir = "/var/lib/relaypipe"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "relaypipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTransport is the messaging backend used when none is configured
	DefaultTransport = "whatsapp"
	// DefaultShutdownTimeout bounds graceful shutdown of the API server and in-flight turns
	DefaultShutdownTimeout = 15 * time.Second
)

// Supported values of RELAYPIPE_TRANSPORT.
const (
	TransportWhatsApp = "whatsapp"
	TransportSignal   = "signal"
	TransportTwilio   = "twilio"
)

func main() {
	initializeLogger(os.Getenv("RELAYPIPE_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RelayPipe", "transport", flags.Transport, "state_dir", flags.StateDir, "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("RelayPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RelayPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseDSN       string
	WhatsAppDSN       string
	Transport         string
	APIAddr           string
	AttachmentDir     string
	RedisAddr         string
	RedisPassword     string
	SignalURL         string
	SignalNumber      string
	NumericCode       bool
	QROutput          string
	LockTTL           time.Duration
	ShutdownTimeout   time.Duration
	Retention         time.Duration
	RetentionSchedule string
}

// initializeLogger sets up structured logging at the given level (debug, info, warn, error).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("RELAYPIPE_STATE_DIR"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Transport:         strings.ToLower(os.Getenv("RELAYPIPE_TRANSPORT")),
		APIAddr:           os.Getenv("API_ADDR"),
		AttachmentDir:     os.Getenv("RELAYPIPE_ATTACHMENT_DIR"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		SignalURL:         os.Getenv("SIGNAL_API_URL"),
		SignalNumber:      os.Getenv("SIGNAL_NUMBER"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		LockTTL:           util.ParseDurationEnv("REDIS_LOCK_TTL", lock.DefaultTTL),
		ShutdownTimeout:   util.ParseDurationEnv("RELAYPIPE_SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		Retention:         util.ParseDurationEnv("RELAYPIPE_MESSAGE_RETENTION", scheduler.DefaultRetention),
		RetentionSchedule: os.Getenv("RELAYPIPE_RETENTION_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RELAYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.Transport == "" {
		config.Transport = DefaultTransport
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.RetentionSchedule == "" {
		config.RetentionSchedule = scheduler.DefaultRetentionSchedule
	}

	slog.Debug("environment variables loaded",
		"RELAYPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"RELAYPIPE_TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"SIGNAL_NUMBER_SET", config.SignalNumber != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults. Database paths
// left empty are derived from the final state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	flags := config
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for RelayPipe data (overrides $RELAYPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseDSN, "db-dsn", config.DatabaseDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)")
	fs.StringVar(&flags.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.Transport, "transport", config.Transport, "messaging backend: whatsapp, signal or twilio (overrides $RELAYPIPE_TRANSPORT)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.AttachmentDir, "attachment-dir", config.AttachmentDir, "directory relative attachment paths resolve against (overrides $RELAYPIPE_ATTACHMENT_DIR)")
	fs.StringVar(&flags.RedisAddr, "redis-addr", config.RedisAddr, "Redis address for cross-instance session locks (overrides $REDIS_ADDR)")
	fs.StringVar(&flags.SignalURL, "signal-api-url", config.SignalURL, "signal-cli REST API base URL (overrides $SIGNAL_API_URL)")
	fs.StringVar(&flags.SignalNumber, "signal-number", config.SignalNumber, "registered Signal account number (overrides $SIGNAL_NUMBER)")
	fs.StringVar(&flags.RetentionSchedule, "retention-schedule", config.RetentionSchedule, "cron schedule of the message retention job (overrides $RELAYPIPE_RETENTION_SCHEDULE)")
	fs.DurationVar(&flags.Retention, "message-retention", config.Retention, "age after which recorded messages are pruned (overrides $RELAYPIPE_MESSAGE_RETENTION)")
	fs.BoolVar(&flags.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&flags.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if flags.DatabaseDSN == "" {
		flags.DatabaseDSN = filepath.Join(flags.StateDir, DefaultAppDBFileName)
	}
	if flags.WhatsAppDSN == "" {
		flags.WhatsAppDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	flags.Transport = strings.ToLower(flags.Transport)
	return flags, nil
}

// run wires the store, transport, dispatcher and API server, and blocks until ctx is done.
func run(ctx context.Context, cfg Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, release, err := buildLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	svc, webhook, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dispatcher := conversation.NewDispatcher(st, svc,
		conversation.WithLocker(locker),
		conversation.WithMetrics(m),
		conversation.WithAttachmentDir(cfg.AttachmentDir),
	)

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithGatherer(reg)}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(st, dispatcher, apiOpts...)

	if err := svc.Start(ctx); err != nil {
		slog.Error("Failed to start messaging service", "error", err, "transport", cfg.Transport)
		return fmt.Errorf("failed to start %s service: %w", cfg.Transport, err)
	}
	sched := scheduler.NewScheduler()
	if err := sched.ScheduleRetention(cfg.RetentionSchedule, st, cfg.Retention); err != nil {
		sched.Stop(ctx)
		svc.Stop()
		return err
	}
	loop := messaging.NewEventLoop(dispatcher, svc)
	loop.Start(ctx)
	server.Start()

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping RelayPipe")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	loop.Wait()
	return nil
}

// openStore opens the backend matching the DSN; SQLite creates its directory.
func openStore(cfg Config) (store.Store, error) {
	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err, "dsn_type", store.DetectDSNType(cfg.DatabaseDSN))
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// buildLocker returns a Redis locker when REDIS_ADDR is set, so several
// instances can share one database. Otherwise the state directory is locked
// against a second instance and session locks stay in-process.
func buildLocker(ctx context.Context, cfg Config) (lock.Locker, func(), error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			slog.Error("Failed to reach Redis", "error", err, "addr", cfg.RedisAddr)
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("Using Redis session locks", "addr", cfg.RedisAddr)
		return lock.NewRedis(client, "relaypipe:session:", lock.WithTTL(cfg.LockTTL)), func() { client.Close() }, nil
	}

	dirLock, err := lock.AcquireDir(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := dirLock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}
	return lock.NewLocal(), release, nil
}

// buildTransport creates the configured messaging service. The Twilio backend
// also returns its inbound webhook handler.
func buildTransport(ctx context.Context, cfg Config) (messaging.Service, http.HandlerFunc, error) {
	switch cfg.Transport {
	case TransportWhatsApp:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportSignal:
		sigOpts := []signalcli.Option{signalcli.WithNumber(cfg.SignalNumber)}
		if cfg.SignalURL != "" {
			sigOpts = append(sigOpts, signalcli.WithBaseURL(cfg.SignalURL))
		}
		client, err := signalcli.NewClient(sigOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewSignalService(client), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc.WebhookHandler, nil
	default:
		return nil, nil, errors.New("unknown transport " + cfg.Transport + ": expected whatsapp, signal or twilio")
	}
}
