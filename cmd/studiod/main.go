package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/reformer/internal/bookingrpc"
	"github.com/MarkoPoloResearchLab/reformer/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/reformer/internal/oplog"
	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagStoreDriver     = "store-driver"
	flagEmailProvider   = "email-provider"
	flagResendAPIKey    = "resend-api-key"
	flagEmailFrom       = "email-from"
	flagEmailReplyTo    = "email-reply-to"
	flagEmailTimezone   = "email-timezone"
	flagAMQPURL         = "amqp-url"
	flagAMQPExchange    = "amqp-exchange"
	flagNotifyWorkers   = "notify-workers"
	flagNotifyQueueSize = "notify-queue-size"

	defaultDatabaseURL    = "sqlite:///tmp/reformer.db"
	defaultGRPCListenAddr = ":7000"
	defaultStoreDriver    = storeDriverGorm
	defaultEmailProvider  = emailProviderNoop
	defaultEmailFrom      = "Reformer Studio <noreply@example.com>"
	defaultEmailTimezone  = "UTC"
	defaultAMQPExchange   = "reformer.bookings"
	defaultNotifyWorkers  = 2
	defaultNotifyQueue    = 64
	notifyDrainTimeout    = 10 * time.Second
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	StoreDriver     string
	EmailProvider   string
	ResendAPIKey    string
	EmailFrom       string
	EmailReplyTo    string
	EmailTimezone   string
	AMQPURL         string
	AMQPExchange    string
	NotifyWorkers   int
	NotifyQueueSize int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studiod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "studiod",
		Short:         "Reformer studio booking gRPC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// connection string")
	cmd.Flags().String(flagListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagStoreDriver, defaultStoreDriver, "store implementation: gorm or pgx (pgx requires postgres)")
	cmd.Flags().String(flagEmailProvider, defaultEmailProvider, "email provider: noop or resend")
	cmd.Flags().String(flagResendAPIKey, "", "Resend API key (required for the resend provider)")
	cmd.Flags().String(flagEmailFrom, defaultEmailFrom, "sender address for booking emails")
	cmd.Flags().String(flagEmailReplyTo, "", "reply-to address for booking emails")
	cmd.Flags().String(flagEmailTimezone, defaultEmailTimezone, "IANA timezone used to render class times in emails")
	cmd.Flags().String(flagAMQPURL, "", "RabbitMQ URL; booking events are published when set")
	cmd.Flags().String(flagAMQPExchange, defaultAMQPExchange, "RabbitMQ topic exchange for booking events")
	cmd.Flags().Int(flagNotifyWorkers, defaultNotifyWorkers, "notification worker goroutines")
	cmd.Flags().Int(flagNotifyQueueSize, defaultNotifyQueue, "notification queue capacity")

	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		flagDatabaseURL:     "DATABASE_URL",
		flagListenAddr:      "GRPC_LISTEN_ADDR",
		flagStoreDriver:     "STORE_DRIVER",
		flagEmailProvider:   "EMAIL_PROVIDER",
		flagResendAPIKey:    "RESEND_API_KEY",
		flagEmailFrom:       "EMAIL_FROM",
		flagEmailReplyTo:    "EMAIL_REPLY_TO",
		flagEmailTimezone:   "EMAIL_TIMEZONE",
		flagAMQPURL:         "AMQP_URL",
		flagAMQPExchange:    "AMQP_EXCHANGE",
		flagNotifyWorkers:   "NOTIFY_WORKERS",
		flagNotifyQueueSize: "NOTIFY_QUEUE_SIZE",
	}
	for flagName, envName := range envBindings {
		if err := v.BindEnv(flagName, envName); err != nil {
			return err
		}
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = defaultIfEmpty(v.GetString(flagDatabaseURL), defaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(v.GetString(flagListenAddr), defaultGRPCListenAddr)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(v.GetString(flagStoreDriver), defaultStoreDriver))
	cfg.EmailProvider = strings.ToLower(defaultIfEmpty(v.GetString(flagEmailProvider), defaultEmailProvider))
	cfg.ResendAPIKey = strings.TrimSpace(v.GetString(flagResendAPIKey))
	cfg.EmailFrom = defaultIfEmpty(v.GetString(flagEmailFrom), defaultEmailFrom)
	cfg.EmailReplyTo = strings.TrimSpace(v.GetString(flagEmailReplyTo))
	cfg.EmailTimezone = defaultIfEmpty(v.GetString(flagEmailTimezone), defaultEmailTimezone)
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = defaultIfEmpty(v.GetString(flagAMQPExchange), defaultAMQPExchange)
	cfg.NotifyWorkers = v.GetInt(flagNotifyWorkers)
	cfg.NotifyQueueSize = v.GetInt(flagNotifyQueueSize)
	return cfg.validate()
}

func (cfg *runtimeConfig) validate() error {
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPGX:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.EmailProvider {
	case emailProviderNoop:
	case emailProviderResend:
		if cfg.ResendAPIKey == "" {
			return fmt.Errorf("%s is required for the resend provider", flagResendAPIKey)
		}
	default:
		return fmt.Errorf("unsupported email provider %q", cfg.EmailProvider)
	}
	if _, err := time.LoadLocation(cfg.EmailTimezone); err != nil {
		return fmt.Errorf("invalid %s: %w", flagEmailTimezone, err)
	}
	if cfg.NotifyWorkers < 0 || cfg.NotifyQueueSize < 0 {
		return fmt.Errorf("notification workers and queue size must not be negative")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher, closeSinks, err := buildDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
		defer cancel()
		if closeErr := dispatcher.Close(drainCtx); closeErr != nil {
			logger.Warn("notification drain incomplete", zap.Error(closeErr))
		}
	}()

	bookingService, err := booking.NewService(
		store,
		time.Now,
		booking.WithOperationLogger(oplog.New(logger)),
		booking.WithNotifier(dispatcher),
	)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	bookingrpc.RegisterBookingServiceServer(grpcServer, grpcserver.NewBookingServiceServer(bookingService, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting",
			zap.String("listen_addr", cfg.ListenAddr),
			zap.String("store_driver", cfg.StoreDriver),
			zap.String("email_provider", cfg.EmailProvider),
		)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
