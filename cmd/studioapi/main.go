package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/reformer/internal/httpapi"
)

const (
	flagListenAddr      = "listen-addr"
	flagBookingAddr     = "booking-addr"
	flagBookingInsecure = "booking-insecure"
	flagBookingTimeout  = "booking-timeout"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagAdminEmails     = "admin-emails"
	flagAdminRole       = "admin-role"
	flagPaymentSecret   = "payment-secret"
	envPrefix           = "STUDIOAPI"
)

var requiredFlags = []string{
	flagListenAddr,
	flagBookingAddr,
	flagBookingInsecure,
	flagBookingTimeout,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
}

var optionalFlags = []string{
	flagAdminEmails,
	flagAdminRole,
	flagPaymentSecret,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studioapi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := httpapi.Config{}
	cmd := &cobra.Command{
		Use:           "studioapi",
		Short:         "HTTP API for the reformer studio",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("zap init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return httpapi.Run(ctx, cfg, logger)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address (required)")
	cmd.Flags().String(flagBookingAddr, "", "studiod gRPC address (required)")
	cmd.Flags().Bool(flagBookingInsecure, false, "set true when connecting to an insecure studiod endpoint (required)")
	cmd.Flags().Duration(flagBookingTimeout, 0, "booking RPC timeout (e.g. 3s, required)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins (required)")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (required)")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name (required)")
	cmd.Flags().String(flagAdminEmails, "", "comma-separated emails allowed to use admin routes")
	cmd.Flags().String(flagAdminRole, "", "session role granting admin access (default admin)")
	cmd.Flags().String(flagPaymentSecret, "", "shared secret for the payment callback; empty disables it")

	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *httpapi.Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range append(append([]string{}, requiredFlags...), optionalFlags...) {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	for _, flagName := range requiredFlags {
		if !v.IsSet(flagName) {
			return fmt.Errorf("%s is required", flagName)
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.BookingAddress = strings.TrimSpace(v.GetString(flagBookingAddr))
	cfg.BookingInsecure = v.GetBool(flagBookingInsecure)
	cfg.BookingTimeout = v.GetDuration(flagBookingTimeout)
	cfg.AllowedOrigins = httpapi.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminEmails = httpapi.ParseList(v.GetString(flagAdminEmails))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.PaymentSecret = v.GetString(flagPaymentSecret)

	return cfg.Validate()
}
