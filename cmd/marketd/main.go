package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/marketd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "MARKETD"

	flagDatabaseURL          = "database-url"
	flagHTTPListenAddr       = "http-listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagRequestTimeout       = "request-timeout"
	flagSessionSigningKey    = "session-signing-key"
	flagSessionIssuer        = "session-issuer"
	flagSessionCookieName    = "session-cookie-name"
	flagWebhookSecret        = "webhook-secret"
	flagCreditsPerUnit       = "credits-per-unit"
	flagOTLPEndpoint         = "otlp-endpoint"
	flagGatewayBaseURL       = "gateway-base-url"
	flagGatewayMerchantID    = "gateway-merchant-id"
	flagGatewayServiceTypeID = "gateway-service-type-id"
	flagGatewayAPIKey        = "gateway-api-key"
	flagGatewayReturnURL     = "gateway-return-url"
	flagGatewayTimeout       = "gateway-timeout"
	flagRewardDaily          = "reward-daily-credits"
	flagRewardAd             = "reward-ad-credits"
	flagRewardReferral       = "reward-referral-credits"
	flagSweepInterval        = "sweep-interval"
	flagSweepOlderThan       = "sweep-older-than"
	flagSweepBatchSize       = "sweep-batch-size"

	flagUser      = "user"
	flagAmount    = "amount"
	flagReference = "reference"
	flagNote      = "note"
	flagRole      = "role"

	defaultDatabaseURL = "sqlite:///tmp/creditmarket.db"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "marketd",
		Short:         "Credit marketplace server and admin tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL, sqlite:// URL or sqlite file path")

	cmd.AddCommand(newServeCommand(settings))
	cmd.AddCommand(newGrantCommand(settings))
	cmd.AddCommand(newRolesCommand(settings))
	return cmd
}

func newServeCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and payment sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, settings); err != nil {
				return err
			}
			cfg := loadConfig(settings)
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return marketd.Run(ctx, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "tauth", "tauth session issuer")
	flags.String(flagSessionCookieName, "app_session", "tauth session cookie name")
	flags.String(flagWebhookSecret, "", "HMAC secret for payment webhooks")
	flags.Int64(flagCreditsPerUnit, 1, "credits granted per paid currency unit")
	flags.String(flagOTLPEndpoint, "", "OTLP/HTTP traces endpoint; empty disables tracing")
	flags.String(flagGatewayBaseURL, "", "payment gateway base URL")
	flags.String(flagGatewayMerchantID, "", "payment gateway merchant id")
	flags.String(flagGatewayServiceTypeID, "", "payment gateway service type id")
	flags.String(flagGatewayAPIKey, "", "payment gateway API key")
	flags.String(flagGatewayReturnURL, "", "URL the payer returns to after paying")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway request timeout")
	flags.Int64(flagRewardDaily, 0, "credits for the daily claim")
	flags.Int64(flagRewardAd, 0, "credits per watched ad")
	flags.Int64(flagRewardReferral, 0, "credits per referral")
	flags.Duration(flagSweepInterval, 0, "interval between stale payment sweeps")
	flags.Duration(flagSweepOlderThan, 0, "age after which a pending payment is re-verified")
	flags.Int(flagSweepBatchSize, 0, "payments re-verified per sweep")
	return cmd
}

func newGrantCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit a user's account; the reference makes re-runs safe",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, settings); err != nil {
				return err
			}
			return withDatabase(cmd, settings, func(ctx context.Context, database *marketd.Database, logger *zap.Logger) error {
				result, err := marketd.GrantCredits(ctx, database, logger,
					settings.GetString(flagUser),
					settings.GetInt64(flagAmount),
					settings.GetString(flagReference),
					settings.GetString(flagNote),
				)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry=%s balance=%d replayed=%t\n", result.EntryID, result.Balance.Int64(), result.Replayed)
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id to credit")
	cmd.Flags().Int64(flagAmount, 0, "credits to grant")
	cmd.Flags().String(flagReference, "", "unique grant reference")
	cmd.Flags().String(flagNote, "", "free-form note stored in entry metadata")
	_ = cmd.MarkFlagRequired(flagUser)
	_ = cmd.MarkFlagRequired(flagAmount)
	_ = cmd.MarkFlagRequired(flagReference)
	return cmd
}

func newRolesCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage marketplace roles",
	}
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Assign a role (student, lecturer, admin) to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, settings); err != nil {
				return err
			}
			return withDatabase(cmd, settings, func(ctx context.Context, database *marketd.Database, _ *zap.Logger) error {
				if err := marketd.GrantRole(ctx, database, settings.GetString(flagUser), settings.GetString(flagRole)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", settings.GetString(flagRole), settings.GetString(flagUser))
				return nil
			})
		},
	}
	grant.Flags().String(flagUser, "", "user id")
	grant.Flags().String(flagRole, "", "role name")
	_ = grant.MarkFlagRequired(flagUser)
	_ = grant.MarkFlagRequired(flagRole)
	cmd.AddCommand(grant)
	return cmd
}

// bindFlags binds the command's flags, and the inherited database flag, to settings.
func bindFlags(cmd *cobra.Command, settings *viper.Viper) error {
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return settings.BindPFlag(flagDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL))
}

func withDatabase(cmd *cobra.Command, settings *viper.Viper, fn func(context.Context, *marketd.Database, *zap.Logger) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	database, err := marketd.OpenDatabase(ctx, settings.GetString(flagDatabaseURL))
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = database.Close() }()
	return fn(ctx, database, logger)
}

func loadConfig(settings *viper.Viper) marketd.Config {
	cfg := marketd.Config{
		DatabaseURL:       settings.GetString(flagDatabaseURL),
		HTTPListenAddr:    settings.GetString(flagHTTPListenAddr),
		GRPCListenAddr:    settings.GetString(flagGRPCListenAddr),
		AllowedOrigins:    marketd.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		RequestTimeout:    settings.GetDuration(flagRequestTimeout),
		SessionSigningKey: settings.GetString(flagSessionSigningKey),
		SessionIssuer:     settings.GetString(flagSessionIssuer),
		SessionCookieName: settings.GetString(flagSessionCookieName),
		WebhookSecret:     settings.GetString(flagWebhookSecret),
		CreditsPerUnit:    settings.GetInt64(flagCreditsPerUnit),
		OTLPEndpoint:      settings.GetString(flagOTLPEndpoint),
		ServiceName:       "creditmarket",
	}
	cfg.Gateway.BaseURL = settings.GetString(flagGatewayBaseURL)
	cfg.Gateway.MerchantID = settings.GetString(flagGatewayMerchantID)
	cfg.Gateway.ServiceTypeID = settings.GetString(flagGatewayServiceTypeID)
	cfg.Gateway.APIKey = settings.GetString(flagGatewayAPIKey)
	cfg.Gateway.ReturnURL = settings.GetString(flagGatewayReturnURL)
	cfg.Gateway.Timeout = settings.GetDuration(flagGatewayTimeout)
	cfg.Rewards.DailyCredits = settings.GetInt64(flagRewardDaily)
	cfg.Rewards.AdCredits = settings.GetInt64(flagRewardAd)
	cfg.Rewards.ReferralCredits = settings.GetInt64(flagRewardReferral)
	cfg.Sweep.Interval = settings.GetDuration(flagSweepInterval)
	cfg.Sweep.OlderThan = settings.GetDuration(flagSweepOlderThan)
	cfg.Sweep.BatchSize = settings.GetInt(flagSweepBatchSize)
	return cfg
}
