package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/auth"
	"github.com/MarcoPoloResearchLab/citypulse/internal/chat"
	"github.com/MarcoPoloResearchLab/citypulse/internal/config"
	"github.com/MarcoPoloResearchLab/citypulse/internal/database"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/logging"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/MarcoPoloResearchLab/citypulse/internal/server"
	"github.com/MarcoPoloResearchLab/citypulse/internal/uploads"
	"github.com/MarcoPoloResearchLab/citypulse/internal/users"
	"github.com/MarcoPoloResearchLab/citypulse/internal/votes"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "citypulse-api",
		Short: "CityPulse community credits backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(issueTokenCommand(), reconcileVotesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("upload-dir", defaults.GetString("uploads.directory"), "Directory for uploaded photos")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "uploads.directory", "upload-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime holds what every subcommand needs.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	ledger *ledger.Service
	votes  *votes.Service
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(database.Options{
		Driver:      appConfig.DatabaseDriver,
		Path:        appConfig.DatabasePath,
		DSN:         appConfig.DatabaseDSN,
		SeedCatalog: appConfig.SeedCatalog,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closeFn := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	idProvider := ids.NewUUIDProvider()
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	voteService, err := votes.NewService(votes.ServiceConfig{
		Database:   db,
		Ledger:     ledgerService,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return &runtime{
		config: appConfig,
		logger: logger,
		db:     db,
		ledger: ledgerService,
		votes:  voteService,
	}, closeFn, nil
}

func runServer(ctx context.Context) error {
	rt, closeFn, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeFn()
	appConfig, logger := rt.config, rt.logger
	idProvider := ids.NewUUIDProvider()

	reportService, err := reports.NewService(reports.ServiceConfig{
		Database:   rt.db,
		Ledger:     rt.ledger,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	rewardService, err := rewards.NewService(rewards.ServiceConfig{
		Database:   rt.db,
		Ledger:     rt.ledger,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: rt.db, Clock: time.Now})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	if appConfig.ChatAPIKey == "" {
		logger.Warn("chat api key not configured, assistant requests will fail")
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Model: chat.NewGeminiClient(chat.GeminiConfig{
			APIKey:  appConfig.ChatAPIKey,
			Model:   appConfig.ChatModel,
			BaseURL: appConfig.ChatBaseURL,
		}),
		Timeout: appConfig.ChatTimeout,
		Retries: appConfig.ChatRetries,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	store, err := uploads.NewDirectoryStore(afero.NewOsFs(), appConfig.UploadDirectory, appConfig.UploadPublicURL)
	if err != nil {
		return err
	}
	uploadService, err := uploads.NewService(uploads.ServiceConfig{
		Store:          store,
		Clock:          time.Now,
		Retries:        appConfig.UploadRetries,
		AttemptTimeout: appConfig.UploadStoreTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	chatLimiter, err := ratelimit.NewFixedWindow(ratelimit.Config{Name: "chat", Limit: appConfig.ChatLimit, Window: appConfig.ChatWindow})
	if err != nil {
		return err
	}
	uploadLimiter, err := ratelimit.NewFixedWindow(ratelimit.Config{Name: "upload", Limit: appConfig.UploadLimit, Window: appConfig.UploadWindow})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:        sessions,
		Profiles:        profiles,
		Ledger:          rt.ledger,
		Reports:         reportService,
		Votes:           rt.votes,
		Rewards:         rewardService,
		Chat:            chatService,
		Uploads:         uploadService,
		ChatLimiter:     chatLimiter,
		UploadLimiter:   uploadLimiter,
		Realtime:        server.NewRealtimeDispatcher(),
		AllowedOrigins:  appConfig.AllowedOrigins,
		TrustedProxies:  appConfig.TrustedProxies,
		UploadDirectory: store.Root(),
		UploadPublicURL: appConfig.UploadPublicURL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		server.RunSweeper(groupCtx, appConfig.RateLimitSweep, logger, chatLimiter, uploadLimiter)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func issueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed session token for a resident or administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = appConfig.SessionTTL
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningKey),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject of the token")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to session.ttl)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func reconcileVotesCommand() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "reconcile-votes",
		Short: "Recount vote rows and repair report counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeFn, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeFn()

			if reportID != "" {
				result, err := rt.votes.Reconcile(cmd.Context(), reportID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s up=%d down=%d repaired=%t\n", result.ReportID, result.Upvotes, result.Downvotes, result.Repaired)
				return nil
			}
			repaired, err := rt.votes.ReconcileAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, result := range repaired {
				fmt.Fprintf(cmd.OutOrStdout(), "%s up=%d down=%d repaired=%t\n", result.ReportID, result.Upvotes, result.Downvotes, result.Repaired)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d report(s) repaired\n", len(repaired))
			return nil
		},
	}
	cmd.Flags().StringVar(&reportID, "report-id", "", "Reconcile a single report")
	return cmd
}
