package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/auth"
	"github.com/MarcoPoloResearchLab/teamforge/internal/chat"
	"github.com/MarcoPoloResearchLab/teamforge/internal/codec"
	"github.com/MarcoPoloResearchLab/teamforge/internal/config"
	"github.com/MarcoPoloResearchLab/teamforge/internal/database"
	"github.com/MarcoPoloResearchLab/teamforge/internal/groups"
	"github.com/MarcoPoloResearchLab/teamforge/internal/identifiers"
	"github.com/MarcoPoloResearchLab/teamforge/internal/logging"
	"github.com/MarcoPoloResearchLab/teamforge/internal/server"
	"github.com/MarcoPoloResearchLab/teamforge/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teamforge-api",
		Short: "TeamForge group chat backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newKeygenCommand(), newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("chat-key-mode", defaults.GetString("chat.key_mode"), "Chat key mode (group, static)")
	cmd.PersistentFlags().Int("chat-open-workers", defaults.GetInt("chat.open_workers"), "Parallelism when opening message history")
	cmd.PersistentFlags().String("cors-origins", defaults.GetString("cors.allowed_origins"), "Comma separated allowed CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie")
	bindFlag(cmd, "chat.key_mode", "chat-key-mode")
	bindFlag(cmd, "chat.open_workers", "chat-open-workers")
	bindFlag(cmd, "cors.allowed_origins", "cors-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A local .env file seeds TEAMFORGE_* variables during development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Only the implicit lookup may come up empty; an explicit file must load.
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 chat key for chat.key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := codec.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newSessionCommand() *cobra.Command {
	var (
		email    string
		userID   string
		name     string
		lifetime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a development session token signed with session.signing_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(viper.GetString("session.signing_secret")),
				Issuer:        viper.GetString("session.issuer"),
				TTL:           lifetime,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.Issue(auth.SessionClaims{
				UserID:          userID,
				UserEmail:       email,
				UserDisplayName: name,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Member email")
	cmd.Flags().StringVar(&userID, "user-id", "", "Provider qualified user id, e.g. google:123")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().DurationVar(&lifetime, "ttl", 30*time.Minute, "Token lifetime")
	return cmd
}

// newKeyProvider decodes the configured chat key and wraps it for the key mode.
func newKeyProvider(mode, encodedKey string) (codec.KeyProvider, error) {
	key, err := codec.ParseKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("chat.key: %w", err)
	}
	switch mode {
	case config.KeyModeStatic:
		provider, err := codec.NewStaticKeyProvider(key)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case config.KeyModeGroup:
		provider, err := codec.NewGroupKeyProvider(key)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("chat.key_mode: unsupported mode %q", mode)
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	keys, err := newKeyProvider(appConfig.ChatKeyMode, appConfig.ChatKey)
	if err != nil {
		return err
	}
	messageCodec, err := codec.New(codec.Config{Keys: keys, OpenWorkers: appConfig.ChatOpenWorkers})
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	groupService, err := groups.NewService(groups.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: identifiers.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Codec:      messageCodec,
		Membership: groupService,
		Notifier:   dispatcher,
		Clock:      time.Now,
		IDProvider: identifiers.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Identities:     identityService,
		Groups:         groupService,
		Chat:           chatService,
		Realtime:       dispatcher,
		Logger:         logger,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("chat_key_mode", appConfig.ChatKeyMode))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
