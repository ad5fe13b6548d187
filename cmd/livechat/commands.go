package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"studio.dev/livechat/internal/api"
	"studio.dev/livechat/internal/auth"
	"studio.dev/livechat/internal/client"
	"studio.dev/livechat/internal/config"
	"studio.dev/livechat/internal/console"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/ratelimit"
	"studio.dev/livechat/internal/relay"
	"studio.dev/livechat/internal/store"
	"studio.dev/livechat/internal/tui"
	"studio.dev/livechat/internal/widget"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "livechat",
		Short:         "Website live chat server and terminal clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadConfig()
			logging.Init(logging.Config{Level: config.AppConfig.LogLevel, Format: config.AppConfig.LogFormat})
		},
	}
	cmd.AddCommand(newServeCmd(), newConsoleCmd(), newVisitCmd(), newHashPasswordCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.AppConfig)
		},
	}
}

func serve(cfg config.Config) error {
	log := logging.Component("server")
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, store.WithPublisher(bus))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	chatService := core.NewChatService(dbStore, bus, core.Options{
		Greeting:        cfg.GreetingText,
		SubscribeBuffer: cfg.SubscribeBuffer,
	})

	var limiter ratelimit.Allower = ratelimit.Unlimited{}
	if cfg.RedisAddr != "" {
		rdb, err := ratelimit.NewRedisClient(ratelimit.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewFixedWindow(rdb, cfg.SendRateLimit, cfg.SendRateWindow)
		log.Info().Str("addr", cfg.RedisAddr).Int("limit", cfg.SendRateLimit).Dur("window", cfg.SendRateWindow).Msg("Send rate limit enabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := relay.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		rel := relay.New(producer, cfg.KafkaTopic)
		if err := rel.Start(bus); err != nil {
			producer.Close()
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		defer func() {
			rel.Close()
			log.Info().Int64("sent", rel.Sent()).Int64("dropped", rel.Dropped()).Msg("Event relay stopped")
		}()
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Relaying chat events to kafka")
	}

	apiHandler := api.NewAPIHandler(chatService, api.Config{
		JWTSecret:         cfg.JWTSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		AllowedOrigins:    cfg.AllowedOrigins,
		Limiter:           limiter,
		RateWindow:        cfg.SendRateWindow,
	})
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// websocket feeds are long lived; their writes carry their own deadlines
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	}
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server exiting gracefully")
	return nil
}

func newConsoleCmd() *cobra.Command {
	var server, password string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open the admin console",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = p
			}
			logging.Discard()
			c, err := client.New(server)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := c.Login(ctx, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			n := &tui.Notifier{}
			return tui.RunConsole(console.New(c, console.OnChange(n.Notify)), n)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "chat server base URL")
	cmd.Flags().StringVar(&password, "password", os.Getenv("LIVECHAT_ADMIN_PASSWORD"), "admin password (prompted when empty)")
	return cmd
}

func newVisitCmd() *cobra.Command {
	var server, identityPath string
	cmd := &cobra.Command{
		Use:   "visit",
		Short: "Open the visitor chat widget",
		RunE: func(cmd *cobra.Command, args []string) error {
			// the terminal belongs to the widget
			logging.Discard()
			if identityPath == "" {
				dir, err := os.UserConfigDir()
				if err != nil {
					return fmt.Errorf("failed to locate config dir: %w", err)
				}
				identityPath = filepath.Join(dir, "livechat", "visitor.json")
			}
			ids := core.NewIdentityManager(core.NewFileStorage(identityPath))

			var opts []client.Option
			if v := ids.Current(); v != nil {
				opts = append(opts, client.WithVisitorID(v.ID))
			}
			c, err := client.New(server, opts...)
			if err != nil {
				return err
			}

			n := &tui.Notifier{}
			return tui.RunWidget(widget.New(c, ids, widget.OnChange(n.Notify)), n)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "chat server base URL")
	cmd.Flags().StringVar(&identityPath, "identity", "", "visitor identity file (defaults to the user config dir)")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				p, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = p
			}
			if strings.TrimSpace(password) == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "Admin password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
