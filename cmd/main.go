package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"line-gateway/handler"
	"line-gateway/internal/config"
	"line-gateway/internal/integrations/backend"
	"line-gateway/internal/integrations/line"
	"line-gateway/internal/integrations/notify"
	"line-gateway/internal/integrations/paramstore"
	"line-gateway/internal/repository"
	"line-gateway/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.DatabaseType == config.DatabaseDynamoDB || cfg.ParamPrefix != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
	}

	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		creds, err := ssmClient.LoadChannelCredentials(ctx, cfg.ParamPrefix)
		if err != nil {
			fatal("failed to load channel credentials", err)
		}
		if creds.ChannelSecret != "" {
			cfg.ChannelSecret = creds.ChannelSecret
		}
		if creds.ChannelAccessToken != "" {
			cfg.ChannelAccessToken = creds.ChannelAccessToken
		}
	}
	if cfg.ChannelSecret == "" {
		logger.Warn("LINE_CHANNEL_SECRET is not set, webhook signatures will not be verified")
	}

	// ---- Clients ----
	store, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		fatal("failed to open event store", err)
	}
	defer store.Close()

	lineClient := line.NewClient(cfg.ChannelAccessToken,
		line.WithBaseURL(cfg.LineAPIBaseURL),
		line.WithHTTPClient(&http.Client{Timeout: cfg.LineAPITimeout}),
		line.WithLogger(logger),
	)
	notifier := notify.NewClient(cfg.NotifyWebhookURL,
		notify.WithHTTPClient(&http.Client{Timeout: cfg.NotifyTimeout}),
	)
	forwarder := backend.NewForwarder(cfg.OldSystemWebhookURL, cfg.NewSystemWebhookURL,
		backend.WithTimeout(cfg.ForwardTimeout),
		backend.WithLogger(logger),
	)

	// ---- Use cases ----
	reconciler, err := usecase.NewReconciler(cfg.ReplyMode, lineClient, cfg.ReplyPushFallback, logger)
	if err != nil {
		fatal("failed to create reconciler", err)
	}
	relay, err := usecase.NewRelay(usecase.RelayDeps{
		Classifier:        usecase.NewClassifier(cfg.OldSystemKeywords, cfg.HighValueKeywords),
		Forwarder:         forwarder,
		Reconciler:        reconciler,
		Store:             store,
		Notifier:          notifier,
		Logger:            logger,
		ChannelSecret:     cfg.ChannelSecret,
		SideEffectTimeout: cfg.SideEffectTimeout,
	})
	if err != nil {
		fatal("failed to create relay", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(relay, handler.WithAdminKey(cfg.AdminAPIKey), handler.WithLogger(logger))
	if err != nil {
		fatal("failed to create handler", err)
	}

	logger.Info("LINE webhook gateway starting",
		"reply_mode", cfg.ReplyMode,
		"push_fallback", cfg.ReplyPushFallback,
		"old_system_keywords", strings.Join(cfg.OldSystemKeywords, ","),
		"high_value_keywords", strings.Join(cfg.HighValueKeywords, ","),
		"database", cfg.DatabaseType,
		"old_backend_configured", cfg.OldSystemWebhookURL != "",
		"new_backend_configured", cfg.NewSystemWebhookURL != "",
	)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		lambda.Start(h.Handle)
		return
	}
	if err := serve(cfg.Addr(), cfg.EventBudget(), h, logger); err != nil {
		logger.Error("server stopped", "err", err)
		store.Close()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config, awsCfg aws.Config) (repository.EventStore, error) {
	switch cfg.DatabaseType {
	case config.DatabaseDynamoDB:
		return repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
	case config.DatabasePostgres:
		return repository.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return repository.OpenSQLite(ctx, cfg.DatabaseURL)
	}
}

// serve runs the standalone server. writeTimeout covers a single event; the
// handler extends the deadline for longer deliveries.
func serve(addr string, writeTimeout time.Duration, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
