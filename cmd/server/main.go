package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"autotrader/internal/api"
	"autotrader/internal/bot"
	"autotrader/internal/cache"
	"autotrader/internal/config"
	"autotrader/internal/exchange"
	"autotrader/internal/repository"
	"autotrader/internal/service"
	"autotrader/internal/strategy"
	"autotrader/internal/websocket"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"
)

const (
	// журнал алертов старше удаляется
	notificationRetention = 30 * 24 * time.Hour
	cleanupInterval       = time.Hour

	shutdownTimeout = 30 * time.Second
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Logger

	if err := run(cfg, logger); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server exited")
}

func run(cfg *config.Config, logger *utils.Logger) error {
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := repository.Open(openCtx, cfg.Database)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("name", cfg.Database.Name))

	if cfg.Database.AutoMigrate {
		applied, err := repository.Migrate(ctx, db)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", zap.Strings("files", applied))
		}
	}

	// Redis: зеркало heartbeat и блокировка восстановления (необязателен)
	store := cache.New(cfg.Redis)
	defer store.Close()
	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			log.Warn("redis unavailable, recovery relies on database claims only", zap.Error(err))
		}
		cancel()
	}

	// Инициализация репозиториев
	sessionRepo := repository.NewSessionRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	snapshotRepo := repository.NewPerformanceRepository(db)
	accountRepo := repository.NewExchangeRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Транспорт биржи: общий Requester на процесс
	requester, err := newRequester(cfg.Exchange, logger.WithExchange(cfg.Exchange.Name).Logger)
	if err != nil {
		return err
	}
	newExchange := func(name string, creds exchange.CredentialSource) (exchange.Exchange, error) {
		return exchange.NewExchange(name, requester, creds)
	}

	// Публичный клиент для справочника контрактов и проверки доступности
	public, err := newExchange(cfg.Exchange.Name, func(context.Context) (exchange.Credentials, error) {
		return exchange.Credentials{}, exchange.ErrMissingSecret
	})
	if err != nil {
		return err
	}
	if cfg.Exchange.RequireHealthOK {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Exchange.AttemptTimeout)
		err := public.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("exchange %s unreachable: %w", cfg.Exchange.Name, err)
		}
	}
	catalog := exchange.NewCatalog(logger.WithComponent("catalog").Logger)

	// Инициализация сервисов
	credentialService, err := service.NewCredentialService(accountRepo, []byte(cfg.Security.EncryptionKey), logger.WithComponent("credentials").Logger)
	if err != nil {
		return fmt.Errorf("credential service: %w", err)
	}
	credentialService.SetVerifier(func(ctx context.Context, name string, creds exchange.Credentials) error {
		ex, err := newExchange(name, func(context.Context) (exchange.Credentials, error) { return creds, nil })
		if err != nil {
			return err
		}
		_, err = ex.GetAccount(ctx)
		return err
	})

	hub := websocket.NewHub(logger.WithComponent("websocket").Logger)
	hub.SetAllowedOrigins(cfg.Security.CORSOrigins)

	notificationService := service.NewNotificationService(notificationRepo, cfg.Engine.AlertBuffer, logger.WithComponent("notifications").Logger)
	notificationService.SetWebSocketHub(hub)

	engine := bot.NewEngine(cfg.Engine, bot.Deps{
		Sessions:    sessionRepo,
		Orders:      orderRepo,
		Snapshots:   snapshotRepo,
		Mirror:      store,
		Credentials: credentialService,
		NewExchange: newExchange,
		Strategies:  strategy.NewRegistry(),
		Rules:       catalog,
		Notifier:    notificationService,
		Broadcaster: hub,
		RefreshCatalog: func(ctx context.Context) error {
			return catalog.Refresh(ctx, public)
		},
		CatalogInterval: cfg.Exchange.CatalogRefresh,
	}, logger.WithComponent("engine").Logger)

	// Фоновые задачи
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		hub.Run()
	}()
	go func() {
		defer wg.Done()
		notificationService.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanupNotifications(ctx, notificationService, log)
	}()

	engineErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		engineErr <- engine.Run(ctx)
	}()

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		Engine:              engine,
		CredentialService:   credentialService,
		NotificationService: notificationService,
		Hub:                 hub,
		DB:                  db,
		SessionHistory:      sessionRepo,
		OrderHistory:        orderRepo,
		AllowedOrigins:      cfg.Security.CORSOrigins,
		APITokenHash:        cfg.Security.APITokenHash,
		Logger:              logger.WithComponent("api").Logger,
	})
	if cfg.Security.APITokenHash == "" {
		log.Warn("API_TOKEN_HASH not set, API is unauthenticated")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", server.Addr), zap.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-engineErr:
		if err != nil {
			runErr = fmt.Errorf("engine stopped: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// движок отпускает сессии, сервис алертов дописывает очередь
	hub.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("background tasks did not finish in time")
	}

	return runErr
}

// newRequester устойчивый транспорт с кандидатами из конфига
func newRequester(cfg config.ExchangeConfig, log *zap.Logger) (*exchange.Requester, error) {
	candidates := exchange.DefaultCandidates(cfg.Name)
	if len(cfg.Candidates) > 0 {
		candidates = candidates[:0:0]
		for _, raw := range cfg.Candidates {
			c, err := exchange.ParseCandidate(raw)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, c)
		}
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts
	retryCfg.BaseDelay = cfg.BackoffBase
	retryCfg.MaxDelay = cfg.BackoffMax

	return exchange.NewRequester(exchange.RequesterConfig{
		Exchange:       cfg.Name,
		Candidates:     candidates,
		Retry:          retryCfg,
		AttemptTimeout: cfg.AttemptTimeout,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig()), exchange.ErrorParserFor(cfg.Name), log)
}

// cleanupNotifications периодически удаляет старые алерты
func cleanupNotifications(ctx context.Context, svc *service.NotificationService, log *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Cleanup(ctx, notificationRetention)
			if err != nil {
				log.Warn("notification cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("old notifications removed", zap.Int64("count", n))
			}
		}
	}
}
