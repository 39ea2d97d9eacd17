package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/rafflebot/internal/config"
	"github.com/hitoshi/rafflebot/internal/database"
	"github.com/hitoshi/rafflebot/internal/eligibility"
	"github.com/hitoshi/rafflebot/internal/handler"
	"github.com/hitoshi/rafflebot/internal/logger"
	"github.com/hitoshi/rafflebot/internal/metrics"
	"github.com/hitoshi/rafflebot/internal/middleware"
	"github.com/hitoshi/rafflebot/internal/presenter"
	"github.com/hitoshi/rafflebot/internal/raffle"
	"github.com/hitoshi/rafflebot/internal/repository"
	"github.com/hitoshi/rafflebot/internal/store"
	"github.com/hitoshi/rafflebot/internal/telegram"
)

const (
	shutdownTimeout = 30 * time.Second
	// announceHook は当選発表フックの名前（メトリクスのラベル）。
	announceHook = "announce"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定済みのログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("channel", cfg.ChannelUsername),
		slog.String("storage_driver", string(cfg.StorageDriver)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandBot:
		return runBot(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// storage は選択された永続化バックエンドのリポジトリ群。
type storage struct {
	raffles      repository.RaffleRepository
	participants repository.ParticipantRepository
	health       handler.HealthChecker
	close        func() error
}

// openStorage はSTORAGE_DRIVERに応じてリポジトリを構築する。
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverBadger:
		kv, err := store.Open(store.WithDir(cfg.BadgerDir), store.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		if cfg.BadgerDir == "" {
			log.Warn("BADGER_DIRが未設定のためインメモリで動作します。再起動でデータは失われます")
		}
		return &storage{
			raffles:      repository.NewKVRaffleRepo(kv),
			participants: repository.NewKVParticipantRepo(kv),
			health:       kv,
			close:        kv.Close,
		}, nil
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(ctx, db, cfg.StorageTimeout); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")
		return &storage{
			raffles:      repository.NewPostgresRaffleRepo(db),
			participants: repository.NewPostgresParticipantRepo(db),
			health:       db,
			close:        db.Close,
		}, nil
	}
}

// components はボットを構成する依存関係。
type components struct {
	client   *telegram.Client
	service  *raffle.Service
	updates  *telegram.UpdateHandler
	drafts   *telegram.DraftStore
	registry *prometheus.Registry
}

// wire はストレージとTelegramクライアントから全依存関係を組み立てる。
func wire(cfg *config.Config, st *storage, client *telegram.Client, log *slog.Logger) *components {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	present := presenter.New(cfg.ChannelUsername, cfg.Location)

	verifier := eligibility.NewChannelVerifier(client, cfg.ChannelUsername, eligibility.Config{
		Timeout:    cfg.EligibilityTimeout,
		RatePerSec: cfg.EligibilityRatePerSec,
	}, log).WithObserver(collector)

	service := raffle.NewService(st.raffles, st.participants, verifier, raffle.Config{
		MaxWinners:             cfg.MaxWinners,
		StorageTimeout:         cfg.StorageTimeout,
		CheckTimeout:           cfg.EligibilityTimeout,
		HookTimeout:            cfg.HookTimeout,
		EligibilityConcurrency: cfg.EligibilityConcurrency,
	}, log).
		WithObserver(collector).
		WithDrawHook(announceHook, telegram.NewWinnerAnnouncer(client, cfg.ChannelUsername, present))

	drafts := telegram.NewDraftStore(cfg.DraftTTL)
	updates := telegram.NewUpdateHandler(client, service, drafts, present, telegram.HandlerConfig{
		Channel:    cfg.ChannelUsername,
		MaxWinners: cfg.MaxWinners,
		IsAdmin:    cfg.IsAdmin,
	}, log).WithObserver(collector)

	return &components{
		client:   client,
		service:  service,
		updates:  updates,
		drafts:   drafts,
		registry: registry,
	}
}

func newTelegramClient(cfg *config.Config, log *slog.Logger) *telegram.Client {
	// ロングポーリングの待機時間より長いタイムアウトが必要
	httpClient := &http.Client{Timeout: cfg.PollTimeout + 15*time.Second}
	return telegram.NewClient(cfg.BotToken, httpClient, log).WithEndpoint(cfg.TelegramAPIURL)
}

func newRouter(cfg *config.Config, st *storage, c *components, limiter *middleware.RateLimiter, log *slog.Logger) http.Handler {
	deps := &handler.RouterDeps{
		Logger:        log,
		HealthChecker: st.health,
		HealthTimeout: cfg.StorageTimeout,
		Metrics:       metrics.Handler(c.registry),
		RaffleService: c.service,
		AdminAPIToken: cfg.AdminAPIToken,
		RateLimiter:   limiter,
	}
	if cfg.WebhookURL != "" {
		deps.Dispatcher = c.updates
		deps.WebhookSecret = cfg.WebhookSecret
	}
	return handler.NewRouter(deps)
}

func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Second)
}

// startUpdates はWebhookを登録するか、ロングポーリングを開始する。
func startUpdates(ctx context.Context, g *errgroup.Group, cfg *config.Config, c *components, log *slog.Logger) error {
	if cfg.WebhookURL != "" {
		if err := c.client.SetWebhook(ctx, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			return fmt.Errorf("failed to set webhook: %w", err)
		}
		log.Info("webhook registered", slog.String("url", cfg.WebhookURL))
		return nil
	}

	// Webhookが残っているとgetUpdatesは409になる
	if err := c.client.DeleteWebhook(ctx); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	poller := telegram.NewPoller(c.client, c.updates, telegram.PollerConfig{
		Timeout:         cfg.PollTimeout,
		CallbackWorkers: cfg.EligibilityConcurrency,
	}, log)
	g.Go(func() error {
		return poller.Run(ctx)
	})
	return nil
}

// runServe はボットとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	c := wire(cfg, st, newTelegramClient(cfg, log), log)
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer limiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(cfg, st, c, limiter, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		c.drafts.RunSweeper(gctx, sweepInterval(cfg.DraftTTL))
		return nil
	})

	if err := startUpdates(gctx, g, cfg, c, log); err != nil {
		log.Error("failed to start receiving updates", slog.String("error", err.Error()))
		cancel()
		return errors.Join(err, g.Wait())
	}

	err = g.Wait()
	c.service.Wait()
	if err != nil {
		return err
	}
	log.Info("stopped gracefully")
	return nil
}

// runBot はHTTPサーバーなしでロングポーリングのボットを起動する。
func runBot(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	if cfg.WebhookURL != "" {
		log.Warn("botコマンドはWebhookを使用しません。WEBHOOK_URLを無視してロングポーリングで起動します")
	}
	pollingCfg := *cfg
	pollingCfg.WebhookURL = ""

	st, err := openStorage(ctx, &pollingCfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	c := wire(&pollingCfg, st, newTelegramClient(&pollingCfg, log), log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.drafts.RunSweeper(gctx, sweepInterval(pollingCfg.DraftTTL))
		return nil
	})
	if err := startUpdates(gctx, g, &pollingCfg, c, log); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	err = g.Wait()
	c.service.Wait()
	if err != nil {
		return err
	}
	log.Info("bot stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		slog.Info("migrations are not required for this storage driver",
			slog.String("storage_driver", string(cfg.StorageDriver)),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
