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

	"github.com/hitoshi/voicediary/internal/config"
	"github.com/hitoshi/voicediary/internal/database"
	"github.com/hitoshi/voicediary/internal/handler"
	"github.com/hitoshi/voicediary/internal/link"
	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/logger"
	"github.com/hitoshi/voicediary/internal/metrics"
	"github.com/hitoshi/voicediary/internal/middleware"
	"github.com/hitoshi/voicediary/internal/notify"
	"github.com/hitoshi/voicediary/internal/repository"
	"github.com/hitoshi/voicediary/internal/security"
	"github.com/hitoshi/voicediary/internal/worker/cleanup"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("unknown log level, using info", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると各モードを停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	switch cmd {
	case CommandHealthcheck:
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, "http://localhost:"+port)
	case CommandClient:
		// クライアントモードではwを結果出力に使うため、ログは標準エラーに出す
		logger.SetupDefault(os.Stderr)
		cfg, err := config.LoadClient()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		_ = logger.SetLevel(cfg.LogLevel)
		return runClient(ctx, w, cfg, args[1:])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// backend は選択されたストレージバックエンド上のリポジトリ群。
type backend struct {
	requests repository.LinkRequestRepository
	children repository.LinkedChildRepository
	health   handler.HealthChecker
	close    func() error
}

// openBackend は設定に従ってSQLiteまたはPostgreSQLのリポジトリを構築する。
// SQLiteの場合は破損データの復旧をメトリクスに記録する。
func openBackend(ctx context.Context, cfg *config.Config, collector metrics.MetricsCollector) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return &backend{
			requests: repository.NewPostgresLinkRequestRepo(db),
			children: repository.NewPostgresLinkedChildRepo(db),
			health:   db,
			close:    db.Close,
		}, nil
	default:
		kv, err := localstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		slog.Info("sqlite store opened", slog.String("path", cfg.SQLitePath))
		return &backend{
			requests: repository.NewLocalLinkRequestRepo(kv, slog.Default(), collector.RecordStorageRecovered),
			children: repository.NewLocalLinkedChildRepo(kv, slog.Default(), collector.RecordStorageRecovered),
			health:   kv,
			close:    kv.Close,
		}, nil
	}
}

// newNotifier はSES_FROM_EMAILが設定されていればSES、なければログ出力の通知を返す。
func newNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	if cfg.SESFromEmail == "" {
		return notify.NewLogNotifier(slog.Default()), nil
	}
	n, err := notify.NewSESNotifier(ctx, cfg.SESRegion, cfg.SESFromEmail, slog.Default())
	if err != nil {
		return nil, err
	}
	return n, nil
}

// newAPIHandler はAPIサーバーのルーターを構築する。
// 返却されるclose関数でレートリミッターとストレージを解放する。
func newAPIHandler(ctx context.Context, cfg *config.Config) (http.Handler, func(), error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. ストレージ
	be, err := openBackend(ctx, cfg, collector)
	if err != nil {
		return nil, nil, err
	}

	// 3. 通知
	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		be.close()
		return nil, nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	// 4. ドメインサービスの初期化
	store := link.NewStore(be.requests, slog.Default())
	parents := link.NewParentController(store, be.children).WithRecorder(collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubmit),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		JWTSecret:         []byte(cfg.JWTSecret),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		HealthChecker:     be.health,
		Metrics:           collector,
		Gatherer:          reg,
		LinkService:       handler.NewLinkRequestServiceAdapter(store),
		ParentService:     parents,
		Notifier:          notifier,
		Sanitizer:         security.NewTextSanitizer(),
		BaseURL:           cfg.BaseURL,
	})

	closeFn := func() {
		rateLimiter.Stop()
		if err := be.close(); err != nil {
			slog.Error("failed to close store", slog.String("error", err.Error()))
		}
	}
	return router, closeFn, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンする。
func runServe(ctx context.Context, cfg *config.Config) error {
	router, closeFn, err := newAPIHandler(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilDone(ctx, server); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// serveUntilDone はserverを起動し、ctxの終了またはリッスンエラーまでブロックする。
func serveUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...", slog.String("addr", server.Addr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 解決済みリクエストの保持期間切れを定期削除し、メトリクスを専用ポートで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	be, err := openBackend(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer be.close()

	job := cleanup.NewCleanupJob(be.requests, slog.Default(), collector)
	job.RetentionDays = cfg.RetentionDays

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobDone := make(chan struct{})
	go func() {
		defer close(jobDone)
		job.Start(ctx, cfg.CleanupInterval)
	}()

	slog.Info("worker starting",
		slog.Int("retention_days", cfg.RetentionDays),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	err = serveUntilDone(ctx, metricsServer)
	<-jobDone
	if err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// PostgreSQLではすべての未適用マイグレーションを順番に適用し、
// SQLiteではストアを開いてスキーマを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend == config.BackendSQLite {
		slog.Info("preparing sqlite store", slog.String("path", cfg.SQLitePath))
		kv, err := localstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return kv.Close()
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
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
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
