package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/cmd/migrate"
	"github.com/seriusokhatsky/image-optimization/internal/blob"
	"github.com/seriusokhatsky/image-optimization/internal/cache"
	"github.com/seriusokhatsky/image-optimization/internal/config"
	"github.com/seriusokhatsky/image-optimization/internal/logger"
	"github.com/seriusokhatsky/image-optimization/internal/quota"
	"github.com/seriusokhatsky/image-optimization/internal/queue"
	"github.com/seriusokhatsky/image-optimization/internal/reaper"
	"github.com/seriusokhatsky/image-optimization/internal/redisholder"
	"github.com/seriusokhatsky/image-optimization/internal/repository/quotastore"
	"github.com/seriusokhatsky/image-optimization/internal/repository/taskstore"
	"github.com/seriusokhatsky/image-optimization/internal/transport/handler"
	"github.com/seriusokhatsky/image-optimization/internal/transport/router"
	"github.com/seriusokhatsky/image-optimization/internal/usecase"
)

type App struct {
	HttpServer *http.Server
	Logger     *zap.Logger
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	log, err := logger.New(cfg.Sentry.Environment)
	if err != nil {
		return nil, err
	}

	if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, err
	}

	tasks, err := taskstore.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	quotas := quotastore.New(tasks.Pool())

	holder, err := redisholder.Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rc := holder.Get()

	quotaCache := cache.NewCache("imgopt:quota", rc)
	source := quota.NewHTTPSource(&cfg.Quota, quotaCache, log)
	ledger := quota.NewLedger(quotas, source, log)

	storage, err := blob.NewStorage(&cfg.S3, log)
	if err != nil {
		return nil, err
	}

	producer := queue.Init(ctx, rc, cfg.Worker, tasks, storage, log)

	retention := time.Duration(cfg.Reaper.RetentionHours) * time.Hour
	uc := usecase.New(tasks, storage, ledger, producer, retention, log)

	rp := reaper.New(tasks, storage, cfg.Reaper.Interval*time.Second, log)
	go rp.Run(ctx)

	h := handler.New(uc, cfg, log)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return &App{
		HttpServer: s,
		Logger:     log,
	}, nil
}

func (a *App) Run() error {
	a.Logger.Info("starting server", zap.String("addr", a.HttpServer.Addr))
	return a.HttpServer.ListenAndServe()
}
