package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Darmau/koktohay-api/cmd/migrate"
	"github.com/Darmau/koktohay-api/internal/cache"
	"github.com/Darmau/koktohay-api/internal/config"
	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/geo"
	"github.com/Darmau/koktohay-api/internal/processor"
	"github.com/Darmau/koktohay-api/internal/queue"
	"github.com/Darmau/koktohay-api/internal/r2"
	"github.com/Darmau/koktohay-api/internal/redisholder"
	"github.com/Darmau/koktohay-api/internal/redismanager"
	"github.com/Darmau/koktohay-api/internal/repository/storage"
	"github.com/Darmau/koktohay-api/internal/transport/handler"
	"github.com/Darmau/koktohay-api/internal/transport/router"
	use_case "github.com/Darmau/koktohay-api/internal/use-case"
	"golang.org/x/sync/errgroup"
)

// GeoCacheNamespace prefixes the reverse geocoding results kept in Redis.
const GeoCacheNamespace = "koktohay:geo"

type App struct {
	HttpServer *http.Server
	Worker     *queue.Worker
	UseCase    handler.UseCase
	Repo       *storage.DBStorage

	holder *redisholder.Holder
	cfg    *config.Config
	log    *slog.Logger
}

// New connects every backing service. ctx bounds the lifetime of the
// background redis health loop.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := migrate.Migrate(ctx, cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	repo, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg.Redis, log)
	if err != nil {
		repo.Close()
		return nil, err
	}

	redisCache := cache.NewCache(GeoCacheNamespace, holder)
	producer := queue.NewProducer(holder, cfg.Worker.Stream, cfg.Worker.MaxLen)
	engine := processor.NewEngine(processor.Policy{Thumbnail: cfg.Pipeline.Thumbnail}, cfg.Pipeline.Concurrency, log)
	gateway := r2.NewGateway(log)

	uc := use_case.New(use_case.Deps{
		Store:   repo,
		Configs: repo,
		Queue:   producer,
		Bind: func(ctx context.Context, sc entities.StorageConfig) (use_case.Bucket, error) {
			return gateway.Bind(ctx, sc)
		},
		Engine: engine,
		Geo:    newLookup(cfg.Geo, redisCache, log),
		Log:    log,
	})

	rm := redismanager.NewManager(holder, cfg.Worker.LeaseTTL.Duration)
	proc := queue.NewProcessor(uc.ProcessImage, rm, queue.SentryReporter{}, log)
	worker := queue.NewWorker(holder, cfg.Worker, proc, producer, log)

	h := handler.New(uc, cfg, log)
	h.AddHealthCheck("postgres", repo.Ping)
	h.AddHealthCheck("redis", func(ctx context.Context) error {
		return holder.Get().Ping(ctx).Err()
	})
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	return &App{
		HttpServer: s,
		Worker:     worker,
		UseCase:    uc,
		Repo:       repo,
		holder:     holder,
		cfg:        cfg,
		log:        log,
	}, nil
}

// newLookup picks the reverse geocoder. Nil disables location lookup.
func newLookup(cfg config.GeoConfig, store geo.Store, log *slog.Logger) geo.Lookup {
	client := &http.Client{Timeout: cfg.Timeout.Duration}

	var l geo.Lookup
	switch cfg.Provider {
	case "amap":
		if cfg.AMapKey == "" {
			log.Warn("amap geocoder selected without a key, location lookup disabled")
			return nil
		}
		l = geo.NewAMap(cfg.AMapKey, cfg.BaseURL, client)
	case "nominatim":
		l = geo.NewNominatim(cfg.BaseURL, cfg.Language, cfg.MinInterval.Duration, client)
	case "":
		return nil
	default:
		log.Warn("unknown geocoder, location lookup disabled", "provider", cfg.Provider)
		return nil
	}

	if cfg.CacheEnabled {
		return geo.NewCached(l, store, cfg.CacheTTL.Duration, log)
	}
	return l
}

// Run serves HTTP and consumes jobs until ctx is cancelled, then drains both.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("starting server", "addr", a.HttpServer.Addr)
		err := a.HttpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.Worker.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Or(15*time.Second))
		defer cancel()
		a.log.Info("shutting down server")
		return a.HttpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

func (a *App) Close() {
	if err := a.holder.Close(); err != nil {
		a.log.Warn("close redis", "err", err)
	}
	a.Repo.Close()
}
