package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"taskqueue/internal/broker"
	"taskqueue/internal/config"
	"taskqueue/internal/handlers"
	"taskqueue/internal/logger"
	"taskqueue/internal/registry"
	"taskqueue/internal/resultstore"
	"taskqueue/internal/service/echo"
	"taskqueue/internal/taskcontext"
	"taskqueue/internal/worker"
)

var (
	methodErrorStore = []string{"method", "error"}
)

type App struct {
	cfg *config.Config
}

func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	logger.Init(app.cfg.System.LogLevel)

	db := app.initDB(ctx)
	defer db.Close()

	storeReqCount := kitprometheus.NewCounterFrom(
		prometheus.CounterOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "request_count",
			Help:      "result store request count",
		}, methodErrorStore,
	)
	storeReqDuration := kitprometheus.NewSummaryFrom(
		prometheus.SummaryOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "request_duration",
			Help:      "result store request duration",
		},
		methodErrorStore,
	)

	store := resultstore.NewPostgres(db)
	store = resultstore.NewInstrumentingMiddleware(storeReqCount, storeReqDuration, store)

	queueBroker := broker.NewPostgres(db, broker.Config{
		Lease:        app.cfg.Queue.Lease,
		PollInterval: app.cfg.Queue.PollInterval,
	})

	// The subsystem must fail to start, not silently degrade, when
	// its endpoints are unreachable.
	if err := queueBroker.Ping(ctx); err != nil {
		log.Fatalf("Broker unreachable at startup: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Result store unreachable at startup: %v", err)
	}

	builder := registry.NewBuilder()
	handlers.RegisterAll(
		builder,
		echo.NewSvc(),
	)
	taskRegistry := builder.Build()

	factory := taskcontext.NewStatic(map[string]any{
		"db": db,
	})

	pool, err := worker.New(worker.Config{
		Concurrency:       app.cfg.Worker.Concurrency,
		MaxTasksPerSlot:   app.cfg.Worker.MaxTasksPerSlot,
		SoftTimeLimit:     app.cfg.Worker.SoftTimeLimit,
		HardTimeLimit:     app.cfg.Worker.HardTimeLimit,
		DequeueTimeout:    app.cfg.Queue.DequeueTimeout,
		ControlInterval:   app.cfg.Worker.ControlInterval,
		HeartbeatInterval: app.cfg.Worker.HeartbeatInterval,
		SweepInterval:     app.cfg.Results.SweepInterval,
		RetentionTTL:      app.cfg.Results.RetentionTTL,
		StalenessWindow:   app.cfg.Results.StalenessWindow,
	}, queueBroker, store, taskRegistry, factory, prometheus.DefaultRegisterer)
	if err != nil {
		log.WithError(err).Error("Failed to create worker pool")
		return
	}

	pool.Start(ctx)

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsServer := &fasthttp.Server{
		Handler:            metricsRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if serveErr := metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); serveErr != nil {
			log.WithError(serveErr).Error("metrics server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		if stopErr := pool.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error stopping worker pool")
		}

		_ = metricsServer.Shutdown()
		log.Info("goodbye")
	}(<-c)
}

func (app *App) initDB(ctx context.Context) *pgxpool.Pool {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		app.cfg.DB.UserName, app.cfg.DB.Password, app.cfg.DB.Address(), app.cfg.DB.DataBase)

	dbpool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("Unable to create connection pool: %v\n", err)
	}

	return dbpool
}
