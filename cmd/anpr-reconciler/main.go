package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"anpr-reconciler/internal/anomaly"
	"anpr-reconciler/internal/audit"
	"anpr-reconciler/internal/config"
	"anpr-reconciler/internal/db"
	httpapi "anpr-reconciler/internal/http"
	"anpr-reconciler/internal/images"
	"anpr-reconciler/internal/ingest"
	"anpr-reconciler/internal/lock"
	"anpr-reconciler/internal/logger"
	"anpr-reconciler/internal/repository"
	"anpr-reconciler/internal/service"
	"anpr-reconciler/internal/sites"
	"anpr-reconciler/internal/timeutil"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Console)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
	log.Info().Msg("service stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(db.Options{
		DSN:             cfg.DB.DSN,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		SlowThreshold:   cfg.DB.SlowQuery,
	}, log)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store := repository.NewGormRepository(gdb)
	clock := timeutil.RealClock{}

	locker := lock.Chain{lock.NewKeyedMutex()}
	if cfg.Redis.URL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.PoolSize,
			cfg.Redis.DialTimeout, cfg.Redis.ReadTimeout, cfg.Redis.WriteTimeout)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = append(locker, lock.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.AcquireTimeout, log))
		log.Info().Msg("distributed pair lock enabled")
	}

	var publisher audit.Publisher = audit.NewLogPublisher(log)
	var producer *kgo.Client
	if len(cfg.Kafka.Brokers) > 0 && cfg.Audit.KafkaTopic != "" {
		producer, err = kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return err
		}
		defer producer.Close()
		publisher = audit.NewKafkaPublisher(producer, cfg.Audit.KafkaTopic)
	}
	dispatcher := audit.NewDispatcher(publisher, cfg.Audit.BufferSize, log)

	reconciler := service.NewReconciliationService(
		store,
		locker,
		sites.NewStaticRegistry(cfg.Sites.Allowed),
		dispatcher,
		log,
		service.WithClock(clock),
	)
	detector := anomaly.NewDetector(store, clock)
	scanner := anomaly.NewScanner(detector, cfg.Anomaly.ScanMinHours, cfg.Anomaly.ScanInterval, log)
	signer := images.NewSigner(cfg.Images.BaseURL, cfg.Images.SigningKey, cfg.Images.URLTTL, cfg.Images.CacheSize)
	query := service.NewQueryService(store, detector, signer)

	gin.SetMode(gin.ReleaseMode)
	handler := httpapi.NewHandler(reconciler, query, cfg, log)
	router := httpapi.NewRouter(handler, httpapi.NewAuthMiddleware(cfg.Auth.JWTSecret, log),
		cfg.HTTP.AllowedOrigins, sqlDB.PingContext, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return scanner.Run(ctx) })

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.MovementsTopic != "" {
		consumerClient, err := ingest.NewClient(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.MovementsTopic)
		if err != nil {
			return err
		}
		consumer := ingest.NewConsumer(consumerClient, reconciler, log)
		g.Go(func() error { return consumer.Run(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			consumerClient.Close()
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
