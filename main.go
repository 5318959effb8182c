package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pulseim/archive"
	"pulseim/directory"
	"pulseim/fanout"
	"pulseim/gateway"
	"pulseim/global/config"
	"pulseim/logger"
	"pulseim/middleware"
	"pulseim/store"
	storeredis "pulseim/store/redis"
	"pulseim/tools/security"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	if err := config.Load(*cfgPath); err != nil {
		logger.Errorf("[main] load config: %v", err)
		os.Exit(1)
	}
	cfg := config.Global

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := storeredis.Init(storeredis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}); err != nil {
		logger.Errorf("[main] redis: %v", err)
		os.Exit(1)
	}
	defer func() { _ = storeredis.Close() }()
	rdb := storeredis.Get()

	if err := directory.Init(ctx, directory.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	}); err != nil {
		logger.Errorf("[main] mongo: %v", err)
		os.Exit(1)
	}
	defer func() { _ = directory.Close(context.Background()) }()
	dirStore := directory.NewStore(directory.DB())

	bus, err := fanout.NewNatsBus(fanout.NatsConfig{
		Servers:         cfg.Nats.Servers,
		Name:            cfg.Nats.Name,
		PublishAttempts: cfg.Retry.Attempts,
		PublishBackoff:  cfg.Retry.Backoff,
	})
	if err != nil {
		logger.Errorf("[main] nats: %v", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	var archiver *archive.Producer
	if cfg.Kafka.Enabled {
		archiver, err = archive.NewProducer(archive.Config{
			Brokers:      cfg.Kafka.Brokers,
			MessageTopic: cfg.Kafka.MessageTopic,
			ReceiptTopic: cfg.Kafka.ReceiptTopic,
		})
		if err != nil {
			logger.Errorf("[main] kafka: %v", err)
			os.Exit(1)
		}
		defer func() { _ = archiver.Close() }()
	}

	presence := store.NewRedisPresence(rdb, cfg.Heartbeat.PresenceTTL)
	srv := gateway.NewServer(gateway.Options{
		GatewayID:         cfg.GatewayID,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		SendQueue:         cfg.Fanout.SendQueue,
		DeliverWorkers:    cfg.Fanout.Workers,
		Retry: store.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Backoff:  cfg.Retry.Backoff,
		},
	}, gateway.Deps{
		Delivery:    store.NewRedisDelivery(rdb),
		Mailbox:     store.NewRedisMailbox(rdb, cfg.Mailbox.Cap, cfg.Mailbox.Retention),
		Presence:    presence,
		Routes:      presence,
		Bus:         bus,
		Idem:        fanout.NewMemIdem(10 * time.Minute),
		Directory:   dirStore,
		Persistence: dirStore,
		Auth:        security.NewTokenAuth(security.DefaultOptions(config.GetJwtSecret())),
		Devices:     dirStore,
		Archive:     archiver,
	})
	if err := srv.Start(); err != nil {
		logger.Errorf("[main] subscribe fanout: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(), middleware.Origin())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gateway_id": cfg.GatewayID,
			"conns":      len(srv.Registry().AllConns()),
		})
	})

	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: r}
	go func() {
		logger.Infof("[main] gateway %s listening on %s", cfg.GatewayID, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] serve: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Infof("[main] got %s, shutting down", s)
	case <-ctx.Done():
	}
	_ = httpSrv.Shutdown(context.Background())
}
