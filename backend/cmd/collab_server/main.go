package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	gin.SetMode(cfg.Running.Mode)
	log.Printf("collab server %s (%s) starting on :%d", buildVersion, buildCommit, cfg.Running.Port)

	// === 文档存储 ===
	var (
		docs      collab.DocumentStore
		creator   handlers.DocumentCreator
		retryable func(error) bool
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		gs := store.NewGormStore(db)
		docs, creator, retryable = gs, gs, store.IsRetryable
	} else {
		log.Printf("mysql.dsn is empty, documents are kept in memory")
		ms := store.NewMemoryStore()
		docs, creator = ms, ms
	}

	// === Kafka 事件 ===
	var publisher collab.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxInFlight: 8,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		defer dispatcher.Close()
		publisher = dispatcher
	}

	// === Redis 在线状态 ===
	var presence collab.PresenceMirror
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		mirror := cache.NewMirror(cache.NewRedisPresence(rdb), cfg.Redis.PresenceTTL, 4096)
		defer mirror.Close()
		presence = mirror
	}

	// === 协作引擎 ===
	hub := ws.NewHub()
	saves := collab.NewPersister(docs, hub, publisher, collab.PersisterOptions{
		Workers:         cfg.Collab.SaveWorkers,
		QueueSize:       cfg.Collab.SaveQueueSize,
		MaxRetry:        cfg.Collab.SaveMaxRetry,
		BaseBackoff:     cfg.Collab.SaveBaseBackoff,
		MaxBackoff:      cfg.Collab.SaveMaxBackoff,
		WriteTimeout:    cfg.Collab.SaveTimeout,
		PersistentAfter: cfg.Collab.PersistentAfter,
		Retryable:       retryable,
	})
	defer saves.Close()

	coord := collab.NewCoordinator(collab.CoordinatorOptions{
		Store:           docs,
		Sink:            hub,
		Saves:           saves,
		Publisher:       publisher,
		Presence:        presence,
		LoadTimeout:     cfg.Collab.LoadTimeout,
		PresenceRefresh: cfg.Collab.PresenceRefresh,
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = coord.Run(ctx)
	}()

	manager := ws.NewManager(hub, coord, ws.Options{
		SendQueueSize:  cfg.Collab.SendQueueSize,
		CursorRate:     cfg.Collab.CursorRate,
		CursorBurst:    cfg.Collab.CursorBurst,
		AllowedOrigins: cfg.Collab.AllowedOrigins,
	})

	auth, err := authMiddleware(cfg)
	if err != nil {
		log.Fatalf("init auth failed: %v", err)
	}

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.Register(r, handlers.NewDocumentHandler(docs, coord, creator), manager.WebSocketConnect, auth)
	r.GET("/collab/client-config", handlers.ClientConfig(handlers.ClientSettings{
		CursorDebounce: cfg.Client.CursorDebounce,
		CursorTimeout:  cfg.Client.CursorTimeout,
		SaveInterval:   cfg.Client.SaveInterval,
	}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-runDone
	// 剩下的 defer 依次关闭保存队列、Redis 镜像和 Kafka
}

// authMiddleware 优先调 auth-service，其次本地校验；都没配置时只有显式关闭鉴权才能启动
func authMiddleware(cfg *config.Config) (gin.HandlerFunc, error) {
	switch {
	case cfg.Auth.Disabled:
		log.Printf("WARNING: authentication disabled, clients are trusted to name themselves")
		return nil, nil
	case cfg.Auth.Path != "":
		return middleware.AuthMiddleware(middleware.NewRemoteVerifier(cfg.Auth.Path)), nil
	case cfg.Auth.JWTSecret != "":
		return middleware.AuthMiddleware(middleware.NewLocalVerifier(cfg.Auth.JWTSecret)), nil
	default:
		return nil, errors.New("set auth.path or auth.jwt_secret, or auth.disabled for development")
	}
}
