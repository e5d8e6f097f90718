package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "chat_relay/server/common/auth"
	"chat_relay/server/common/infra/cache"
	"chat_relay/server/common/infra/db"
	"chat_relay/server/common/infra/mq"
	"chat_relay/server/common/infra/object"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/api"
	"chat_relay/server/relay/service"
)

type Server struct {
	HTTPServer  *http.Server
	Coordinator *service.Coordinator
	Multiplexer *service.Multiplexer
	Redis       *redis.Client
	Postgres    *pgxpool.Pool
	MQConn      *amqp.Connection
	Publisher   *service.AMQPPublisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	ok := false
	defer func() {
		if !ok {
			s.closeInfra()
		}
	}()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	store := service.NewStoreClient(cfg.StoreEndpoints, cfg.InternalKey, cfg.StoreTimeout)
	credits := service.NewCreditClient(cfg.CreditEndpoints, cfg.InternalKey, cfg.StoreTimeout)
	domains := service.NewDomainCache(store, 1024, cfg.DomainCacheTTL)

	deps := service.CoordinatorDeps{Store: store, Domains: domains, Metrics: metrics}
	if cfg.UseRedis {
		s.Redis = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx, s.Redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		deps.Fanout = service.NewRedisFanout(s.Redis, cfg.InstanceID)
		deps.Deduper = service.NewRedisDeduper(s.Redis, cfg.DedupeTTL, service.DedupePendingTTL(cfg.StoreTimeout))
		deps.OnceGate = service.NewRedisOnceGate(s.Redis)
		deps.Locker = service.NewRedisRoomLocker(s.Redis, 3*cfg.StoreTimeout)
	} else {
		deps.Deduper = service.NewLocalDeduper(100000, cfg.DedupeTTL, service.DedupePendingTTL(cfg.StoreTimeout))
	}

	var ledger service.UsageLedger = store
	if cfg.UsePostgresLedger {
		pool, err := db.NewPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns))
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		s.Postgres = pool
		pgLedger := service.NewPostgresLedger(pool)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure usage ledger schema: %w", err)
		}
		ledger = pgLedger
	}

	var documents service.DocumentSource = service.NoDocuments{}
	if cfg.UseMinio {
		client, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		exists, err := object.BucketReady(ctx, client, cfg.MinioBucket)
		if err != nil {
			return nil, fmt.Errorf("check documents bucket: %w", err)
		}
		if !exists {
			commonlog.Warnf("event=server_init action=documents status=bucket_missing bucket=%s", cfg.MinioBucket)
		}
		documents = service.NewMinioDocuments(client, cfg.MinioBucket, cfg.DocumentTTL)
	}

	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.MQConn = conn
		publisher, err := service.NewAMQPPublisher(conn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		s.Publisher = publisher
		deps.Notifier = publisher
	}

	completer := service.NewOpenAICompleter(service.OpenAIConfig{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		CheapModel:   cfg.OpenAICheapModel,
		PremiumModel: cfg.OpenAIPremiumModel,
		MaxTokens:    cfg.OpenAIMaxTokens,
		Temperature:  cfg.OpenAITemperature,
	})
	deps.Responder = service.NewResponder(service.ResponderDeps{
		Completer: completer,
		Credits:   credits,
		Ledger:    ledger,
		Domains:   domains,
		Documents: documents,
		Metrics:   metrics,
		Timeout:   cfg.AITimeout,
	})

	s.Coordinator = service.NewCoordinator(service.CoordinatorConfig{
		InstanceID:       cfg.InstanceID,
		HistoryReplay:    cfg.HistoryReplay,
		RecentCache:      cfg.RecentCache,
		GracePeriod:      cfg.GracePeriod,
		MailboxSize:      cfg.MailboxSize,
		StoreTimeout:     cfg.StoreTimeout,
		RequireAdminAuth: cfg.RequireAdminAuth,
	}, deps)
	s.Multiplexer = service.NewMultiplexer(s.Coordinator, service.MultiplexerConfig{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		PingInterval:     cfg.PingInterval,
		SendBuffer:       cfg.SendBuffer,
	}, metrics)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := api.NewHandler(s.Coordinator, s.Multiplexer, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes), registry)
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	commonlog.Infof("event=server_init action=ready status=ok instance_id=%s redis=%t postgres_ledger=%t mq=%t minio=%t require_admin_auth=%t", s.Coordinator.InstanceID(), cfg.UseRedis, cfg.UsePostgresLedger, cfg.UseMQ, cfg.UseMinio, cfg.RequireAdminAuth)
	ok = true
	return s, nil
}

// Run consumes cross-instance room events until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.Coordinator.Run(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Multiplexer.Close()
	s.Coordinator.Close()
	s.closeInfra()
	return err
}

func (s *Server) closeInfra() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
