// Server runs the push-auth HTTP API, the gRPC health service and the challenge expiry sweeper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"push-auth-control-plane/backend/internal/audit"
	audithandler "push-auth-control-plane/backend/internal/audit/handler"
	auditrepo "push-auth-control-plane/backend/internal/audit/repository"
	"push-auth-control-plane/backend/internal/config"
	"push-auth-control-plane/backend/internal/db"
	devicehandler "push-auth-control-plane/backend/internal/device/handler"
	devicerepo "push-auth-control-plane/backend/internal/device/repository"
	"push-auth-control-plane/backend/internal/devicetrust"
	"push-auth-control-plane/backend/internal/devpush"
	healthhandler "push-auth-control-plane/backend/internal/health/handler"
	"push-auth-control-plane/backend/internal/logger"
	"push-auth-control-plane/backend/internal/notify"
	"push-auth-control-plane/backend/internal/notify/webpush"
	policyengine "push-auth-control-plane/backend/internal/policy/engine"
	pushauthhandler "push-auth-control-plane/backend/internal/pushauth/handler"
	pushauthrepo "push-auth-control-plane/backend/internal/pushauth/repository"
	pushauthservice "push-auth-control-plane/backend/internal/pushauth/service"
	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/server"
	"push-auth-control-plane/backend/internal/server/middleware"
	sessionhandler "push-auth-control-plane/backend/internal/session/handler"
	sessionrepo "push-auth-control-plane/backend/internal/session/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
	subscriptionrepo "push-auth-control-plane/backend/internal/subscription/repository"
	subscriptionservice "push-auth-control-plane/backend/internal/subscription/service"
	"push-auth-control-plane/backend/internal/sweeper"
	"push-auth-control-plane/backend/internal/telemetry"
	oteladapter "push-auth-control-plane/backend/internal/telemetry/otel"
	"push-auth-control-plane/backend/internal/telemetry/producer"
)

const (
	serviceName       = "push-auth-server"
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newDatabase,
			newRedis,
			newStores,
			newPolicy,
			newTokenProvider,
			newIssuer,
			newSubscriptions,
			newResolver,
			newDelivery,
			newEvents,
			newAuditLogger,
			newEngine,
			newHealth,
			newRouter,
			server.NewGRPCServer,
		),
		fx.Invoke(startHTTPServer, startGRPCServer, startSweeper),
	)

	app.Run()
}

func newConfig() (*config.Config, error) {
	return config.Load()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

// newTelemetry installs the OTel providers globally. They are shut down after the servers stop and
// in-flight async emits have drained.
func newTelemetry(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*oteladapter.Providers, error) {
	providers, err := oteladapter.NewProviders(context.Background(), cfg.OTelEndpoint, serviceName, cfg.OTelInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	providers.SetGlobal()
	if cfg.OTelEndpoint != "" {
		log.Info("otel export enabled", zap.String("endpoint", cfg.OTelEndpoint))
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			select {
			case <-time.After(telemetry.ShutdownDrainDuration):
			case <-ctx.Done():
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return providers.Shutdown(stopCtx)
		},
	})
	return providers, nil
}

// newDatabase returns nil when DATABASE_URL is unset; every repository then uses memory.
func newDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory repositories")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}

// newRedis returns nil unless the challenge store is redis.
func newRedis(lc fx.Lifecycle, cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.ChallengeStore != config.StoreRedis {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

type stores struct {
	challenges    pushauthrepo.Repository
	devices       devicerepo.Repository
	subscriptions subscriptionrepo.Repository
	sessions      sessionrepo.Repository
	audit         auditrepo.Repository
}

func newStores(cfg *config.Config, conn *sql.DB, rdb redis.UniversalClient, log *zap.Logger) *stores {
	st := &stores{}
	if conn != nil {
		st.devices = devicerepo.NewPostgresRepository(conn)
		st.subscriptions = subscriptionrepo.NewPostgresRepository(conn)
		st.sessions = sessionrepo.NewPostgresRepository(conn)
		st.audit = auditrepo.NewPostgresRepository(conn)
	} else {
		st.devices = devicerepo.NewMemoryRepository()
		st.subscriptions = subscriptionrepo.NewMemoryRepository()
		st.sessions = sessionrepo.NewMemoryRepository()
		st.audit = auditrepo.NewMemoryRepository()
	}

	switch cfg.ChallengeStore {
	case config.StorePostgres:
		st.challenges = pushauthrepo.NewPostgresRepository(conn)
	case config.StoreRedis:
		st.challenges = pushauthrepo.NewRedisRepository(rdb, pushauthrepo.DefaultKeyPrefix, cfg.Retention())
	default:
		st.challenges = pushauthrepo.NewMemoryRepository()
	}
	log.Info("challenge store selected", zap.String("store", cfg.ChallengeStore))
	return st
}

func newPolicy(cfg *config.Config, log *zap.Logger) (*policyengine.OPAEvaluator, error) {
	policy, err := policyengine.LoadPolicyFile(cfg.PushPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load push policy: %w", err)
	}
	return policyengine.NewOPAEvaluator(context.Background(), policy, log)
}

func newTokenProvider(cfg *config.Config, log *zap.Logger) (*security.TokenProvider, error) {
	signer, pub, ephemeral, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey, !cfg.IsProduction())
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	if ephemeral {
		log.Warn("JWT keys not configured; using an ephemeral signing key")
	}
	return security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTTL(), cfg.RefreshTTL(), cfg.HandoffLifetime()), nil
}

func newIssuer(st *stores, tp *security.TokenProvider, cfg *config.Config) *sessionservice.Issuer {
	return sessionservice.NewIssuer(st.sessions, tp, cfg.RefreshTTL())
}

func newSubscriptions(st *stores, cfg *config.Config, log *zap.Logger) *subscriptionservice.Service {
	return subscriptionservice.NewService(st.devices, st.subscriptions, cfg.DeviceTrustTTL(), cfg.MaxSubscriptionFailures, log)
}

func newResolver(st *stores, policy *policyengine.OPAEvaluator, cfg *config.Config, log *zap.Logger) *devicetrust.Resolver {
	return devicetrust.NewResolver(st.subscriptions, st.devices, policy, cfg.MaxSubscriptionFailures, log)
}

// delivery is the push channel: Web Push, or the in-memory dev outbox when PUSH_DEV_OUTBOX is set.
type delivery struct {
	fanout         *notify.Fanout
	outbox         *devpush.MemoryStore
	vapidPublicKey string
}

func newDelivery(cfg *config.Config, log *zap.Logger) *delivery {
	d := &delivery{vapidPublicKey: cfg.VAPIDPublicKey}
	var dispatcher notify.Dispatcher
	if cfg.PushDevOutbox {
		d.outbox = devpush.NewMemoryStore()
		dispatcher = d.outbox
		log.Warn("push dev outbox enabled; notifications are not sent")
	} else {
		dispatcher = webpush.NewSender(webpush.Config{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		}, log)
	}
	d.fanout = notify.NewFanout(dispatcher, cfg.DispatchConcurrency, cfg.SendTimeout(), log)
	return d
}

// newEvents emits to OTel logs and, when KAFKA_BROKERS is set, to the telemetry topic.
func newEvents(lc fx.Lifecycle, cfg *config.Config, providers *oteladapter.Providers, log *zap.Logger) telemetry.EventEmitter {
	emitters := []telemetry.EventEmitter{oteladapter.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic, log); kp != nil {
		emitters = append(emitters, kp)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return kp.Close()
			},
		})
		log.Info("telemetry kafka producer enabled", zap.String("topic", cfg.TelemetryKafkaTopic))
	}
	return telemetry.Multi(emitters...)
}

func newAuditLogger(st *stores, log *zap.Logger) *audit.Logger {
	return audit.NewLogger(st.audit, middleware.ClientIP, log)
}

func newEngine(
	cfg *config.Config,
	st *stores,
	resolver *devicetrust.Resolver,
	d *delivery,
	issuer *sessionservice.Issuer,
	tp *security.TokenProvider,
	subs *subscriptionservice.Service,
	auditLogger *audit.Logger,
	events telemetry.EventEmitter,
	log *zap.Logger,
) (*pushauthservice.Engine, error) {
	return pushauthservice.NewEngine(pushauthservice.Deps{
		Challenges:    st.challenges,
		Devices:       resolver,
		Sender:        d.fanout,
		Sessions:      issuer,
		Handoff:       tp,
		Subscriptions: subs,
		Audit:         auditLogger,
		Telemetry:     events,
		Log:           log,
	}, pushauthservice.Config{
		TTL:          cfg.ChallengeTTL(),
		MaxPending:   cfg.PushAuthMaxPending,
		Retention:    cfg.Retention(),
		RedeemWindow: cfg.HandoffLifetime(),
	})
}

func newHealth(conn *sql.DB, policy *policyengine.OPAEvaluator, log *zap.Logger) *healthhandler.Server {
	var pinger healthhandler.Pinger
	if conn != nil {
		pinger = conn
	}
	return healthhandler.NewServer(pinger, policy, log)
}

func newRouter(
	cfg *config.Config,
	st *stores,
	engine *pushauthservice.Engine,
	subs *subscriptionservice.Service,
	d *delivery,
	issuer *sessionservice.Issuer,
	auditLogger *audit.Logger,
	events telemetry.EventEmitter,
	health *healthhandler.Server,
	log *zap.Logger,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	opts := pushauthhandler.Options{VAPIDPublicKey: d.vapidPublicKey, Telemetry: events}
	if d.outbox != nil {
		opts.Outbox = d.outbox
	}
	return server.NewRouter(server.RouterDeps{
		ServiceName: serviceName,
		Log:         log,
		Auth:        issuer,
		AuditLogger: auditLogger,
		Telemetry:   events,
		Health:      health,
		PushAuth:    pushauthhandler.NewHandler(engine, subs, opts, log),
		Sessions:    sessionhandler.NewHandler(issuer, st.sessions, auditLogger, events, log),
		Devices:     devicehandler.NewHandler(st.devices, auditLogger, log),
		Audit:       audithandler.NewHandler(st.audit, log),
	})
}

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
			}
			log.Info("http server listening", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startGRPCServer(lc fx.Lifecycle, cfg *config.Config, srv *grpc.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
			}
			log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("grpc server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				srv.Stop()
			}
			return nil
		},
	})
}

func startSweeper(lc fx.Lifecycle, cfg *config.Config, engine *pushauthservice.Engine, log *zap.Logger) error {
	sched, err := sweeper.New(cfg.PushAuthSweepSchedule, engine, log)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sched.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
	return nil
}
