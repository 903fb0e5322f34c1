// Package server assembles a keel instance from configuration: storage
// backends, the gRPC services with their interceptor chain, the HTTP side
// (metrics, health probes and the event WebSocket) and the background work
// that keeps them running.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/audit"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/config"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/identity"
	"github.com/platinummonkey/keel/pkg/jobs"
	"github.com/platinummonkey/keel/pkg/locks"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/rpc"
	"github.com/platinummonkey/keel/pkg/schemas"
	"github.com/platinummonkey/keel/pkg/storage/postgres"
)

const healthSyncInterval = 10 * time.Second

// Server is an assembled keel instance
type Server struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	db     *sql.DB
	lockDB *sql.DB
	redis  *redis.Client

	tokens   *auth.TokenIssuer
	sessions auth.SessionStore
	services *rpc.Services
	events   events.Store
	bus      *events.Bus
	relay    events.Relay
	audit    audit.Logger
	sink     audit.Logger
	loader   *schemas.Loader
	limiter  rpc.Limiter
	jobs     *jobs.Scheduler

	grpc    *grpc.Server
	health  *health.Server
	checker *observability.HealthChecker
	http    *http.Server

	rootSecret string
}

// New connects to the configured backends and builds every service. The
// caller owns the returned server and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (s *Server, err error) {
	s = &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	if cfg.Observability.MetricsEnabled {
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metrics = observability.NewMetrics(s.registry)
	} else {
		s.metrics = observability.NewNopMetrics()
	}
	postgres.SetRetryHook(func(error) { s.metrics.StorageRetriesTotal.Inc() })

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := s.buildServices(ctx); err != nil {
		return nil, err
	}
	if err := s.buildJobs(); err != nil {
		return nil, err
	}
	s.buildTransports()

	if name := cfg.Auth.RootServiceAccount; name != "" {
		secret, err := s.services.ServiceAccounts.Bootstrap(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to bootstrap %s service account: %w", name, err)
		}
		if secret != "" {
			s.rootSecret = secret
			s.logger.WithFields(map[string]interface{}{"name": name, "secret": secret}).
				Warn("Created root service account; store this secret, it is not shown again")
		}
	}

	return s, nil
}

// connect opens the shared database and Redis connections the configured
// backends need
func (s *Server) connect(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Storage.PostgresURL != "" && s.uses(config.BackendPostgres) {
		db, err := postgres.Open(ctx, postgres.ConnectionConfig{
			URL:      cfg.Storage.PostgresURL,
			MaxConns: cfg.Storage.PostgresMaxConns,
			MinConns: cfg.Storage.PostgresMinConns,
			Timeout:  cfg.Storage.PostgresTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.db = db
		if err := postgres.Migrate(ctx, db, s.logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	if cfg.Storage.PostgresURL != "" && cfg.Catalog.LockBackend == config.BackendPostgres {
		// held locks pin a connection each; keep them off the catalog pool
		db, err := postgres.Open(ctx, postgres.ConnectionConfig{
			URL:      cfg.Storage.PostgresURL,
			MaxConns: cfg.Catalog.LockMaxConns,
			Timeout:  cfg.Storage.PostgresTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres for locks: %w", err)
		}
		s.lockDB = db
	}
	if cfg.Storage.RedisURL != "" && s.uses(config.BackendRedis) {
		client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:        cfg.Storage.RedisURL,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			MaxRetries: cfg.Storage.RedisMaxRetries,
			PoolSize:   cfg.Storage.RedisPoolSize,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
	}
	return nil
}

// uses reports whether any component is configured for backend
func (s *Server) uses(backend string) bool {
	cfg := s.cfg
	rateLimit := ""
	if cfg.Server.RateLimitRequests > 0 {
		rateLimit = cfg.Server.RateLimitBackend
	}
	for _, b := range []string{
		cfg.Storage.Backend,
		cfg.Auth.SessionBackend,
		cfg.Catalog.LockBackend,
		cfg.Catalog.EventRelay,
		cfg.Audit.Sink,
		rateLimit,
	} {
		if b == backend {
			return true
		}
	}
	return false
}

func (s *Server) buildServices(ctx context.Context) error {
	cfg := s.cfg
	logger := s.logger
	keyed := async.NewKeyedMutex()

	switch cfg.Auth.SessionBackend {
	case config.BackendPostgres:
		s.sessions = auth.NewPostgresSessionStore(s.db)
	case config.BackendRedis:
		s.sessions = auth.NewRedisSessionStore(s.redis)
	default:
		s.sessions = auth.NewMemorySessionStore()
	}
	s.tokens = auth.NewTokenIssuer(auth.TokenConfig{
		Secret:     []byte(cfg.Auth.TokenSecret),
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	}, s.sessions)

	var (
		idStore       identity.Store
		schemaStore   schemas.Store
		grantStore    permissions.Store
		resourceStore resources.Store
	)
	memGrants := permissions.NewMemoryStore()
	if cfg.Storage.Backend == config.BackendPostgres {
		idStore = identity.NewPostgresStore(s.db)
		schemaStore = schemas.NewPostgresStore(s.db)
		grantStore = permissions.NewPostgresStore(s.db)
		resourceStore = resources.NewPostgresStore(s.db)
		s.events = events.NewPostgresStore(s.db)
	} else {
		idStore = identity.NewMemoryStore()
		schemaStore = schemas.NewMemoryStore()
		grantStore = memGrants
		s.events = events.NewMemoryStore(0)
	}

	validator := schemas.NewSchemaValidator(schemaStore, cfg.Catalog.SchemaCacheSize, time.Minute, s.metrics)
	if resourceStore == nil {
		resourceStore = resources.NewMemoryStore(memGrants, validator)
	}

	groups := identity.NewGroups(idStore, s.metrics, logger)
	engine := permissions.NewEngine(grantStore, resourceStore, groups, keyed, s.metrics, logger)

	switch cfg.Catalog.EventRelay {
	case config.BackendPostgres:
		relay, err := events.NewPostgresRelay(s.db, cfg.Storage.PostgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		s.relay = relay
	case config.BackendRedis:
		s.relay = events.NewRedisRelay(s.redis, logger)
	}
	busOpts := []events.BusOption{
		events.WithStore(s.events),
		events.WithBufferSize(cfg.Catalog.EventBuffer),
		events.WithMetrics(s.metrics),
	}
	if s.relay != nil {
		busOpts = append(busOpts, events.WithRelay(s.relay))
	}
	s.bus = events.NewBus(engine, logger, busOpts...)

	var lockBackend locks.Backend
	switch cfg.Catalog.LockBackend {
	case config.BackendPostgres:
		lockBackend = locks.NewPostgresBackend(s.lockDB, cfg.Catalog.LockLivenessTimeout, cfg.Catalog.LockMaxConns, logger)
	case config.BackendRedis:
		lockBackend = locks.NewRedisBackend(s.redis, cfg.Catalog.LockLivenessTimeout, logger)
	default:
		lockBackend = locks.NewMemoryBackend()
	}

	authenticator, err := s.buildAuthenticator(ctx, idStore)
	if err != nil {
		return err
	}

	schemaService := schemas.NewService(schemaStore, validator, logger)
	s.services = &rpc.Services{
		Resources:       resources.NewService(resourceStore, validator, engine, s.bus, keyed, s.metrics, logger),
		Schemas:         schemaService,
		Permissions:     engine,
		Events:          events.NewService(s.bus, engine),
		Locks:           locks.NewService(lockBackend, s.metrics, logger),
		Users:           identity.NewUsers(idStore, s.metrics, logger),
		ServiceAccounts: identity.NewServiceAccounts(idStore, s.metrics, logger),
		Authenticator:   authenticator,
		Groups:          groups,
	}

	if dir := cfg.Catalog.SchemaDir; dir != "" {
		s.loader = schemas.NewLoader(schemaService, dir, logger)
		n, err := s.loader.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load schemas from %s: %w", dir, err)
		}
		logger.WithFields(map[string]interface{}{"dir": dir, "count": n}).Info("Loaded schemas")
	}

	if err := s.buildAudit(ctx); err != nil {
		return err
	}
	s.buildLimiter()
	return nil
}

// buildAuthenticator wires the login methods that are configured. Unset
// methods stay nil interfaces so the authenticator rejects them.
func (s *Server) buildAuthenticator(ctx context.Context, store identity.Store) (*identity.Authenticator, error) {
	cfg := s.cfg.Auth
	var (
		did  identity.DIDChecker
		oidc identity.OIDCChecker
	)
	if cfg.DIDMaxSkew > 0 {
		did = auth.NewDIDVerifier(cfg.DIDMaxSkew, s.sessions)
	}
	if cfg.OIDCIssuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to configure OIDC login: %w", err)
		}
		oidc = verifier
	}
	return identity.NewAuthenticator(store, s.tokens, did, oidc, s.metrics, s.logger), nil
}

func (s *Server) buildAudit(ctx context.Context) error {
	var sink audit.Logger
	switch s.cfg.Audit.Sink {
	case config.BackendPostgres:
		l, err := audit.NewSQLLogger(ctx, s.db, audit.DialectPostgres)
		if err != nil {
			return err
		}
		sink = l
	case config.BackendSQLite:
		l, err := audit.OpenSQLite(ctx, s.cfg.Audit.SQLitePath)
		if err != nil {
			return err
		}
		sink = l
	default:
		sink = audit.NewLogSink(s.logger)
	}
	s.sink = sink
	s.audit = audit.NewAsyncLogger(context.Background(), sink, 4, s.logger)
	return nil
}

func (s *Server) buildLimiter() {
	sc := s.cfg.Server
	if sc.RateLimitRequests <= 0 {
		return
	}
	limit := rpc.RateLimit{Requests: sc.RateLimitRequests, Window: sc.RateLimitWindow, Burst: sc.RateLimitBurst}
	if sc.RateLimitBackend == config.BackendRedis {
		s.limiter = rpc.NewRedisLimiter(s.redis, limit)
		return
	}
	s.limiter = rpc.NewMemoryLimiter(limit)
}

// buildJobs schedules the periodic maintenance the backends need
func (s *Server) buildJobs() error {
	cfg := s.cfg
	s.jobs = jobs.NewScheduler(s.logger, 10*time.Minute)

	if sweeper, ok := s.sessions.(jobs.Sweeper); ok && cfg.Auth.SessionSweep != "" {
		if err := s.jobs.Add("session-sweep", cfg.Auth.SessionSweep, jobs.SessionSweep(sweeper)); err != nil {
			return err
		}
	}

	if cfg.Archive.Enabled {
		client, err := events.NewS3Client(context.Background(), events.S3Config{
			Bucket:          cfg.Archive.S3Bucket,
			Region:          cfg.Archive.S3Region,
			Endpoint:        cfg.Archive.S3Endpoint,
			AccessKeyID:     cfg.Archive.S3AccessKey,
			SecretAccessKey: cfg.Archive.S3SecretKey,
			UsePathStyle:    cfg.Archive.S3UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to configure event archive: %w", err)
		}
		archiver := events.NewArchiver(s.events, client,
			cfg.Archive.S3Bucket, cfg.Archive.S3Prefix, cfg.Archive.Retention, s.logger)
		if err := s.jobs.Add("event-archive", cfg.Archive.Schedule, jobs.EventArchive(archiver)); err != nil {
			return err
		}
	}

	if pruner, ok := s.sink.(jobs.Pruner); ok && cfg.Audit.Retention > 0 {
		if err := s.jobs.Add("audit-prune", "30 4 * * *", jobs.Prune(pruner, cfg.Audit.Retention)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildTransports() {
	cfg := s.cfg
	s.grpc = rpc.NewServer(s.services, rpc.Options{
		Tokens:         s.tokens,
		Audit:          s.audit,
		Limiter:        s.limiter,
		Metrics:        s.metrics,
		Logger:         s.logger,
		MaxRecvMsgSize: cfg.Server.MaxRecvMsgSize,
		Liveness:       cfg.Catalog.LockLivenessTimeout,
	})
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.checker = observability.NewHealthChecker(s.db, s.redis, cfg.Observability.OTelServiceVersion)

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, s.checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, s.registry)
	}
	router.Handle("/v1/events/ws",
		events.NewWebSocketHandler(s.services.Events, s.tokens, cfg.Server.AllowedOrigins, s.logger))

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(router, "keel-http")
	}
	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// GRPC returns the gRPC server, for graceful shutdown
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Handler returns the HTTP handler serving metrics, health and the event
// WebSocket
func (s *Server) Handler() http.Handler { return s.http.Handler }

// RootSecret returns the root service account secret when New created the
// account, and "" otherwise
func (s *Server) RootSecret() string { return s.rootSecret }

// Run serves gRPC on grpcLis and HTTP on httpLis (which may be nil) and
// runs the background work until ctx is done or the gRPC server is
// stopped.
func (s *Server) Run(ctx context.Context, grpcLis, httpLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	background := map[string]func(context.Context) error{
		"event bus": s.bus.Run,
		"health sync": func(ctx context.Context) error {
			s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			s.checker.SyncGRPC(ctx, s.health, healthSyncInterval, rpc.ServiceNames()...)
			return nil
		},
		"jobs": func(ctx context.Context) error {
			s.jobs.Start()
			<-ctx.Done()
			stopCtx, stop := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer stop()
			return s.jobs.Stop(stopCtx)
		},
	}
	if s.db != nil {
		background["db stats"] = func(ctx context.Context) error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.metrics.UpdateDBStats(s.db.Stats())
				}
			}
		}
	}
	if s.loader != nil && s.cfg.Catalog.SchemaWatch {
		background["schema watch"] = s.loader.Watch
	}
	if l, ok := s.limiter.(*rpc.MemoryLimiter); ok {
		l.StartCleanup(gctx)
	}

	for name, run := range background {
		name, run := name, run
		g.Go(func() error {
			if err := run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.logger.WithField("addr", grpcLis.Addr().String()).Info("Serving gRPC")
		err := s.grpc.Serve(grpcLis)
		cancel()
		return err
	})
	if httpLis != nil {
		g.Go(func() error {
			s.logger.WithField("addr", httpLis.Addr().String()).Info("Serving HTTP")
			if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer stop()
		_ = s.http.Shutdown(shutdownCtx)
		s.grpc.GracefulStop()
		return nil
	})

	return g.Wait()
}

// Close flushes the audit trail and releases connections. Call it after
// Run returns.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event relay: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.lockDB != nil {
		if err := s.lockDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres locks: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}
