package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/sinanour/cultivate-sub007/pkg/areatree"
	"github.com/sinanour/cultivate-sub007/pkg/audit"
	"github.com/sinanour/cultivate-sub007/pkg/auth"
	"github.com/sinanour/cultivate-sub007/pkg/authz"
	"github.com/sinanour/cultivate-sub007/pkg/feed"
	"github.com/sinanour/cultivate-sub007/pkg/hardening"
	"github.com/sinanour/cultivate-sub007/pkg/hierarchy"
	"github.com/sinanour/cultivate-sub007/pkg/httpx"
	"github.com/sinanour/cultivate-sub007/pkg/metrics"
	"github.com/sinanour/cultivate-sub007/pkg/ratelimit"
	"github.com/sinanour/cultivate-sub007/pkg/rulestore"
	"github.com/sinanour/cultivate-sub007/pkg/store"
	"github.com/sinanour/cultivate-sub007/pkg/stream"
	"github.com/sinanour/cultivate-sub007/pkg/telemetry"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Areas               authz.TreeSource
	Rules               rulestore.Store
	Eval                *authz.Evaluator
	Batch               *hierarchy.BatchQuery
	Audit               auditStore
	Events              *stream.Hub
	Feed                feedPublisher
	Redis               *redis.Client
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	AdminRoles          []string
	MaxRequestBodyBytes int64
	IdempotencyTTL      time.Duration
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	ListForUser(ctx context.Context, userID string, limit int) ([]audit.Record, error)
}

type feedPublisher interface {
	Publish(ctx context.Context, evt stream.Event) error
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	openFeedFnG    = feed.FromEnv
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) { go s.metricsLoop(context.Background()) }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	idempotencyTTL := time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 600))

	areas := &areatree.PostgresSource{DB: pool}
	rules := &rulestore.Postgres{DB: pool}
	eval := &authz.Evaluator{Areas: areas, Rules: rules}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Areas:               areas,
		Rules:               rules,
		Eval:                eval,
		Batch:               &hierarchy.BatchQuery{Eval: eval},
		Audit:               &audit.Writer{DB: pool},
		Events:              stream.NewHub(),
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		AdminRoles:          splitRoles(env("ADMIN_BYPASS_ROLES", "securityadmin,geoadmin")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		IdempotencyTTL:      idempotencyTTL,
	}

	feedPub, err := openFeedFnG()
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if feedPub != nil {
		defer feedPub.Close()
		s.Feed = feedPub
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Post("/v1/areas", s.withRoles(s.createArea, "geoadmin", "securityadmin"))
	authRouter.Get("/v1/areas/{area_id}", s.withRoles(s.getArea, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Patch("/v1/areas/{area_id}", s.withRoles(s.patchArea, "geoadmin", "securityadmin"))
	authRouter.Delete("/v1/areas/{area_id}", s.withRoles(s.deleteArea, "geoadmin", "securityadmin"))
	authRouter.Get("/v1/areas/{area_id}/children", s.withRoles(s.listChildren, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Post("/v1/areas:batchDetails", s.withRoles(s.batchDetails, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Post("/v1/areas:batchAncestors", s.withRoles(s.batchAncestors, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Post("/v1/areas:batchDescendants", s.withRoles(s.batchDescendants, "viewer", "coordinator", "geoadmin", "securityadmin"))

	authRouter.Post("/v1/rules", s.withRoles(s.createRule, "geoadmin", "securityadmin"))
	authRouter.Delete("/v1/rules/{rule_id}", s.withRoles(s.deleteRule, "geoadmin", "securityadmin"))
	authRouter.Get("/v1/users/{user_id}/rules", s.withRoles(s.listUserRules, "coordinator", "geoadmin", "securityadmin"))
	authRouter.Get("/v1/users/{user_id}/access/{area_id}", s.withRoles(s.checkAccess, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Get("/v1/users/{user_id}/authorization-info", s.withRoles(s.authorizationInfo, "viewer", "coordinator", "geoadmin", "securityadmin"))
	authRouter.Get("/v1/users/{user_id}/audit", s.withRoles(s.listUserAudit, "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "coordinator", "geoadmin", "securityadmin"))
	r.Mount("/", authRouter)

	if startLoopsFnG != nil {
		startLoopsFnG(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			key = principal.Subject
		}
		d := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// requester resolves the caller identity for visibility filtering. Admin
// roles see every area regardless of their own rules.
func (s *Server) requester(r *http.Request) hierarchy.Requester {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return hierarchy.Requester{}
	}
	return hierarchy.Requester{
		UserID: principal.Subject,
		Admin:  auth.HasAnyRole(principal, s.AdminRoles...),
	}
}

func (s *Server) actor(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.Subject
	}
	return "anonymous"
}

func (s *Server) publish(ctx context.Context, evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Feed != nil {
		if err := s.Feed.Publish(ctx, evt); err != nil {
			log.Printf("feed publish failed: %v", err)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var areaCount int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM geographic_areas`).Scan(&areaCount)
	s.Metrics.SetGauge("areas_total", float64(areaCount))
	var ruleCount int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM authorization_rules`).Scan(&ruleCount)
	s.Metrics.SetGauge("rules_total", float64(ruleCount))
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	}
}

func splitRoles(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
