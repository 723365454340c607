package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/audit"
	"github.com/example/consentvault/internal/cache"
	cfg "github.com/example/consentvault/internal/config"
	"github.com/example/consentvault/internal/consent"
	"github.com/example/consentvault/internal/logger"
)

var jwtSecret []byte

type App struct {
	DB               DB
	consents         *consent.Service
	logger           *zap.Logger
	rateLimiter      *RateLimiter
	defaultRateLimit int
	now              func() time.Time
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write json", zap.Error(err))
	}
}

func openDB(c *cfg.Config, log *zap.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Info("Applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := ApplyMigrations(c.MigrationsDir, c.PostgresDSN, log); err != nil {
			return nil, err
		}
		return NewPostgresDB(c.PostgresDSN)
	case "memory":
		log.Warn("Using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	}
	return nil, errors.New("unsupported DB_ADAPTER: " + c.DBAdapter)
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)
	r.Use(ClientInfo)

	// Preflight requests match no method-restricted route otherwise.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !a.DB.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Public
	v1.HandleFunc("/consents/beacon", a.HandleBeaconConsent).Methods("POST")

	// User endpoints
	user := v1.NewRoute().Subrouter()
	user.Use(a.UserAuth)
	user.HandleFunc("/users/me", a.HandleRegisterUser).Methods("POST")
	user.HandleFunc("/users/me", a.HandleGetMe).Methods("GET")
	user.HandleFunc("/partners", a.HandleCreatePartner).Methods("POST")
	user.HandleFunc("/consents", a.HandleGenerateConsent).Methods("POST")
	user.HandleFunc("/consents/revoke", a.HandleRevokeConsent).Methods("POST")

	// Verification accepts a user token or a partner key
	verify := v1.NewRoute().Subrouter()
	verify.Use(a.UserOrPartnerAuth)
	verify.Use(a.RateLimit)
	verify.HandleFunc("/consents/verify", a.HandleVerifyConsent).Methods("POST")

	// Partner endpoints
	partner := v1.PathPrefix("/partner").Subrouter()
	partner.Use(a.PartnerAPIKeyAuth)
	partner.Use(a.CORS)
	partner.Use(a.RateLimit)
	partner.HandleFunc("/check-user-consent", a.HandleCheckUserConsent).Methods("POST")

	// Admin endpoints
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(a.UserAuth)
	admin.Use(RequireRole(roleOwner))
	admin.HandleFunc("/consents", a.HandleListConsents).Methods("GET")
	admin.HandleFunc("/consents/counts", a.HandleConsentCounts).Methods("GET")
	admin.HandleFunc("/consents/{id}", a.HandleGetConsent).Methods("GET")
	admin.HandleFunc("/consents/{id}/activate", a.HandleActivateConsent).Methods("PATCH")
	admin.HandleFunc("/users", a.HandleListUsers).Methods("GET")
	admin.HandleFunc("/users/{id}/status", a.HandleSetUserStatus).Methods("PATCH")
	admin.HandleFunc("/partners", a.HandleListPartners).Methods("GET")
	admin.HandleFunc("/partners/{id}/status", a.HandleSetPartnerStatus).Methods("PATCH")
	admin.HandleFunc("/partners/{id}/rate-limit", a.HandleGetRateLimit).Methods("GET")
	admin.HandleFunc("/partners/{id}/rate-limit", a.HandleUpdateRateLimit).Methods("PATCH")
	admin.HandleFunc("/rate-limits", a.HandleListRateLimits).Methods("GET")
	admin.HandleFunc("/partners/{id}/credentials", a.HandleIssueCredential).Methods("POST")
	admin.HandleFunc("/partners/{id}/credentials", a.HandleListCredentials).Methods("GET")
	admin.HandleFunc("/credentials/{id}/revoke", a.HandleRevokeCredential).Methods("PATCH")
	admin.HandleFunc("/audits", a.HandleListAudits).Methods("GET")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	log, err := logger.New(c.LogLevel, c.Env)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	jwtSecret = []byte(c.JwtSecret)

	db, err := openDB(c, log)
	if err != nil {
		log.Fatal("Database init failed", zap.String("adapter", c.DBAdapter), zap.Error(err))
	}
	log.Info("Database ready", zap.String("adapter", c.DBAdapter))

	var (
		store       cache.Store = cache.NewMemory()
		redisClient *redis.Client
	)
	if c.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		rc := cache.NewRedis(redisClient, "consentvault", logger.WithComponent(log, "cache"))
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal("Redis unreachable", zap.String("addr", c.RedisAddr), zap.Error(err))
		}
		store = rc
		log.Info("Using Redis for consent cache and revoke de-duplication", zap.String("addr", c.RedisAddr))
	}

	sinks := []audit.Sink{db}
	var kafkaSink *audit.KafkaSink
	if len(c.KafkaBrokers) > 0 {
		kafkaSink = audit.NewKafkaSink(c.KafkaBrokers, c.KafkaAuditTopic, "consentvault", logger.WithComponent(log, "audit"))
		sinks = append(sinks, kafkaSink)
		log.Info("Publishing audit entries to Kafka", zap.Strings("brokers", c.KafkaBrokers), zap.String("topic", c.KafkaAuditTopic))
	}
	batcher := audit.NewBatcher(audit.BatcherConfig{
		QueueSize:     c.AuditQueueSize,
		BatchSize:     c.AuditBatchSize,
		FlushInterval: c.AuditFlushInterval,
	}, logger.WithComponent(log, "audit"), sinks...)
	batcher.Start()

	app := &App{
		DB:               db,
		logger:           logger.WithComponent(log, "http"),
		rateLimiter:      NewRateLimiter(),
		defaultRateLimit: c.DefaultRateLimit,
		now:              time.Now,
	}
	app.consents = consent.NewService(consent.Deps{
		Store:    db,
		Users:    directory{db: db},
		Partners: directory{db: db},
		Signer:   consent.NewSigner(c.HmacSecret),
		Auditor:  batcher,
		Cache:    store,
		Logger:   logger.WithComponent(log, "consent"),
	}, consent.Config{
		TTL:             c.ConsentTTL,
		TimestampWindow: c.TimestampWindow,
		RevokeDedupTTL:  c.RevokeDedupTTL,
		CacheTTL:        c.CacheTTL,
	})

	srv := &http.Server{Handler: app.routes(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Info("Starting consent server", zap.String("port", c.Port), zap.String("env", c.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := batcher.Stop(ctx); err != nil {
		log.Error("Audit batcher did not drain", zap.Error(err))
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Error("Kafka writer close failed", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := db.close(); err != nil {
		log.Error("Database close failed", zap.Error(err))
	}
	log.Info("Server exited properly")
}
