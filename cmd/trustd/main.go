package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/health"
	"github.com/jmerrifield20/jwtrust/internal/issuer"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/server"
	"github.com/jmerrifield20/jwtrust/internal/signature"
	"github.com/jmerrifield20/jwtrust/internal/trust"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("trustd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("trustd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.issuer_url", "")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.admin_token", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("federation.trusted_anchors", []string{})
	viper.SetDefault("federation.http_timeout", "5s")
	viper.SetDefault("federation.cache_ttl", "1h")
	viper.SetDefault("federation.max_depth", 5)
	viper.SetDefault("federation.authority_enabled", true)
	viper.SetDefault("did.resolver_url", "https://dev.uniresolver.io")
	viper.SetDefault("did.timeout", "10s")
	viper.SetDefault("certificate.trusted_roots", "")
	viper.SetDefault("certificate.ca_dir", "")
	viper.SetDefault("issuer.access_token_ttl", "10m")
	viper.SetDefault("health.check_interval", "5m")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpPort := viper.GetInt("server.port")
	issuerURL := viper.GetString("server.issuer_url")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		ledger       trustledger.Ledger          = trustledger.New()
		issuerRepo   issuer.Repository           = issuer.NewMemoryRepository()
		subordinates federation.SubordinateStore = federation.NewMemorySubordinateStore()
	)
	if dsn := viper.GetString("database.url"); dsn != "" {
		db, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		pgLedger := trustledger.NewPostgresLedger(db, logger)
		pgIssuers := issuer.NewPostgresRepository(db, logger)
		pgSubordinates := federation.NewSubordinateRepository(db, logger)
		for _, m := range []interface{ Migrate(context.Context) error }{pgLedger, pgIssuers, pgSubordinates} {
			if err := m.Migrate(ctx); err != nil {
				return err
			}
		}
		ledger, issuerRepo, subordinates = pgLedger, pgIssuers, pgSubordinates
	} else {
		logger.Warn("database.url not set; issuers, subordinates and the ledger are kept in memory")
	}

	if err := ledger.Verify(ctx); err != nil {
		logger.Warn("trust ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := ledger.Len(ctx)
		root, _ := ledger.Root(ctx)
		logger.Info("trust ledger verified", zap.Int("entries", n), zap.String("root", root))
	}

	// ── Keys and certificates ────────────────────────────────────────────────
	wallet := keys.NewMemoryWallet()

	var roots *x509.CertPool
	if path := viper.GetString("certificate.trusted_roots"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read trusted roots: %w", err)
		}
		if roots, err = certificate.LoadPool(data); err != nil {
			return fmt.Errorf("load trusted roots: %w", err)
		}
	}

	var ca *certificate.Authority
	if dir := viper.GetString("certificate.ca_dir"); dir != "" {
		ca = certificate.NewAuthority(dir, "")
		if err := ca.LoadOrCreate(); err != nil {
			return fmt.Errorf("CA setup failed: %w", err)
		}
		if roots == nil {
			roots = x509.NewCertPool()
		}
		roots.AddCert(ca.Cert())
		logger.Info("CA ready", zap.String("ca_dir", dir))
	}
	if roots == nil {
		logger.Warn("no certificate.trusted_roots or certificate.ca_dir configured; x5c tokens will be rejected")
	}

	// ── Trust layer ──────────────────────────────────────────────────────────
	engine := signature.NewEngine(wallet, roots, logger)

	didTimeout := durationOr(viper.GetString("did.timeout"), 10*time.Second)
	didResolverURL := viper.GetString("did.resolver_url")
	didResolver := did.MethodRouter{
		Methods: map[string]did.Resolver{"key": did.KeyMethodResolver{}},
	}
	if didResolverURL != "" {
		didResolver.Default = did.NewHTTPResolver(didResolverURL, didTimeout, logger)
	}

	fedTimeout := durationOr(viper.GetString("federation.http_timeout"), 5*time.Second)
	cacheTTL := durationOr(viper.GetString("federation.cache_ttl"), time.Hour)
	var cache federation.StatementCache
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("entity configuration cache backed by redis", zap.String("addr", opts.Addr))
		cache = federation.NewRedisCache(rdb, "", cacheTTL, logger)
	} else {
		mem := federation.NewCache(cacheTTL)
		mem.StartEviction(ctx, cacheTTL/4, logger)
		cache = mem
	}
	fedResolver := federation.NewResolver(federation.NewClient(fedTimeout), cache, viper.GetInt("federation.max_depth"), logger)

	dispatcher := trust.NewDispatcher(trust.Agent{
		Wallet:     wallet,
		Keys:       did.NewKeyResolver(didResolver),
		Signatures: engine,
		Federation: fedResolver,
	}, logger)

	issuers := issuer.NewService(issuerRepo, wallet, dispatcher, ledger, logger)
	issuers.SetAccessTokenTTL(durationOr(viper.GetString("issuer.access_token_ttl"), 10*time.Minute))

	deps := server.Deps{
		Trust:      dispatcher,
		Algorithms: dispatcher.Agent().SupportedSignatureAlgorithms(),
		Issuers:    issuers,
		Ledger:     ledger,
	}
	if ca != nil {
		deps.CACertPEM = ca.CertPEM()
	}

	// ── Federation authority ─────────────────────────────────────────────────
	if viper.GetBool("federation.authority_enabled") {
		authorityKey, err := authoritySigningKey(ctx, wallet, ca)
		if err != nil {
			return fmt.Errorf("authority key: %w", err)
		}
		deps.Authority = federation.NewAuthorityService(issuerURL, subordinates, engine, authorityKey, logger).
			WithLedger(ledger)
		deps.AuthorityEntityID = issuerURL
		logger.Info("federation authority enabled",
			zap.String("entity_id", issuerURL),
			zap.String("kid", authorityKey.Fingerprint()),
		)
	}

	// ── Upstream health ──────────────────────────────────────────────────────
	var targets []health.Target
	for _, anchor := range viper.GetStringSlice("federation.trusted_anchors") {
		targets = append(targets, health.Target{
			Name: anchor,
			URL:  strings.TrimSuffix(anchor, "/") + federation.WellKnownPath,
		})
	}
	if didResolverURL != "" {
		targets = append(targets, health.Target{Name: "did-resolver", URL: didResolverURL})
	}
	if len(targets) > 0 {
		checker := health.New(targets, health.Config{
			CheckInterval: durationOr(viper.GetString("health.check_interval"), 5*time.Minute),
			ProbeTimeout:  fedTimeout,
		}, logger)
		checker.SetMetricsRecord(server.RecordUpstreamCheck)
		go checker.Start(ctx)
		deps.Health = checker
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.New(ctx, server.Config{
		CORSOrigins:  viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS: viper.GetInt("server.rate_limit_rps"),
		AdminToken:   viper.GetString("server.admin_token"),
	}, deps, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustd HTTP listening", zap.Int("port", httpPort), zap.String("issuer_url", issuerURL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down trustd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("trustd stopped")
	return nil
}

// authoritySigningKey uses the CA key when one is configured so the
// authority's jwks survives restarts; otherwise a fresh Ed25519 key.
func authoritySigningKey(ctx context.Context, wallet *keys.MemoryWallet, ca *certificate.Authority) (keys.Key, error) {
	if ca != nil {
		return wallet.Import(ca.Signer())
	}
	return wallet.CreateKey(ctx, keys.KeyTypeEd25519)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
