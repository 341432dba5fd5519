// Package server is the HTTP host of the trust layer: JWT verification and
// creation, hosted issuers with their entity configurations, this node's
// federation authority endpoints and the trust ledger.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/health"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

const defaultBodyLimit = 1 << 20

// Config holds the host settings.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int    // 0 disables rate limiting
	BodyLimit    int64  // bytes; 0 = 1 MB
	AdminToken   string // empty = management routes are open
}

// Deps are the services the routes are backed by. Trust and Ledger are
// required; the rest are optional.
type Deps struct {
	Trust      trustSvc
	Algorithms []string
	Issuers    issuerSvc
	Authority  authoritySvc
	// AuthorityEntityID places the authority endpoints under its path.
	AuthorityEntityID string
	Ledger            trustledger.Ledger
	Health            *health.HealthChecker
	// CACertPEM is served on GET /api/v1/ca.crt when set.
	CACertPEM []byte
}

// New builds the router. ctx bounds the lifetime of background middleware
// state.
func New(ctx context.Context, cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	router.Use(securityHeaders())

	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	router.Use(bodyLimit(limit))

	if cfg.RateLimitRPS > 0 {
		router.Use(rateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(requestID(), requestLogger(logger), PrometheusMiddleware())

	admin := requireAdmin(cfg.AdminToken)
	if cfg.AdminToken == "" {
		logger.Warn("no admin token configured; token signing, issuer and federation management routes are unauthenticated")
	}

	router.GET("/healthz", healthz(deps.Health))
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewJWTHandler(deps.Trust, deps.Algorithms, admin, logger).Register(v1)
	NewLedgerHandler(deps.Ledger, logger).Register(v1)
	if len(deps.CACertPEM) > 0 {
		v1.GET("/ca.crt", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/x-pem-file", deps.CACertPEM)
		})
	}

	if deps.Issuers != nil {
		ih := NewIssuerHandler(deps.Issuers, admin, logger)
		ih.RegisterWellKnown(router)
		ih.Register(v1)
	}
	if deps.Authority != nil {
		fh := NewFederationHandler(deps.Authority, admin, logger)
		fh.RegisterPublic(router, entityPath(deps.AuthorityEntityID))
		fh.Register(v1)
	}
	return router
}

// entityPath is the path component of an entity identifier without a
// trailing slash.
func entityPath(entityID string) string {
	u, err := url.Parse(entityID)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

func healthz(checker *health.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		status := "ok"
		if !checker.Healthy() {
			status = "degraded"
		}
		// Degraded upstreams do not take this node out of rotation.
		c.JSON(http.StatusOK, gin.H{"status": status, "upstreams": checker.Snapshot()})
	}
}

// requireAdmin checks for "Authorization: Bearer <token>". With an empty
// token every request passes.
func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}
