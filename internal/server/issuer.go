package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/issuer"
	"github.com/jmerrifield20/jwtrust/internal/trust"
)

// EntityStatementContentType is the media type of a signed entity statement.
const EntityStatementContentType = "application/entity-statement+jwt"

// issuerSvc is the subset of issuer.Service used by the handler.
type issuerSvc interface {
	Create(ctx context.Context, req *issuer.CreateRequest) (*issuer.Record, error)
	Get(ctx context.Context, id uuid.UUID) (*issuer.Record, error)
	GetBySlug(ctx context.Context, slug string) (*issuer.Record, error)
	List(ctx context.Context, limit, offset int) ([]*issuer.Record, error)
	EntityConfiguration(ctx context.Context, slug string) (string, error)
	IssueAccessToken(ctx context.Context, slug string, claims map[string]any) (string, error)
}

// IssuerHandler serves hosted issuers and their entity configurations.
type IssuerHandler struct {
	svc    issuerSvc
	admin  gin.HandlerFunc
	logger *zap.Logger
}

// NewIssuerHandler creates an IssuerHandler. admin guards the mutating
// routes.
func NewIssuerHandler(svc issuerSvc, admin gin.HandlerFunc, logger *zap.Logger) *IssuerHandler {
	return &IssuerHandler{svc: svc, admin: admin, logger: logger}
}

// Register mounts the issuer API on the given router group.
func (h *IssuerHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/issuers")
	{
		g.GET("", h.List)
		g.GET("/:ref", h.Get)
		g.POST("", h.admin, h.Create)
		g.POST("/:ref/token", h.admin, h.IssueToken)
	}
}

// RegisterWellKnown mounts the per-issuer entity configuration endpoint.
func (h *IssuerHandler) RegisterWellKnown(r gin.IRoutes) {
	r.GET("/.well-known/openid-federation/:issuer", h.EntityConfiguration)
}

// Create handles POST /issuers.
func (h *IssuerHandler) Create(c *gin.Context) {
	var req issuer.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rec, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "failed to create issuer", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// List handles GET /issuers?limit=&offset=.
func (h *IssuerHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := h.svc.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, h.logger, "failed to list issuers", err)
		return
	}
	if recs == nil {
		recs = []*issuer.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"issuers": recs})
}

// Get handles GET /issuers/:ref where ref is an id or a slug.
func (h *IssuerHandler) Get(c *gin.Context) {
	rec, err := h.lookup(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondError(c, h.logger, "failed to get issuer", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// IssueToken handles POST /issuers/:ref/token. The body is the claim set.
func (h *IssuerHandler) IssueToken(c *gin.Context) {
	var claims map[string]any
	if err := c.ShouldBindJSON(&claims); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	rec, err := h.lookup(ctx, c.Param("ref"))
	if err != nil {
		respondError(c, h.logger, "failed to get issuer", err)
		return
	}
	token, err := h.svc.IssueAccessToken(ctx, rec.Slug, claims)
	if err != nil {
		respondError(c, h.logger, "failed to issue access token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer"})
}

// EntityConfiguration handles GET /.well-known/openid-federation/:issuer.
func (h *IssuerHandler) EntityConfiguration(c *gin.Context) {
	slug := c.Param("issuer")
	token, err := h.svc.EntityConfiguration(c.Request.Context(), slug)
	recordEntityConfiguration(err)
	switch {
	case err == nil:
		c.Data(http.StatusOK, EntityStatementContentType, []byte(token))
	case errors.Is(err, issuer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		if !errors.Is(err, trust.ErrEntityStatement) {
			h.logger.Error("entity configuration", zap.String("issuer", slug), zap.Error(err))
		} else {
			h.logger.Warn("entity configuration could not be built", zap.String("issuer", slug), zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid_request"})
	}
}

func (h *IssuerHandler) lookup(ctx context.Context, ref string) (*issuer.Record, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return h.svc.Get(ctx, id)
	}
	return h.svc.GetBySlug(ctx, ref)
}
