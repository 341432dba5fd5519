package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/federation"
)

// authoritySvc is the subset of federation.AuthorityService used by the handler.
type authoritySvc interface {
	Register(ctx context.Context, req *federation.RegisterRequest) (*federation.Subordinate, error)
	Approve(ctx context.Context, id uuid.UUID) (*federation.Subordinate, error)
	Suspend(ctx context.Context, id uuid.UUID) (*federation.Subordinate, error)
	List(ctx context.Context, status federation.SubordinateStatus, limit, offset int) ([]*federation.Subordinate, error)
	EntityConfiguration(ctx context.Context) (string, error)
	ActiveEntityIDs(ctx context.Context) ([]string, error)
	SubordinateStatement(ctx context.Context, entityID string) (string, error)
}

// FederationHandler serves this node's federation authority endpoints.
type FederationHandler struct {
	svc    authoritySvc
	admin  gin.HandlerFunc
	logger *zap.Logger
}

// NewFederationHandler creates a FederationHandler.
func NewFederationHandler(svc authoritySvc, admin gin.HandlerFunc, logger *zap.Logger) *FederationHandler {
	return &FederationHandler{svc: svc, admin: admin, logger: logger}
}

// RegisterPublic mounts the protocol endpoints under base, the path of the
// authority's entity identifier.
func (h *FederationHandler) RegisterPublic(r gin.IRoutes, base string) {
	r.GET(base+federation.WellKnownPath, h.EntityConfiguration)
	r.GET(base+federation.FetchPath, h.Fetch)
	r.GET(base+federation.ListPath, h.ListEntities)
}

// Register mounts the subordinate management API on the given router group.
func (h *FederationHandler) Register(rg *gin.RouterGroup) {
	fed := rg.Group("/federation", h.admin)
	{
		fed.GET("/subordinates", h.ListSubordinates)
		fed.POST("/subordinates", h.RegisterSubordinate)
		fed.POST("/subordinates/:id/approve", h.ApproveSubordinate)
		fed.POST("/subordinates/:id/suspend", h.SuspendSubordinate)
	}
}

// EntityConfiguration handles GET /.well-known/openid-federation.
func (h *FederationHandler) EntityConfiguration(c *gin.Context) {
	token, err := h.svc.EntityConfiguration(c.Request.Context())
	recordEntityConfiguration(err)
	if err != nil {
		h.logger.Error("authority entity configuration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid_request"})
		return
	}
	c.Data(http.StatusOK, EntityStatementContentType, []byte(token))
}

// Fetch handles GET /fetch?sub=.
func (h *FederationHandler) Fetch(c *gin.Context) {
	sub := c.Query("sub")
	if sub == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "sub is required"})
		return
	}
	token, err := h.svc.SubordinateStatement(c.Request.Context(), sub)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("subordinate statement", zap.String("sub", sub), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.Data(http.StatusOK, EntityStatementContentType, []byte(token))
}

// ListEntities handles GET /list.
func (h *FederationHandler) ListEntities(c *gin.Context) {
	ids, err := h.svc.ActiveEntityIDs(c.Request.Context())
	if err != nil {
		h.logger.Error("list subordinate entities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, ids)
}

// RegisterSubordinate handles POST /api/v1/federation/subordinates.
func (h *FederationHandler) RegisterSubordinate(c *gin.Context) {
	var req federation.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	sub, err := h.svc.Register(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("register federation subordinate", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// ListSubordinates handles GET /api/v1/federation/subordinates?status=.
func (h *FederationHandler) ListSubordinates(c *gin.Context) {
	status := federation.SubordinateStatus(c.Query("status"))
	subs, err := h.svc.List(c.Request.Context(), status, 50, 0)
	if err != nil {
		h.logger.Error("list federation subordinates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subordinates"})
		return
	}
	if subs == nil {
		subs = []*federation.Subordinate{}
	}
	c.JSON(http.StatusOK, gin.H{"subordinates": subs})
}

// ApproveSubordinate handles POST /api/v1/federation/subordinates/:id/approve.
func (h *FederationHandler) ApproveSubordinate(c *gin.Context) {
	h.transition(c, "approve", h.svc.Approve)
}

// SuspendSubordinate handles POST /api/v1/federation/subordinates/:id/suspend.
func (h *FederationHandler) SuspendSubordinate(c *gin.Context) {
	h.transition(c, "suspend", h.svc.Suspend)
}

func (h *FederationHandler) transition(c *gin.Context, verb string, fn func(context.Context, uuid.UUID) (*federation.Subordinate, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subordinate id"})
		return
	}

	sub, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, verb+" subordinate", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
