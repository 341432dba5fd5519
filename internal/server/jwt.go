package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/trust"
)

// trustSvc is the subset of trust.Dispatcher used by the handlers.
type trustSvc interface {
	Verify(ctx context.Context, desc trust.VerifierDescriptor, token string) (bool, error)
	Normalize(ctx context.Context, desc trust.IssuerDescriptor) (trust.RuntimeIssuerDescriptor, error)
	Create(ctx context.Context, desc trust.RuntimeIssuerDescriptor, header trust.JwtHeader, payload trust.JwtPayload) (string, error)
}

// JWTHandler exposes token verification and creation over HTTP.
type JWTHandler struct {
	svc        trustSvc
	algorithms []string
	admin      gin.HandlerFunc
	logger     *zap.Logger
}

// NewJWTHandler creates a JWTHandler. algorithms is the list advertised on
// GET /jwt/algorithms. admin guards /jwt/create, which signs with keys held
// in the node's wallet.
func NewJWTHandler(svc trustSvc, algorithms []string, admin gin.HandlerFunc, logger *zap.Logger) *JWTHandler {
	return &JWTHandler{svc: svc, algorithms: algorithms, admin: admin, logger: logger}
}

// Register mounts the JWT routes on the given router group.
func (h *JWTHandler) Register(rg *gin.RouterGroup) {
	j := rg.Group("/jwt")
	{
		j.GET("/algorithms", h.Algorithms)
		j.POST("/verify", h.Verify)
		j.POST("/create", h.admin, h.Create)
	}
}

type verifyRequest struct {
	Verifier json.RawMessage `json:"verifier" binding:"required"`
	Token    string          `json:"token" binding:"required"`
}

type createRequest struct {
	Issuer  json.RawMessage `json:"issuer" binding:"required"`
	Header  map[string]any  `json:"header"`
	Payload map[string]any  `json:"payload" binding:"required"`
}

// Algorithms handles GET /jwt/algorithms.
func (h *JWTHandler) Algorithms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"algorithms": h.algorithms})
}

// Verify handles POST /jwt/verify. A token that does not verify is a 200
// with valid=false; errors are reserved for requests that cannot be
// evaluated.
func (h *JWTHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	desc, err := trust.UnmarshalVerifier(req.Verifier)
	if err != nil {
		respondError(c, h.logger, "failed to decode verifier", err)
		return
	}

	valid, err := h.svc.Verify(c.Request.Context(), desc, req.Token)
	recordVerification(desc.Method(), valid, err)
	if err != nil {
		respondError(c, h.logger, "failed to verify token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// Create handles POST /jwt/create: the issuer descriptor is normalized and
// then used to sign header and payload.
func (h *JWTHandler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	desc, err := trust.UnmarshalIssuer(req.Issuer)
	if err != nil {
		respondError(c, h.logger, "failed to decode issuer", err)
		return
	}

	ctx := c.Request.Context()
	rt, err := h.svc.Normalize(ctx, desc)
	if err != nil {
		recordTokenCreated(desc.Method(), err)
		respondError(c, h.logger, "failed to normalize issuer", err)
		return
	}
	token, err := h.svc.Create(ctx, rt, req.Header, req.Payload)
	recordTokenCreated(desc.Method(), err)
	if err != nil {
		respondError(c, h.logger, "failed to create token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jwt": token})
}
