package webserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/orchestrator/data"
)

// Auth implements the DID challenge/response login. A caller requests a
// nonce for its DID, signs {"did": did, "nonce": nonce} with the DID's
// key, and trades the signature for a session token.
type Auth struct {
	rdb    *redis.Client
	secret []byte
}

func NewAuth(rdb *redis.Client, secret []byte) *Auth {
	return &Auth{rdb: rdb, secret: secret}
}

type challengeRequest struct {
	DID string `json:"did" binding:"required"`
}

type verifyRequest struct {
	DID       string `json:"did" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (a *Auth) Challenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "did required", "code": "SCHEMA_INVALID"})
		return
	}
	if _, _, err := identity.ParseDID(req.DID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed did", "code": "SCHEMA_INVALID"})
		return
	}
	nonce := uuid.NewString()
	if err := data.SetNonce(c.Request.Context(), a.rdb, req.DID, nonce); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce storage failed", "code": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": req.DID, "nonce": nonce})
}

func (a *Auth) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "did and signature required", "code": "SCHEMA_INVALID"})
		return
	}
	nonce, err := data.GetAndDelNonce(c.Request.Context(), a.rdb, req.DID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no active challenge", "code": "INVALID_SIGNATURE"})
		return
	}
	payload := map[string]any{"did": req.DID, "nonce": nonce}
	if !identity.Verify(payload, req.Signature, req.DID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "code": "INVALID_SIGNATURE"})
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"did": req.DID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed", "code": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}
