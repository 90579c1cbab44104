package webserver

import (
	"crypto/ed25519"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/poros-protocol/poros-core/src/orchestrator/config"
	"github.com/poros-protocol/poros-core/src/ranking"
	"github.com/poros-protocol/poros-core/src/registry"
	"github.com/poros-protocol/poros-core/src/reputation"
	"github.com/poros-protocol/poros-core/src/txn"
)

type Deps struct {
	Cfg       config.Config
	Rdb       *redis.Client
	Registry  *registry.Registry
	Ledger    *reputation.Ledger
	Ranking   *ranking.Engine
	Machine   *txn.Machine
	EngineDID string
	EngineKey ed25519.PrivateKey
}

func New(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	attachRoutes(r, d)
	return r
}

func attachRoutes(r *gin.Engine, d Deps) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	signer := Signer{Key: d.EngineKey, DID: d.EngineDID}
	authH := NewAuth(d.Rdb, []byte(d.Cfg.JWTSecret))
	regH := NewRegistryHandlers(d.Registry, signer)
	verbH := NewVerbs(d.Ranking, d.Machine, signer)
	repH := NewReputation(d.Ledger, signer)
	limiter := NewRateLimiter(60, time.Minute)

	v1 := r.Group("/v1")
	v1.Use(RateLimitMiddleware(limiter))
	{
		v1.POST("/auth/challenge", authH.Challenge)
		v1.POST("/auth/verify", authH.Verify)

		v1.GET("/registry/agents/:did", regH.Get)
		v1.POST("/orchestrate/discover", verbH.Discover)
		v1.POST("/orchestrate/query", verbH.Query)
		v1.POST("/reputation/attestations", repH.Record)
		v1.GET("/reputation/:did", repH.Score)

		secured := v1.Group("")
		secured.Use(JWTMiddleware([]byte(d.Cfg.JWTSecret)))
		{
			secured.POST("/registry/agents", regH.Register)
			secured.DELETE("/registry/agents/:did", regH.Deactivate)
			secured.POST("/orchestrate/propose", verbH.Propose)
			secured.POST("/orchestrate/commit", verbH.Commit)
			secured.POST("/orchestrate/cancel", verbH.Cancel)
			secured.POST("/orchestrate/task", verbH.Task)
		}
	}
}
