package main

import (
	"context"
	"crypto/ed25519"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/poros-protocol/poros-core/src/agentclient"
	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/orchestrator/config"
	"github.com/poros-protocol/poros-core/src/orchestrator/data"
	"github.com/poros-protocol/poros-core/src/orchestrator/webserver"
	"github.com/poros-protocol/poros-core/src/ranking"
	"github.com/poros-protocol/poros-core/src/registry"
	"github.com/poros-protocol/poros-core/src/reputation"
	"github.com/poros-protocol/poros-core/src/store"
	"github.com/poros-protocol/poros-core/src/txn"
	"github.com/poros-protocol/poros-core/src/types"
)

var allModels = []interface{}{
	&types.Agent{}, &types.Proposal{}, &types.Commitment{},
	&types.Cancellation{}, &types.Attestation{},
	&types.AuditEntry{}, &types.IdempotencyRecord{},
}

func migrate(db *gorm.DB) {
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func engineIdentity(seed string) (string, ed25519.PrivateKey) {
	if seed != "" {
		did, key, err := identity.KeypairFromSeed(seed)
		if err != nil {
			log.Fatalf("engine seed: %v", err)
		}
		return did, key
	}
	did, key, err := identity.GenerateKeypair()
	if err != nil {
		log.Fatalf("engine keypair: %v", err)
	}
	log.Printf("no ENGINE_SEED set, using ephemeral identity %s", did)
	return did, key
}

func main() {
	cfg := config.Load()

	db := data.MustMySQL(cfg.MySQLDSN)
	migrate(db)
	rdb := data.MustRedis(cfg.RedisURL)

	engineDID, engineKey := engineIdentity(cfg.EngineSeed)

	st := store.NewGorm(db)
	reg := registry.New(st)
	ledger := reputation.New(st, data.NewScoreCache(rdb, cfg.RepCacheTTL), reputation.Config{
		HalfLife: cfg.RepHalfLife,
		Window:   cfg.RepWindow,
		Floor:    cfg.RepFloor,
	})
	engine, err := ranking.New(reg, ledger, cfg.Weights, ranking.KeywordSimilarity{}, cfg.FreshnessHalfLife)
	if err != nil {
		log.Fatalf("ranking: %v", err)
	}
	caller := agentclient.New(engineKey, engineDID)
	machine := txn.New(st, caller, txn.Options{
		ReserveTTL: cfg.ReserveTTL,
		Timeouts: txn.Timeouts{
			Query:   cfg.QueryTimeout,
			Propose: cfg.ProposeTimeout,
			Commit:  cfg.CommitTimeout,
			Cancel:  cfg.CancelTimeout,
		},
		QueryRetries: cfg.QueryRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go machine.RunSweeper(ctx, cfg.SweepInterval)

	router := webserver.New(webserver.Deps{
		Cfg:       cfg,
		Rdb:       rdb,
		Registry:  reg,
		Ledger:    ledger,
		Ranking:   engine,
		Machine:   machine,
		EngineDID: engineDID,
		EngineKey: engineKey,
	})
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("Poros orchestration engine %s listening on %s", engineDID, cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
}
