package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"time"
)

// Weights for the ranking composite score. Must sum to 1.0; anything else is
// a startup-fatal configuration error, never silently renormalized.
type RankWeights struct {
	SkillMatch   float64
	Performance  float64
	Semantic     float64
	Monetization float64
	Freshness    float64
}

func (w RankWeights) Sum() float64 {
	return w.SkillMatch + w.Performance + w.Semantic + w.Monetization + w.Freshness
}

// Validate rejects weight sets whose sum falls outside [0.999, 1.001].
func (w RankWeights) Validate() bool {
	return math.Abs(w.Sum()-1.0) <= 0.001
}

type Config struct {
	MySQLDSN   string
	RedisURL   string
	JWTSecret  string
	Port       string
	EngineSeed string // hex ed25519 seed; empty generates an ephemeral key

	Weights RankWeights

	// ranking
	FreshnessHalfLife time.Duration // decay half-life for the freshness sub-score

	// reputation
	RepHalfLife time.Duration // decay half-life for attestation age
	RepWindow   time.Duration // hard cutoff; older attestations are excluded
	RepFloor    float64       // minimum attester weight
	RepCacheTTL time.Duration

	// transaction state machine
	ReserveTTL    time.Duration // default expires_at horizon when the agent omits one
	SweepInterval time.Duration
	QueryRetries  int

	// per-verb outbound timeouts
	QueryTimeout   time.Duration
	ProposeTimeout time.Duration
	CommitTimeout  time.Duration
	CancelTimeout  time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return f
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return d
}

func Load() Config {
	retries, _ := strconv.Atoi(getenv("QUERY_RETRIES", "3"))
	cfg := Config{
		MySQLDSN:   getenv("MYSQL_DSN", "poros:poros@tcp(127.0.0.1:3306)/poros?parseTime=true"),
		RedisURL:   getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret:  getenv("JWT_SECRET", ""),
		Port:       getenv("PORT", "8080"),
		EngineSeed: os.Getenv("ENGINE_SEED"),
		Weights: RankWeights{
			SkillMatch:   getfloat("RANK_W_SKILL", 0.40),
			Performance:  getfloat("RANK_W_PERFORMANCE", 0.25),
			Semantic:     getfloat("RANK_W_SEMANTIC", 0.20),
			Monetization: getfloat("RANK_W_MONETIZATION", 0.10),
			Freshness:    getfloat("RANK_W_FRESHNESS", 0.05),
		},
		FreshnessHalfLife: getduration("RANK_FRESHNESS_HALFLIFE", 7*24*time.Hour),
		RepHalfLife:       getduration("REP_HALFLIFE", 7*24*time.Hour),
		RepWindow:         getduration("REP_WINDOW", 90*24*time.Hour),
		RepFloor:          getfloat("REP_FLOOR", 0.1),
		RepCacheTTL:       getduration("REP_CACHE_TTL", time.Minute),
		ReserveTTL:        getduration("RESERVE_TTL", 15*time.Minute),
		SweepInterval:     getduration("SWEEP_INTERVAL", 30*time.Second),
		QueryRetries:      retries,
		QueryTimeout:      getduration("QUERY_TIMEOUT", 10*time.Second),
		ProposeTimeout:    getduration("PROPOSE_TIMEOUT", 20*time.Second),
		CommitTimeout:     getduration("COMMIT_TIMEOUT", 30*time.Second),
		CancelTimeout:     getduration("CANCEL_TIMEOUT", 30*time.Second),
	}
	if !cfg.Weights.Validate() {
		log.Fatalf("ranking weights must sum to 1.0, got %.4f", cfg.Weights.Sum())
	}
	return cfg
}
