package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Engine struct {
	TickInterval      time.Duration // matching pass cadence
	ExpiryInterval    time.Duration // expiry sweep cadence
	SettlementTimeout time.Duration // per-call bound on a Settlement submit
	SlippageBps       int64         // min-out tolerance off the quoted output (50 = 0.5%)
	MaxConcurrency    int           // settlement calls in flight per tick
}

type Feed struct {
	Source         string // "static" or "router"
	CacheTTL       time.Duration
	FetchTimeout   time.Duration
	BroadcastEvery time.Duration
}

type Book struct {
	RefreshInterval time.Duration
	Levels          int
	TickBps         int64
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Storage struct {
	Backend      string // "memory", "pebble" or "postgres"
	PebblePath   string
	PostgresURL  string
	KafkaBrokers []string
	KafkaTopic   string
	JournalPath  string // optional JSON-lines audit trail
	QueueSize    int
}

type Chain struct {
	Mode          string // settlement mode: "paper" or "router"
	RPCURL        string
	RouterAddress string
	ExecutorKey   string // hex private key of the executor wallet
}

type Config struct {
	Engine    Engine
	Feed      Feed
	Book      Book
	API       API
	Storage   Storage
	Chain     Chain
	PairsFile string
	LogFile   string
	Verbose   bool
}

func Default() Config {
	return Config{
		Engine: Engine{
			TickInterval:      1 * time.Second,
			ExpiryInterval:    1 * time.Minute,
			SettlementTimeout: 10 * time.Second,
			SlippageBps:       50,
			MaxConcurrency:    8,
		},
		Feed: Feed{
			Source:         "static",
			CacheTTL:       5 * time.Second,
			FetchTimeout:   2 * time.Second,
			BroadcastEvery: 5 * time.Second,
		},
		Book: Book{
			RefreshInterval: 3 * time.Second,
			Levels:          20,
			TickBps:         1,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Storage: Storage{
			Backend:    "memory",
			PebblePath: "data/orders",
			KafkaTopic: "qiedex.orders",
			QueueSize:  1024,
		},
		Chain: Chain{
			Mode: "paper",
		},
		LogFile: "data/engine.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	durationMS("ENGINE_TICK_MS", &cfg.Engine.TickInterval)
	durationMS("ENGINE_EXPIRY_SWEEP_MS", &cfg.Engine.ExpiryInterval)
	durationMS("SETTLEMENT_TIMEOUT_MS", &cfg.Engine.SettlementTimeout)
	int64Env("SETTLEMENT_SLIPPAGE_BPS", &cfg.Engine.SlippageBps)
	intEnv("SETTLEMENT_MAX_CONCURRENCY", &cfg.Engine.MaxConcurrency)

	cfg.Feed.Source = getEnv("PRICE_SOURCE", cfg.Feed.Source)
	durationMS("PRICE_CACHE_TTL_MS", &cfg.Feed.CacheTTL)
	durationMS("PRICE_FETCH_TIMEOUT_MS", &cfg.Feed.FetchTimeout)
	durationMS("PRICE_BROADCAST_MS", &cfg.Feed.BroadcastEvery)

	durationMS("BOOK_REFRESH_MS", &cfg.Book.RefreshInterval)
	intEnv("BOOK_LEVELS", &cfg.Book.Levels)
	int64Env("BOOK_TICK_BPS", &cfg.Book.TickBps)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.PebblePath = getEnv("PEBBLE_PATH", cfg.Storage.PebblePath)
	cfg.Storage.PostgresURL = getEnv("POSTGRES_URL", cfg.Storage.PostgresURL)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Storage.KafkaBrokers = splitList(brokers)
	}
	cfg.Storage.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Storage.KafkaTopic)
	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)
	intEnv("STORAGE_QUEUE_SIZE", &cfg.Storage.QueueSize)

	cfg.Chain.Mode = getEnv("SETTLEMENT_MODE", cfg.Chain.Mode)
	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.RouterAddress = getEnv("ROUTER_ADDRESS", cfg.Chain.RouterAddress)
	cfg.Chain.ExecutorKey = getEnv("EXECUTOR_PRIVATE_KEY", cfg.Chain.ExecutorKey)

	cfg.PairsFile = getEnv("PAIRS_FILE", cfg.PairsFile)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	if verbose := os.Getenv("VERBOSE"); verbose != "" {
		cfg.Verbose = verbose == "true"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func int64Env(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
