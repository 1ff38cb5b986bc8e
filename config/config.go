// Package config loads gateway settings from the environment, with
// .env support for local runs. Every value has a workable default so a
// bare `go run .` starts a single-node memory-backed gateway.
package config

import (
	"time"

	"github.com/joho/godotenv"

	"IMRelay/logger"
	"IMRelay/tools"
)

// Storage modes.
const (
	ModeMemory = "memory" // single node, nothing external
	ModeMongo  = "mongo"  // mongo + redis + nats
)

type Config struct {
	Addr   string // http listen address
	Mode   string
	NodeID string // empty = generated at boot

	Mongo MongoConf
	Redis RedisConf
	Nats  NatsConf
	JWT   JWTConf

	Gateway GatewayConf
}

type MongoConf struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConf struct {
	Addr     string
	Password string
	DB       int
}

type NatsConf struct {
	Servers string // comma-separated urls; empty disables the bus
}

type JWTConf struct {
	Secret string
	Alg    string
	TTL    time.Duration
}

type GatewayConf struct {
	SendQueue     int
	FanoutWorkers int
	FanoutQueue   int
	MaxPerUser    int // connections per user before eviction, 0 = unlimited
	UnauthTTL     time.Duration
	AuthTTL       time.Duration
	TypingTTL     time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file, using process environment only")
	}
	return Config{
		Addr:   tools.GetEnv("IM_ADDR", ":8080"),
		Mode:   tools.GetEnv("IM_MODE", ModeMemory),
		NodeID: tools.GetEnv("IM_NODE_ID", ""),
		Mongo: MongoConf{
			URI:      tools.GetEnv("IM_MONGO_URI", "mongodb://127.0.0.1:27017"),
			Database: tools.GetEnv("IM_MONGO_DB", "imrelay"),
			Timeout:  time.Duration(tools.GetEnvInt("IM_MONGO_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		Redis: RedisConf{
			Addr:     tools.GetEnv("IM_REDIS_ADDR", "127.0.0.1:6379"),
			Password: tools.GetEnv("IM_REDIS_PASSWORD", ""),
			DB:       tools.GetEnvInt("IM_REDIS_DB", 0),
		},
		Nats: NatsConf{
			Servers: tools.GetEnv("IM_NATS_SERVERS", ""),
		},
		JWT: JWTConf{
			Secret: tools.GetEnv("IM_JWT_SECRET", "dev-only-secret"),
			Alg:    tools.GetEnv("IM_JWT_ALG", "HS256"),
			TTL:    time.Duration(tools.GetEnvInt("IM_JWT_TTL_MIN", 120)) * time.Minute,
		},
		Gateway: GatewayConf{
			SendQueue:     tools.GetEnvInt("IM_SEND_QUEUE", 256),
			FanoutWorkers: tools.GetEnvInt("IM_FANOUT_WORKERS", 4),
			FanoutQueue:   tools.GetEnvInt("IM_FANOUT_QUEUE", 4096),
			MaxPerUser:    tools.GetEnvInt("IM_MAX_CONNS_PER_USER", 8),
			UnauthTTL:     time.Duration(tools.GetEnvInt("IM_UNAUTH_TTL_SEC", 60)) * time.Second,
			AuthTTL:       time.Duration(tools.GetEnvInt("IM_AUTH_TTL_SEC", 90)) * time.Second,
			TypingTTL:     time.Duration(tools.GetEnvInt("IM_TYPING_TTL_SEC", 5)) * time.Second,
		},
	}
}
