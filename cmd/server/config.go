package main

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration derived from flags and environment.
type Config struct {
	ListenAddr       string
	MetricsAddr      string
	HandshakeTimeout time.Duration
	PairWait         time.Duration
	AckTimeout       time.Duration
	BufferSize       int
	JoinRate         float64
	GlobalJoinRate   float64
	JoinBurst        int
	LimiterIdle      time.Duration
	ShutdownGrace    time.Duration
	Debug            bool
	Strict           bool
	// Redis mirror of active sessions (optional)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

// init registers flags into the global flag set. main() parses and then
// applies the environment overlay.
func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", "0.0.0.0:5001", "relay listen address (HOST/PORT env override host and port)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time allowed for a client's first line")
	flag.DurationVar(&cfg.PairWait, "pair-wait", 2*time.Second, "how long a dequeued client waits for a partner before returning to the pool head")
	flag.DurationVar(&cfg.AckTimeout, "ack-timeout", 5*time.Second, "write deadline for WAITING/PAIRED status lines")
	flag.IntVar(&cfg.BufferSize, "buffer-size", 32*1024, "relay buffer size per direction")
	flag.Float64Var(&cfg.JoinRate, "join-rate", 0, "per remote IP connection attempts per second (0 = unlimited)")
	flag.Float64Var(&cfg.GlobalJoinRate, "global-join-rate", 0, "total connection attempts per second (0 = unlimited)")
	flag.IntVar(&cfg.JoinBurst, "join-burst", 10, "burst size for join rate limits")
	flag.DurationVar(&cfg.LimiterIdle, "limiter-idle", 10*time.Minute, "forget per-IP rate limit state after this idle time")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 0, "time to let active sessions finish after a shutdown signal (0 = immediate)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.BoolVar(&cfg.Strict, "strict", false, "panic on internal invariant violations")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the shared session mirror (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
}

// applyEnv overlays environment values onto flags the user did not set.
func (c *Config) applyEnv(getenv func(string) string, set map[string]bool) {
	if !set["listen"] {
		host, port, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			host, port = "0.0.0.0", "5001"
		}
		if v := getenv("HOST"); v != "" {
			host = v
		}
		if v := getenv("PORT"); v != "" {
			port = v
		}
		c.ListenAddr = net.JoinHostPort(host, port)
	}
	if v := getenv("REDIS_ADDR"); v != "" && !set["redis"] {
		c.RedisAddr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" && !set["redis-password"] {
		c.RedisPassword = v
	}
	if v := getenv("REDIS_DB"); v != "" && !set["redis-db"] {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
}

func parseConfig() {
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cfg.applyEnv(os.Getenv, set)
}
