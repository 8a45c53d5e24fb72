package main

import (
	"flag"
	"net"
	"os"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr  string
	Host        string // convenience host to derive server address if not explicitly set
	Sentinel    bool
	Retry       bool
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Debug       bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:5001", "relay address")
	flag.StringVar(&cfg.Host, "host", "", "relay host; if set and --server not explicitly provided, the address is host:$PORT (default 5001)")
	flag.BoolVar(&cfg.Sentinel, "sentinel", false, "on stdin EOF send the termination sentinel instead of half-closing")
	flag.BoolVar(&cfg.Retry, "retry", false, "reconnect and join again after a session ends")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", 2*time.Second, "delay between reconnect attempts")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "connect timeout")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func parseConfig() {
	flag.Parse()
	var serverSet bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "server" {
			serverSet = true
		}
	})
	if cfg.Host != "" && !serverSet {
		port := os.Getenv("PORT")
		if port == "" {
			port = "5001"
		}
		cfg.ServerAddr = net.JoinHostPort(cfg.Host, port)
	}
}
